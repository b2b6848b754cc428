package domain

import "errors"

// Common domain errors
var (
	ErrSpanNotFound     = errors.New("span not found")
	ErrSpanAlreadyEnded = errors.New("span already ended")
	ErrExporterClosed   = errors.New("trace exporter is shut down")
	ErrQueueFull        = errors.New("export queue is full")
	ErrPolicyEvalFailed = errors.New("policy evaluation failed")
	ErrSinkUnavailable  = errors.New("decision sink unavailable")
)
