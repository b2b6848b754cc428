package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

// DecisionSink is durable storage for decision batches. Write is all-or-
// nothing from the logger's perspective: any error leaves the whole batch
// queued for retry.
type DecisionSink interface {
	Write(ctx context.Context, decisions []domain.PolicyDecision) error
	Close() error
}

// FileSink appends decisions to an NDJSON file, one JSON object per line.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewFileSink opens (or creates) the append-only decision log file.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open decision log file: %w", err)
	}
	return &FileSink{file: f}, nil
}

// Write appends each decision as one JSON line.
func (s *FileSink) Write(_ context.Context, decisions []domain.PolicyDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSinkUnavailable
	}

	for _, d := range decisions {
		data, err := marshalDecision(d)
		if err != nil {
			return fmt.Errorf("failed to marshal decision %s: %w", d.DecisionID, err)
		}
		if _, err := s.file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write decision entry: %w", err)
		}
	}

	return s.file.Sync()
}

// Close closes the underlying file. Writes after Close report the sink as
// unavailable so the logger retains the batch.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// marshalDecision encodes a decision, stringifying any context value that
// does not encode cleanly rather than failing the whole batch.
func marshalDecision(d domain.PolicyDecision) ([]byte, error) {
	data, err := json.Marshal(d)
	if err == nil {
		return data, nil
	}

	sanitized := d
	sanitized.Context = make(map[string]any, len(d.Context))
	for k, v := range d.Context {
		if _, marshalErr := json.Marshal(v); marshalErr != nil {
			sanitized.Context[k] = fmt.Sprintf("%v", v)
		} else {
			sanitized.Context[k] = v
		}
	}
	return json.Marshal(sanitized)
}

// MultiSink fans a batch out to several sinks. Every sink must accept the
// batch for the write to count as durable.
type MultiSink struct {
	sinks []DecisionSink
}

// NewMultiSink combines sinks into one. A single sink is returned unwrapped.
func NewMultiSink(sinks ...DecisionSink) DecisionSink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &MultiSink{sinks: sinks}
}

// Write delivers the batch to every sink.
func (m *MultiSink) Write(ctx context.Context, decisions []domain.PolicyDecision) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Write(ctx, decisions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *MultiSink) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
