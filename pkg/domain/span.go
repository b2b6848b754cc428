package domain

import "time"

// Span is a timed unit of agent work with an optional parent, used to build a
// trace. Spans sharing a correlation id belong to one logical request.
type Span struct {
	// ID uniquely identifies this span.
	ID string `json:"id"`

	// Name is a human-readable description of the work, e.g. "planner.invoke".
	Name string `json:"name"`

	// CorrelationID groups all spans belonging to one workflow run.
	CorrelationID string `json:"correlation_id"`

	// ParentID is the ID of the parent span. Empty for root spans.
	ParentID string `json:"parent_id,omitempty"`

	// StartTime is when this span began.
	StartTime time.Time `json:"start_time"`

	// EndTime is when this span completed. Zero while the span is open.
	EndTime time.Time `json:"end_time,omitempty"`

	// Tags contains key-value metadata about this span.
	Tags map[string]string `json:"tags,omitempty"`

	// Events are timestamped log entries recorded within this span.
	Events []SpanEvent `json:"events,omitempty"`
}

// SpanEvent is a timestamped occurrence within a span.
type SpanEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Open reports whether the span has not yet ended. An open span must never be
// exported as terminal.
func (s *Span) Open() bool {
	return s.EndTime.IsZero()
}

// Duration returns the span's execution time, or 0 while the span is open.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
