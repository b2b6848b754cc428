package telemetry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

// SpanObserver receives span lifecycle notifications. Implementations must not
// block: callbacks run on the producer's goroutine.
type SpanObserver interface {
	OnSpanStart(span domain.Span)
	OnSpanEnd(span domain.Span)
}

// Registry records active and recently completed spans, keyed by span id and
// by correlation id. It is the single point of contention between concurrent
// agent invocations, so every lock hold is short: no observer callback or I/O
// happens under the lock.
type Registry struct {
	logger    *slog.Logger
	observers []SpanObserver

	mu     sync.RWMutex
	active map[string]*domain.Span
	byCorr map[string]map[string]struct{}

	recent    []domain.Span
	recentPos int
	recentLen int
}

// NewRegistry creates a span registry retaining recentSize completed spans.
func NewRegistry(recentSize int, logger *slog.Logger, observers ...SpanObserver) *Registry {
	if recentSize <= 0 {
		recentSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger.With("component", "tracer"),
		observers: observers,
		active:    make(map[string]*domain.Span),
		byCorr:    make(map[string]map[string]struct{}),
		recent:    make([]domain.Span, recentSize),
	}
}

// StartSpan opens a new span. parentID may be empty for workflow roots; tags
// may be nil. The returned copy is a read-only view for the caller; all
// subsequent mutation goes through the registry by span id.
func (r *Registry) StartSpan(name, correlationID, parentID string, tags map[string]string) domain.Span {
	span := &domain.Span{
		ID:            uuid.NewString(),
		Name:          name,
		CorrelationID: correlationID,
		ParentID:      parentID,
		StartTime:     time.Now().UTC(),
	}
	if len(tags) > 0 {
		span.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			span.Tags[k] = v
		}
	}

	r.mu.Lock()
	r.active[span.ID] = span
	ids := r.byCorr[correlationID]
	if ids == nil {
		ids = make(map[string]struct{})
		r.byCorr[correlationID] = ids
	}
	ids[span.ID] = struct{}{}
	snapshot := *span
	r.mu.Unlock()

	for _, obs := range r.observers {
		obs.OnSpanStart(snapshot)
	}

	return snapshot
}

// SetTag annotates an active span. Unknown ids are ignored: the span may
// already have ended.
func (r *Registry) SetTag(spanID, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.active[spanID]
	if !ok {
		return
	}
	if span.Tags == nil {
		span.Tags = make(map[string]string)
	}
	span.Tags[key] = value
}

// AddEvent appends a timestamped event to an active span.
func (r *Registry) AddEvent(spanID string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.active[spanID]
	if !ok {
		return
	}
	span.Events = append(span.Events, domain.SpanEvent{
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	})
}

// EndSpan closes the span, moves it from the active table to the recent ring,
// and notifies observers. Ending a span twice is a logged no-op, not an error.
func (r *Registry) EndSpan(spanID string) {
	r.mu.Lock()
	span, ok := r.active[spanID]
	if !ok {
		err := domain.ErrSpanNotFound
		for i := 0; i < r.recentLen; i++ {
			if r.recent[i].ID == spanID {
				err = domain.ErrSpanAlreadyEnded
				break
			}
		}
		r.mu.Unlock()
		r.logger.Warn("EndSpan is a no-op", "span_id", spanID, "error", err)
		return
	}

	span.EndTime = time.Now().UTC()
	if span.EndTime.Before(span.StartTime) {
		// Clock adjustment between start and end; clamp to preserve the
		// end >= start invariant.
		span.EndTime = span.StartTime
	}

	delete(r.active, spanID)
	if ids, ok := r.byCorr[span.CorrelationID]; ok {
		delete(ids, spanID)
		if len(ids) == 0 {
			delete(r.byCorr, span.CorrelationID)
		}
	}

	r.recent[r.recentPos] = *span
	r.recentPos = (r.recentPos + 1) % len(r.recent)
	if r.recentLen < len(r.recent) {
		r.recentLen++
	}

	snapshot := *span
	r.mu.Unlock()

	for _, obs := range r.observers {
		obs.OnSpanEnd(snapshot)
	}
}

// ActiveCount returns the number of currently open spans.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Trace returns every span (open and completed) recorded for a correlation id,
// ordered by start time.
func (r *Registry) Trace(correlationID string) []domain.Span {
	r.mu.RLock()
	spans := make([]domain.Span, 0, 8)
	if ids, ok := r.byCorr[correlationID]; ok {
		for id := range ids {
			if span, ok := r.active[id]; ok {
				spans = append(spans, *span)
			}
		}
	}
	for i := 0; i < r.recentLen; i++ {
		if r.recent[i].CorrelationID == correlationID {
			spans = append(spans, r.recent[i])
		}
	}
	r.mu.RUnlock()

	sort.Slice(spans, func(i, j int) bool {
		return spans[i].StartTime.Before(spans[j].StartTime)
	})
	return spans
}

// Recent returns up to limit recently completed spans, newest first.
func (r *Registry) Recent(limit int) []domain.Span {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.recentLen {
		limit = r.recentLen
	}

	out := make([]domain.Span, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.recentPos - 1 - i + len(r.recent)*2) % len(r.recent)
		out = append(out, r.recent[idx])
	}
	return out
}
