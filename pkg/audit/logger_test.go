package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]domain.PolicyDecision
	failing bool
	closed  bool
}

func (s *fakeSink) Write(_ context.Context, decisions []domain.PolicyDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink unavailable")
	}
	batch := make([]domain.PolicyDecision, len(decisions))
	copy(batch, decisions)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testDecision(result domain.DecisionResult) domain.PolicyDecision {
	return domain.PolicyDecision{
		DecisionID:    uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		DecisionType:  "agent_output",
		Result:        result,
		AgentID:       "planner-1",
		CorrelationID: "corr-1",
		LatencyMS:     1.5,
	}
}

func TestLogBuffersUntilFlush(t *testing.T) {
	sink := &fakeSink{}
	logger := NewLogger(sink, LoggerConfig{BatchSize: 10, FlushInterval: time.Hour}, nil, nil)

	for i := 0; i < 3; i++ {
		logger.Log(testDecision(domain.ResultAllow))
	}

	assert.Equal(t, 3, logger.BatchLen())
	assert.Zero(t, sink.total())

	require.NoError(t, logger.Flush(context.Background()))
	assert.Zero(t, logger.BatchLen())
	assert.Equal(t, 3, sink.total())
}

func TestFailedFlushRetainsEntries(t *testing.T) {
	sink := &fakeSink{failing: true}
	logger := NewLogger(sink, LoggerConfig{BatchSize: 10, FlushInterval: time.Hour}, nil, nil)

	logger.Log(testDecision(domain.ResultDeny))
	logger.Log(testDecision(domain.ResultAllow))

	require.Error(t, logger.Flush(context.Background()))
	assert.Equal(t, 2, logger.BatchLen())

	sink.mu.Lock()
	sink.failing = false
	sink.mu.Unlock()

	require.NoError(t, logger.Flush(context.Background()))
	assert.Zero(t, logger.BatchLen())
	assert.Equal(t, 2, sink.total())
}

func TestBatchThresholdTriggersAsyncFlush(t *testing.T) {
	sink := &fakeSink{}
	logger := NewLogger(sink, LoggerConfig{BatchSize: 5, FlushInterval: time.Hour}, nil, nil)
	logger.Start()
	defer func() { _ = logger.Stop(context.Background()) }()

	for i := 0; i < 5; i++ {
		logger.Log(testDecision(domain.ResultAllow))
	}

	require.Eventually(t, func() bool { return sink.total() == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, logger.BatchLen())
}

func TestStopFlushesAndClosesSink(t *testing.T) {
	sink := &fakeSink{}
	logger := NewLogger(sink, LoggerConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, nil)
	logger.Start()

	logger.Log(testDecision(domain.ResultAllow))
	require.NoError(t, logger.Stop(context.Background()))

	assert.Equal(t, 1, sink.total())
	assert.True(t, sink.closed)

	// Second stop is a no-op.
	require.NoError(t, logger.Stop(context.Background()))
}

func TestSetFlushIntervalShortensPeriodicFlush(t *testing.T) {
	sink := &fakeSink{}
	logger := NewLogger(sink, LoggerConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, nil)
	logger.Start()
	defer func() { _ = logger.Stop(context.Background()) }()

	logger.Log(testDecision(domain.ResultAllow))

	// With the hour-long interval nothing flushes; shortening the interval
	// must take effect on the running loop.
	logger.SetFlushInterval(20 * time.Millisecond)
	require.Eventually(t, func() bool { return sink.total() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSetFlushIntervalIgnoresNonPositive(t *testing.T) {
	logger := NewLogger(&fakeSink{}, LoggerConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, nil)

	logger.SetFlushInterval(0)
	logger.SetFlushInterval(-time.Second)

	assert.Equal(t, time.Hour, logger.flushInterval())
}

func TestFileSinkWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	d1 := testDecision(domain.ResultAllow)
	d2 := testDecision(domain.ResultDeny)
	d2.Context = map[string]any{"tool": "shell", "attempt": 2}

	require.NoError(t, sink.Write(context.Background(), []domain.PolicyDecision{d1, d2}))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []domain.PolicyDecision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d domain.PolicyDecision
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &d))
		lines = append(lines, d)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, d1.DecisionID, lines[0].DecisionID)
	assert.Equal(t, domain.ResultDeny, lines[1].Result)
	assert.Equal(t, "shell", lines[1].Context["tool"])
}

func TestFileSinkWriteAfterCloseIsUnavailable(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "decisions.ndjson"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	err = sink.Write(context.Background(), []domain.PolicyDecision{testDecision(domain.ResultAllow)})
	assert.ErrorIs(t, err, domain.ErrSinkUnavailable)

	// Second close is a no-op.
	require.NoError(t, sink.Close())
}

func TestStoreQueryFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	allow := testDecision(domain.ResultAllow)
	deny := testDecision(domain.ResultDeny)
	deny.CorrelationID = "corr-2"
	require.NoError(t, sink.Write(context.Background(), []domain.PolicyDecision{allow, deny}))
	require.NoError(t, sink.Close())

	store := NewStore(path)

	all, err := store.Query(QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	denied, err := store.Query(QueryFilter{Result: domain.ResultDeny})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, deny.DecisionID, denied[0].DecisionID)

	byCorr, err := store.Query(QueryFilter{CorrelationID: "corr-2"})
	require.NoError(t, err)
	require.Len(t, byCorr, 1)

	limited, err := store.Query(QueryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStoreQueryMissingFileIsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.ndjson"))
	decisions, err := store.Query(QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	sink, err := NewSQLiteSink(SQLiteConfig{Path: filepath.Join(t.TempDir(), "decisions.db")})
	require.NoError(t, err)
	defer sink.Close()

	d := testDecision(domain.ResultRequireApproval)
	d.Context = map[string]any{"reason_code": "sensitive_tool"}

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, []domain.PolicyDecision{d}))

	// Redelivery of the same batch must not duplicate rows.
	require.NoError(t, sink.Write(ctx, []domain.PolicyDecision{d}))

	got, err := sink.QueryDecisions(ctx, QueryFilter{CorrelationID: d.CorrelationID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d.DecisionID, got[0].DecisionID)
	assert.Equal(t, domain.ResultRequireApproval, got[0].Result)
	assert.Equal(t, "sensitive_tool", got[0].Context["reason_code"])
}

func TestSQLiteSinkQueryMatchesStoreSignature(t *testing.T) {
	sink, err := NewSQLiteSink(SQLiteConfig{Path: filepath.Join(t.TempDir(), "decisions.db")})
	require.NoError(t, err)
	defer sink.Close()

	deny := testDecision(domain.ResultDeny)
	allow := testDecision(domain.ResultAllow)
	require.NoError(t, sink.Write(context.Background(), []domain.PolicyDecision{deny, allow}))

	got, err := sink.Query(QueryFilter{Result: domain.ResultDeny})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, deny.DecisionID, got[0].DecisionID)
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	multi := NewMultiSink(a, b)

	require.NoError(t, multi.Write(context.Background(), []domain.PolicyDecision{testDecision(domain.ResultAllow)}))
	assert.Equal(t, 1, a.total())
	assert.Equal(t, 1, b.total())

	b.failing = true
	assert.Error(t, multi.Write(context.Background(), []domain.PolicyDecision{testDecision(domain.ResultAllow)}))

	require.NoError(t, multi.Close())
	assert.True(t, a.closed)
}
