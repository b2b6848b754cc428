package telemetry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

type mockTraceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	notify        chan struct{}
}

func startMockTraceCollector(t *testing.T) (*mockTraceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	collector := &mockTraceCollector{notify: make(chan struct{}, 1)}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)

	go func() { _ = server.Serve(lis) }()
	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

func (m *mockTraceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	m.mu.Lock()
	m.resourceSpans = append(m.resourceSpans, req.ResourceSpans...)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (m *mockTraceCollector) WaitForSpans(ctx context.Context, minSpans int) []*tracepb.Span {
	for {
		m.mu.Lock()
		var spans []*tracepb.Span
		for _, rs := range m.resourceSpans {
			for _, scope := range rs.ScopeSpans {
				spans = append(spans, scope.Spans...)
			}
		}
		m.mu.Unlock()

		if len(spans) >= minSpans {
			return spans
		}

		select {
		case <-ctx.Done():
			return spans
		case <-m.notify:
		}
	}
}

func TestExportPipelineAgainstOTLPCollector(t *testing.T) {
	collector, addr := startMockTraceCollector(t)

	ctx := context.Background()
	provider, err := NewProvider(ctx, ProviderConfig{
		ServiceName: "sentinel-test",
		Endpoint:    addr,
		Insecure:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics := NewMetrics()
	exporter := NewExporter(provider.Tracer(), provider.ForceFlush, ExporterConfig{RootSpanName: "workflow"}, metrics, nil)
	reg := NewRegistry(16, nil, exporter)

	root := reg.StartSpan("workflow", "corr-e2e", "", map[string]string{"run": "e2e"})
	child := reg.StartSpan("agent.planner", "corr-e2e", root.ID, nil)
	reg.EndSpan(child.ID)
	reg.EndSpan(root.ID)

	require.NoError(t, exporter.Shutdown(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	spans := collector.WaitForSpans(waitCtx, 2)
	require.Len(t, spans, 2)

	assert.Equal(t, spans[0].TraceId, spans[1].TraceId)

	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
	}
	assert.True(t, names["workflow"])
	assert.True(t, names["agent.planner"])

	assert.Equal(t, float64(2), metrics.Counter(MetricExportedSpans))
}
