package geoview

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

type testCoordinator struct {
	*coordinator
	mailbox *mailbox
	reader  *sdkmetric.ManualReader
	spans   *tracetest.SpanRecorder
	stats   *StatsCollector
}

func newTestCoordinator(t *testing.T, workers, queueSize int) *testCoordinator {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	stats := NewStatsCollector()
	mb := newMailbox(zap.NewNop())
	c, err := newCoordinator(coordinatorConfig{
		workers:   workers,
		queueSize: queueSize,
		logger:    zap.NewNop(),
		meter:     sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		tracer:    sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		stats:     stats,
	}, mb)
	require.NoError(t, err)
	tc := &testCoordinator{coordinator: c, mailbox: mb, reader: reader, spans: spans, stats: stats}
	t.Cleanup(func() {
		c.close()
		mb.close()
	})
	return tc
}

// taskCount sums the geoview.tasks counter for the given status.
func (tc *testCoordinator) taskCount(t *testing.T, status string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tc.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "geoview.tasks" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("status"); ok && v.AsString() == status {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func waitDone(t *testing.T, h *Cancelable) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s did not finish", h.ID())
	}
}

func TestCoordinator_DeliversResultOnce(t *testing.T) {
	tc := newTestCoordinator(t, 2, 16)
	var calls int32
	var got Result[int]
	h := submit(tc.coordinator, "test", func(ctx context.Context) (int, error) {
		return 42, nil
	}, func(res Result[int]) {
		atomic.AddInt32(&calls, 1)
		got = res
	})
	waitDone(t, h)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, got.Ok())
	assert.Equal(t, 42, got.Value)
	assert.False(t, h.Canceled())
	assert.Equal(t, "test", h.Kind())
	assert.NotEmpty(t, h.ID())

	// Cancel after delivery is a no-op.
	h.Cancel()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, h.Canceled())

	require.Eventually(t, func() bool {
		return tc.taskCount(t, "success") == 1 && len(tc.spans.Ended()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "test", tc.spans.Ended()[0].Name())
}

func TestCoordinator_CancelBeforeStart(t *testing.T) {
	tc := newTestCoordinator(t, 1, 16)
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := submit(tc.coordinator, "block", func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	}, nil)
	<-started

	var ran int32
	var calls int32
	var got Result[string]
	h := submit(tc.coordinator, "queued", func(ctx context.Context) (string, error) {
		atomic.StoreInt32(&ran, 1)
		return "value", nil
	}, func(res Result[string]) {
		atomic.AddInt32(&calls, 1)
		got = res
	})
	h.Cancel()
	waitDone(t, h)
	close(release)
	waitDone(t, blocker)

	assert.True(t, h.Canceled())
	assert.ErrorIs(t, got.Err, ErrCanceled)
	assert.Empty(t, got.Value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, int64(1), tc.taskCount(t, "canceled"))
	assert.Equal(t, uint64(1), tc.stats.Stats().Canceled)
}

func TestCoordinator_CancelWhileRunning(t *testing.T) {
	tc := newTestCoordinator(t, 1, 16)
	started := make(chan struct{})
	var calls int32
	var got Result[int]
	h := submit(tc.coordinator, "slow", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}, func(res Result[int]) {
		atomic.AddInt32(&calls, 1)
		got = res
	})
	<-started
	h.Cancel()
	waitDone(t, h)

	assert.ErrorIs(t, got.Err, ErrCanceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(0), tc.taskCount(t, "success"))
}

func TestCoordinator_FailureKeepsErrorKind(t *testing.T) {
	tc := newTestCoordinator(t, 1, 16)
	var got Result[int]
	h := reject(tc.coordinator, "reject", invalidf("test", "bad input"), func(res Result[int]) {
		got = res
	})
	waitDone(t, h)

	assert.ErrorIs(t, got.Err, ErrInvalidRequest)
	assert.Equal(t, int64(1), tc.taskCount(t, "error"))
	assert.Equal(t, uint64(1), tc.stats.Stats().Failed)
}

func TestCoordinator_ContextErrorIsUpstreamUnavailable(t *testing.T) {
	tc := newTestCoordinator(t, 1, 16)
	var got Result[int]
	h := submit(tc.coordinator, "deadline", func(ctx context.Context) (int, error) {
		return 0, context.DeadlineExceeded
	}, func(res Result[int]) {
		got = res
	})
	waitDone(t, h)
	assert.ErrorIs(t, got.Err, ErrUpstreamUnavailable)
}

func TestCoordinator_QueueFull(t *testing.T) {
	tc := newTestCoordinator(t, 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := submit(tc.coordinator, "block", func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	}, nil)
	<-started
	queued := submit(tc.coordinator, "queued", func(ctx context.Context) (int, error) {
		return 2, nil
	}, nil)

	var got Result[int]
	h := submit(tc.coordinator, "overflow", func(ctx context.Context) (int, error) {
		return 3, nil
	}, func(res Result[int]) {
		got = res
	})
	waitDone(t, h)
	close(release)
	waitDone(t, blocker)
	waitDone(t, queued)

	assert.ErrorIs(t, got.Err, ErrUpstreamUnavailable)
}

func TestCoordinator_CloseFailsPending(t *testing.T) {
	tc := newTestCoordinator(t, 1, 16)
	started := make(chan struct{})
	running := submit(tc.coordinator, "running", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)
	<-started

	var queuedErr error
	queued := submit(tc.coordinator, "queued", func(ctx context.Context) (int, error) {
		return 1, nil
	}, func(res Result[int]) {
		queuedErr = res.Err
	})

	tc.coordinator.close()
	waitDone(t, running)
	waitDone(t, queued)
	assert.ErrorIs(t, queuedErr, ErrUpstreamUnavailable)

	var lateErr error
	late := submit(tc.coordinator, "late", func(ctx context.Context) (int, error) {
		return 1, nil
	}, func(res Result[int]) {
		lateErr = res.Err
	})
	waitDone(t, late)
	assert.True(t, errors.Is(lateErr, ErrUpstreamUnavailable))
}

func TestCoordinator_CallbacksAreSerialized(t *testing.T) {
	tc := newTestCoordinator(t, 8, 256)
	var inside, overlaps int32
	handles := make([]*Cancelable, 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		handles = append(handles, submit(tc.coordinator, "many", func(ctx context.Context) (int, error) {
			return i, nil
		}, func(res Result[int]) {
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
		}))
	}
	for _, h := range handles {
		waitDone(t, h)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlaps))
	require.Eventually(t, func() bool {
		return tc.stats.Stats().Tasks == 100
	}, 5*time.Second, 10*time.Millisecond)
}
