package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptq/internal/sched"
	"adaptq/internal/sysstats"
)

func newQueue(t *testing.T, e *Exporter, initial, max int) *sched.Queue {
	t.Helper()
	cfg := sched.DefaultConfig()
	cfg.InitialConcurrency = initial
	cfg.MaxConcurrency = max

	q, err := sched.New(cfg,
		sched.WithStatsSource(nil),
		sched.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		sched.WithHooks(e.Hooks()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestExporter_CountsOutcomes(t *testing.T) {
	reg := prom.NewRegistry()
	e, err := NewExporter("adaptq", reg)
	require.NoError(t, err)

	q := newQueue(t, e, 2, 4)
	ctx := context.Background()

	ok, err := sched.Submit(ctx, q, func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	bad, err := sched.Submit(ctx, q, func(context.Context) (int, error) { return 0, errors.New("boom") })
	require.NoError(t, err)
	_, _ = ok.Await(ctx)
	_, _ = bad.Await(ctx)

	slow, err := sched.Submit(ctx, q, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, sched.WithDeadline(10*time.Millisecond))
	require.NoError(t, err)
	_, err = slow.Await(ctx)
	require.ErrorIs(t, err, sched.ErrDeadlineExceeded)
	require.NoError(t, q.Drain(ctx))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.settled.WithLabelValues("expired")) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(e.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.settled.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.settled.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.concurrency))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.running) == 0 && testutil.ToFloat64(e.pending) == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, testutil.CollectAndCount(e.runSeconds))

	e.mu.Lock()
	assert.Empty(t, e.enqueuedAt)
	assert.Empty(t, e.startedAt)
	e.mu.Unlock()
}

func TestExporter_ClearedAndConcurrency(t *testing.T) {
	reg := prom.NewRegistry()
	e, err := NewExporter("", reg)
	require.NoError(t, err)

	q := newQueue(t, e, 2, 8)
	q.Pause()
	for i := 0; i < 2; i++ {
		_, err := sched.Submit(context.Background(), q, func(context.Context) (int, error) { return i, nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 2, q.Clear())
	q.SetConcurrency(6)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.concurrency) == 6
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.cleared))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.pending))
}

func TestExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter("adaptq", reg)
	require.NoError(t, err)
	second, err := NewExporter("adaptq", reg)
	require.NoError(t, err)

	first.submitted.Inc()
	second.submitted.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(first.submitted))
}

func TestExporter_Instrument(t *testing.T) {
	reg := prom.NewRegistry()
	e, err := NewExporter("adaptq", reg)
	require.NoError(t, err)

	src := e.Instrument(sysstats.Static{CPU: 0.25, Memory: 0.5})
	s, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sysstats.Sample{CPU: 0.25, Memory: 0.5}, s)
	assert.Equal(t, 0.25, testutil.ToFloat64(e.hostUsage.WithLabelValues("cpu")))
	assert.Equal(t, 0.5, testutil.ToFloat64(e.hostUsage.WithLabelValues("memory")))

	failing := e.Instrument(sysstats.Func(func(context.Context) (sysstats.Sample, error) {
		return sysstats.Sample{}, sysstats.ErrSampleFailed
	}))
	_, err = failing.Sample(context.Background())
	assert.ErrorIs(t, err, sysstats.ErrSampleFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.sampleFailure))
}
