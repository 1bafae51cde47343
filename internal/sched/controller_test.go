package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adaptq/internal/sysstats"
)

func TestAdjust(t *testing.T) {
	t.Parallel()

	th := Thresholds{CPU: 0.8, Memory: 0.8}
	tests := []struct {
		name   string
		limit  int
		max    int
		sample sysstats.Sample
		th     Thresholds
		want   int
	}{
		{"cpu over threshold collapses", 4, Unbounded, sysstats.Sample{CPU: 0.9, Memory: 0.1}, th, 1},
		{"memory over threshold collapses", 6, Unbounded, sysstats.Sample{CPU: 0.1, Memory: 0.95}, th, 1},
		{"grows by smaller headroom", 4, Unbounded, sysstats.Sample{CPU: 0.2, Memory: 0.2}, th, 7},
		{"growth clamped to max", 4, 5, sysstats.Sample{CPU: 0.2, Memory: 0.2}, th, 5},
		{"idle host", 4, Unbounded, sysstats.Sample{CPU: 0, Memory: 0}, th, 8},
		{"saturated host", 4, Unbounded, sysstats.Sample{CPU: 1, Memory: 1}, th, 1},
		{"exactly at threshold shrinks", 3, Unbounded, sysstats.Sample{CPU: 0.8, Memory: 0.1}, th, 1},
		{"zero cpu threshold never grows", 4, Unbounded, sysstats.Sample{CPU: 0, Memory: 0}, Thresholds{CPU: 0, Memory: 0.8}, 1},
		{"zero memory threshold never grows", 4, Unbounded, sysstats.Sample{CPU: 0, Memory: 0}, Thresholds{CPU: 0.8, Memory: 0}, 1},
		{"single slot grows", 1, Unbounded, sysstats.Sample{CPU: 0.1, Memory: 0.1}, th, 2},
		{"already at max stays", 10, 10, sysstats.Sample{CPU: 0.1, Memory: 0.1}, th, 10},
		{"float noise does not add a step", 5, Unbounded, sysstats.Sample{CPU: 0.1, Memory: 0.6}, th, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Adjust(tt.limit, tt.max, tt.sample, tt.th))
		})
	}
}

func TestAdjust_StaysInBounds(t *testing.T) {
	t.Parallel()

	values := []float64{0, 0.1, 0.5, 0.79, 0.8, 0.81, 1}
	thresholds := []float64{0, 0.5, 0.8, 1}
	for _, max := range []int{1, 3, 50, Unbounded} {
		for _, limit := range []int{1, 2, 17} {
			if limit > max {
				continue
			}
			for _, cpu := range values {
				for _, mem := range values {
					for _, tc := range thresholds {
						for _, tm := range thresholds {
							got := Adjust(limit, max, sysstats.Sample{CPU: cpu, Memory: mem}, Thresholds{CPU: tc, Memory: tm})
							require.GreaterOrEqual(t, got, 1)
							require.LessOrEqual(t, got, max)
						}
					}
				}
			}
		}
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, clampLimit(0, 10))
	assert.Equal(t, 1, clampLimit(-3, 10))
	assert.Equal(t, 10, clampLimit(1e30, 10))
	assert.Equal(t, Unbounded, clampLimit(1e30, Unbounded))
	assert.Equal(t, 4, clampLimit(4, 10))
}

// switchSource returns one of two samples depending on a flag.
type switchSource struct {
	overloaded atomic.Bool
	failing    atomic.Bool
}

func (s *switchSource) Sample(context.Context) (sysstats.Sample, error) {
	if s.failing.Load() {
		return sysstats.Sample{}, errors.New("stats unavailable")
	}
	if s.overloaded.Load() {
		return sysstats.Sample{CPU: 0.95, Memory: 0.5}, nil
	}
	return sysstats.Sample{CPU: 0.1, Memory: 0.1}, nil
}

func TestController_GrowsAndShrinks(t *testing.T) {
	t.Parallel()

	src := &switchSource{}
	var mu sync.Mutex
	var changes []int

	cfg := testConfig(1, 8)
	cfg.SamplingIntervalMS = 5
	q := newTestQueue(t, cfg,
		WithStatsSource(src),
		WithHooks(Hooks{OnConcurrencyChanged: func(limit int) {
			mu.Lock()
			changes = append(changes, limit)
			mu.Unlock()
		}}),
	)

	last := func() int {
		mu.Lock()
		defer mu.Unlock()
		if len(changes) == 0 {
			return 0
		}
		return changes[len(changes)-1]
	}

	require.Eventually(t, func() bool { return last() == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 8, q.Concurrency())

	src.overloaded.Store(true)
	require.Eventually(t, func() bool { return last() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.Concurrency())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 4, 7, 8, 1}, changes)
}

func TestController_SampleFailureKeepsLimit(t *testing.T) {
	t.Parallel()

	src := &switchSource{}
	src.failing.Store(true)

	cfg := testConfig(3, 8)
	cfg.SamplingIntervalMS = 5
	q := newTestQueue(t, cfg, WithStatsSource(src))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, q.Concurrency())

	h, err := Submit(context.Background(), q, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	v, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	src.failing.Store(false)
	require.Eventually(t, func() bool { return q.Concurrency() == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, sysstats.Sample{CPU: 0.1, Memory: 0.1}, q.Stats().LastSample)
}

func TestSetConcurrency_WakesBlockedProducer(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, testConfig(1, 4))

	release := make(chan struct{})
	block := func(context.Context) (struct{}, error) {
		<-release
		return struct{}{}, nil
	}
	_, err := Submit(context.Background(), q, block)
	require.NoError(t, err)

	admitted := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), q, block)
		admitted <- err
	}()

	select {
	case err := <-admitted:
		t.Fatalf("Submit returned while queue was saturated: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	assert.Equal(t, 3, q.SetConcurrency(3))
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit still blocked after the limit was raised")
	}
	assert.Equal(t, 2, q.Stats().Running)

	close(release)
	require.NoError(t, q.Drain(context.Background()))
}
