package sched

import (
	"context"
	"log/slog"
	"math"

	"adaptq/internal/sysstats"
)

// Thresholds are the utilization ceilings the controller steers below.
type Thresholds struct {
	CPU    float64
	Memory float64
}

// Adjust applies one step of the control law to limit and returns the new
// limit, clamped to [1, max].
//
// Growth is proportional to the smaller of the two headrooms: memory
// headroom is absolute (Tm - memory), CPU headroom is relative to its
// threshold ((Tc - cpu) / Tc). When either resource is at or over its
// threshold the limit collapses to 1.
func Adjust(limit, max int, s sysstats.Sample, th Thresholds) int {
	memFactor := 0.0
	if s.Memory < th.Memory {
		memFactor = th.Memory - s.Memory
	}
	cpuFactor := 0.0
	if th.CPU > 0 && s.CPU < th.CPU {
		cpuFactor = (th.CPU - s.CPU) / th.CPU
	}
	increase := math.Min(memFactor, cpuFactor)

	var next float64
	if increase > 0 {
		next = math.Ceil(float64(limit)*(1+increase) - ceilEpsilon)
	} else {
		decrease := 1 - increase
		next = math.Max(1, math.Floor(float64(limit)*(1-decrease)))
	}
	return clampLimit(next, max)
}

// ceilEpsilon absorbs float noise in the headroom (0.8-0.6 is
// 0.20000000000000007) so an exact product is not rounded up a step.
const ceilEpsilon = 1e-9

func clampLimit(v float64, max int) int {
	if max < 1 {
		max = 1
	}
	switch {
	case math.IsNaN(v) || v < 1:
		return 1
	case v >= float64(max):
		return max
	default:
		return int(v)
	}
}

// controller samples the stats source on every clock tick and hands the
// sample to apply. Sampling failures skip the cycle.
type controller struct {
	source sysstats.Source
	clock  *TickClock
	logger *slog.Logger
	apply  func(sysstats.Sample)

	cancel context.CancelFunc
}

func startController(q *Queue) *controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &controller{
		source: q.source,
		clock:  NewTickClock(),
		logger: q.logger,
		apply:  q.applySample,
		cancel: cancel,
	}
	c.clock.Start(q.interval)
	go c.loop(ctx)
	return c
}

func (c *controller) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.clock.Ch:
			if !ok {
				return
			}
		}

		s, err := c.source.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stats sample failed, keeping concurrency",
				"error", err, "tick", c.clock.Count(), "dropped_ticks", c.clock.Dropped())
			continue
		}
		c.apply(s)
	}
}

// stop halts sampling. It does not wait for an in-flight sample, so it is
// safe to reach from a hook running inside apply.
func (c *controller) stop() {
	c.cancel()
	c.clock.Stop()
}
