// Package sysstats samples host CPU and memory utilization as fractions in [0,1].
package sysstats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrSampleFailed wraps any failure to read host statistics.
var ErrSampleFailed = errors.New("sysstats: sample failed")

// DefaultWindow is how long Host integrates CPU ticks per sample.
const DefaultWindow = time.Second

// Sample is one utilization reading. Both fields are fractions in [0,1].
type Sample struct {
	CPU    float64
	Memory float64
}

// Source supplies utilization samples. Sample may block while it measures.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context) (Sample, error)

func (f Func) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// Static always returns the same sample.
type Static Sample

func (s Static) Sample(context.Context) (Sample, error) { return Sample(s), nil }

// Host reads the local machine through gopsutil.
type Host struct {
	// Window is the CPU measurement window; zero means DefaultWindow.
	Window time.Duration
}

// NewHost returns a Host source measuring CPU over window.
func NewHost(window time.Duration) *Host {
	return &Host{Window: window}
}

// Sample blocks for the CPU window, then reads memory.
func (h *Host) Sample(ctx context.Context) (Sample, error) {
	window := h.Window
	if window <= 0 {
		window = DefaultWindow
	}

	percents, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: cpu: %v", ErrSampleFailed, err)
	}
	if len(percents) == 0 {
		return Sample{}, fmt.Errorf("%w: cpu: no data", ErrSampleFailed)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: memory: %v", ErrSampleFailed, err)
	}

	return Sample{
		CPU:    clamp01(percents[0] / 100),
		Memory: clamp01(vm.UsedPercent / 100),
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
