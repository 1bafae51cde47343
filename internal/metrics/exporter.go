// Package metrics exports queue activity as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"adaptq/internal/sched"
	"adaptq/internal/sysstats"
)

// Exporter turns queue notifications into metrics. Install it with
// sched.WithHooks(e.Hooks()).
type Exporter struct {
	concurrency   prom.Gauge
	pending       prom.Gauge
	running       prom.Gauge
	submitted     prom.Counter
	settled       *prom.CounterVec
	cleared       prom.Counter
	waitSeconds   prom.Histogram
	runSeconds    *prom.HistogramVec
	hostUsage     *prom.GaugeVec
	sampleFailure prom.Counter

	mu         sync.Mutex
	enqueuedAt map[uuid.UUID]time.Time
	startedAt  map[uuid.UUID]time.Time
}

// NewExporter creates and registers the collectors. A nil reg means the
// default registerer; registering twice on the same registry reuses the
// existing collectors.
func NewExporter(namespace string, reg prom.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = "adaptq"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	e := &Exporter{
		concurrency: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_limit",
			Help:      "Current concurrency limit.",
		}),
		pending: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Tasks waiting for a slot.",
		}),
		running: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently running.",
		}),
		submitted: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of admitted tasks.",
		}),
		settled: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_settled_total",
			Help:      "Total number of settled tasks by outcome.",
		}, []string{"outcome"}),
		cleared: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_cleared_total",
			Help:      "Total number of pending tasks dropped by Clear or Close.",
		}),
		waitSeconds: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_wait_seconds",
			Help:      "Time from admission to dispatch.",
			Buckets:   prom.DefBuckets,
		}),
		runSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_seconds",
			Help:      "Time from dispatch to settlement.",
			Buckets:   prom.DefBuckets,
		}, []string{"outcome"}),
		hostUsage: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "host_usage_ratio",
			Help:      "Last sampled host utilization in [0,1].",
		}, []string{"resource"}),
		sampleFailure: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stats_sample_failures_total",
			Help:      "Total number of failed host samples.",
		}),
		enqueuedAt: make(map[uuid.UUID]time.Time),
		startedAt:  make(map[uuid.UUID]time.Time),
	}

	var err error
	if e.concurrency, err = registerCollector(reg, e.concurrency); err != nil {
		return nil, err
	}
	if e.pending, err = registerCollector(reg, e.pending); err != nil {
		return nil, err
	}
	if e.running, err = registerCollector(reg, e.running); err != nil {
		return nil, err
	}
	if e.submitted, err = registerCollector(reg, e.submitted); err != nil {
		return nil, err
	}
	if e.settled, err = registerCollector(reg, e.settled); err != nil {
		return nil, err
	}
	if e.cleared, err = registerCollector(reg, e.cleared); err != nil {
		return nil, err
	}
	if e.waitSeconds, err = registerCollector(reg, e.waitSeconds); err != nil {
		return nil, err
	}
	if e.runSeconds, err = registerCollector(reg, e.runSeconds); err != nil {
		return nil, err
	}
	if e.hostUsage, err = registerCollector(reg, e.hostUsage); err != nil {
		return nil, err
	}
	if e.sampleFailure, err = registerCollector(reg, e.sampleFailure); err != nil {
		return nil, err
	}
	return e, nil
}

// Hooks returns the notification table feeding e.
func (e *Exporter) Hooks() sched.Hooks {
	return sched.Hooks{
		OnAdded:       e.onAdded,
		OnDispatch:    e.onDispatch,
		OnSettled:     e.onSettled,
		OnCleared:     e.onCleared,
		OnIdle:        e.observeCounts,
		OnConcurrency: e.observeCounts,
	}
}

// Instrument wraps src so every sample updates the host usage gauges.
func (e *Exporter) Instrument(src sysstats.Source) sysstats.Source {
	return sysstats.Func(func(ctx context.Context) (sysstats.Sample, error) {
		s, err := src.Sample(ctx)
		if err != nil {
			e.sampleFailure.Inc()
			return s, err
		}
		e.hostUsage.WithLabelValues("cpu").Set(s.CPU)
		e.hostUsage.WithLabelValues("memory").Set(s.Memory)
		return s, nil
	})
}

func (e *Exporter) onAdded(ev sched.StatusEvent) {
	e.submitted.Inc()
	e.observeCounts(ev)

	e.mu.Lock()
	e.enqueuedAt[ev.TaskID] = ev.Time
	e.mu.Unlock()
}

func (e *Exporter) onDispatch(ev sched.StatusEvent) {
	e.observeCounts(ev)

	e.mu.Lock()
	if at, ok := e.enqueuedAt[ev.TaskID]; ok {
		e.waitSeconds.Observe(ev.Time.Sub(at).Seconds())
		delete(e.enqueuedAt, ev.TaskID)
	}
	e.startedAt[ev.TaskID] = ev.Time
	e.mu.Unlock()
}

func (e *Exporter) onSettled(ev sched.StatusEvent) {
	outcome := outcomeLabel(ev.Kind)
	e.settled.WithLabelValues(outcome).Inc()
	e.observeCounts(ev)

	e.mu.Lock()
	if at, ok := e.startedAt[ev.TaskID]; ok {
		e.runSeconds.WithLabelValues(outcome).Observe(ev.Time.Sub(at).Seconds())
		delete(e.startedAt, ev.TaskID)
	}
	e.mu.Unlock()
}

func (e *Exporter) onCleared(ev sched.StatusEvent) {
	e.cleared.Inc()
	e.observeCounts(ev)

	e.mu.Lock()
	delete(e.enqueuedAt, ev.TaskID)
	e.mu.Unlock()
}

func (e *Exporter) observeCounts(ev sched.StatusEvent) {
	e.pending.Set(float64(ev.Pending))
	e.running.Set(float64(ev.Running))
	e.concurrency.Set(float64(ev.Concurrency))
}

func outcomeLabel(kind sched.StatusKind) string {
	switch kind {
	case sched.StatusComplete:
		return "completed"
	case sched.StatusFail:
		return "failed"
	case sched.StatusExpire:
		return "expired"
	default:
		return "unknown"
	}
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
