package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"adaptq/internal/eventlog"
	"adaptq/internal/job"
	"adaptq/internal/metrics"
	"adaptq/internal/sched"
	"adaptq/internal/sysstats"
)

type runOptions struct {
	tasks       int
	maxDuration time.Duration
	deadline    time.Duration
	spin        bool
	seed        uint64
	trail       bool
	csvPath     string
	metricsAddr string

	// source overrides the host sampler when set.
	source sysstats.Source
}

// summary is what a run reports once every task has settled.
type summary struct {
	Submitted   int
	Completed   int
	Failed      int
	Expired     int
	Cancelled   int
	Elapsed     time.Duration
	Concurrency int
}

func newRunCmd(root *rootFlags) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demo workload through the queue",
		Long: `Submit a batch of tasks with random priorities and durations, wait for
all of them, and print a summary.

Examples:
  # 100 sleeping tasks of up to 1s each
  adaptq run

  # CPU-bound tasks with a 500ms deadline and a CSV event trail
  adaptq run --spin --deadline 500ms --csv events.csv

  # Expose Prometheus metrics while the workload runs
  adaptq run --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := sched.Load(root.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), root.logLevel, root.logFormat)
			if err != nil {
				return err
			}

			s, err := runWorkload(cmd.Context(), cfg, opts, cmd.OutOrStdout(), logger)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.tasks, "tasks", "n", 100, "number of tasks to submit")
	cmd.Flags().DurationVar(&opts.maxDuration, "max-duration", time.Second, "upper bound of each task's random duration")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 0, "per-task deadline (0 for none)")
	cmd.Flags().BoolVar(&opts.spin, "spin", false, "burn CPU instead of sleeping")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().BoolVar(&opts.trail, "trail", false, "print every queue event")
	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "write queue events to this CSV file")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runWorkload(ctx context.Context, cfg sched.Config, opts runOptions, out io.Writer, logger *slog.Logger) (_ summary, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.tasks < 0 {
		return summary{}, fmt.Errorf("tasks must not be negative, got %d", opts.tasks)
	}
	if opts.maxDuration <= 0 {
		return summary{}, fmt.Errorf("max-duration must be positive, got %s", opts.maxDuration)
	}

	reg := prom.NewRegistry()
	exporter, err := metrics.NewExporter("adaptq", reg)
	if err != nil {
		return summary{}, err
	}

	var trailOut io.Writer
	if opts.trail {
		trailOut = out
	}
	trail := eventlog.New(trailOut)
	if opts.csvPath != "" {
		if err := trail.EnableCSV(opts.csvPath); err != nil {
			return summary{}, err
		}
	}
	defer func() {
		if cerr := trail.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	source := opts.source
	if source == nil {
		source = sysstats.NewHost(cfg.SamplingInterval() / 2)
	}

	q, err := sched.New(cfg,
		sched.WithLogger(logger),
		sched.WithStatsSource(exporter.Instrument(source)),
		sched.WithHooks(sched.MergeHooks(exporter.Hooks(), trail.Hooks())),
	)
	if err != nil {
		return summary{}, err
	}
	defer q.Close()

	var srv *http.Server
	if opts.metricsAddr != "" {
		srv = &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", opts.metricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", opts.metricsAddr)
	}

	seed := opts.seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	logger.Info("starting workload", "tasks", opts.tasks, "seed", seed, "max_concurrency", cfg.MaxConcurrency)

	outcomes := make([]error, opts.tasks)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.tasks; i++ {
		d := time.Duration(rng.Int64N(int64(opts.maxDuration))) + time.Millisecond
		taskOpts := []sched.TaskOption{sched.WithPriority(rng.IntN(10))}
		if opts.deadline > 0 {
			taskOpts = append(taskOpts, sched.WithDeadline(opts.deadline))
		}

		var h *sched.Handle[any]
		if opts.spin {
			h, err = q.Submit(gctx, anyOp(job.Spin(d)), taskOpts...)
		} else {
			h, err = q.Submit(gctx, anyOp(job.Sleep(d)), taskOpts...)
		}
		if err != nil {
			break
		}

		g.Go(func() error {
			_, err := h.Await(gctx)
			if errors.Is(err, context.Canceled) && gctx.Err() != nil {
				return err
			}
			outcomes[i] = err
			return nil
		})
	}
	if err != nil {
		q.Clear()
		_ = g.Wait()
		return summary{}, fmt.Errorf("submit: %w", err)
	}
	if err := g.Wait(); err != nil {
		return summary{}, err
	}
	if err := q.Drain(ctx); err != nil {
		return summary{}, err
	}

	s := summary{
		Submitted:   opts.tasks,
		Elapsed:     time.Since(start),
		Concurrency: q.Concurrency(),
	}
	for _, err := range outcomes {
		switch {
		case err == nil:
			s.Completed++
		case errors.Is(err, sched.ErrDeadlineExceeded):
			s.Expired++
		case errors.Is(err, sched.ErrCleared), errors.Is(err, sched.ErrQueueClosed):
			s.Cancelled++
		default:
			s.Failed++
		}
	}
	logger.Info("workload finished",
		"completed", s.Completed, "failed", s.Failed, "expired", s.Expired, "elapsed", s.Elapsed)
	return s, nil
}

// anyOp erases the result type so differently typed jobs share one queue
// call site.
func anyOp[T any](op func(context.Context) (T, error)) sched.Operation[any] {
	return func(ctx context.Context) (any, error) {
		return op(ctx)
	}
}

func printSummary(w io.Writer, s summary) {
	fmt.Fprintf(w, "submitted:   %d\n", s.Submitted)
	fmt.Fprintf(w, "completed:   %d\n", s.Completed)
	fmt.Fprintf(w, "failed:      %d\n", s.Failed)
	fmt.Fprintf(w, "expired:     %d\n", s.Expired)
	fmt.Fprintf(w, "cancelled:   %d\n", s.Cancelled)
	fmt.Fprintf(w, "elapsed:     %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "concurrency: %d\n", s.Concurrency)
}
