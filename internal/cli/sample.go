package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"adaptq/internal/sched"
	"adaptq/internal/sysstats"
)

func newSampleCmd(root *rootFlags) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Print host utilization and the limit step it would cause",
		Long: `Sample host CPU and memory utilization the way the queue controller does,
and show how a limit of --from would move under the configured thresholds.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := sched.Load(root.configPath)
			if err != nil {
				return err
			}
			from, err := cmd.Flags().GetInt("from")
			if err != nil {
				return err
			}
			src := sysstats.NewHost(cfg.SamplingInterval() / 2)
			return printSamples(cmd.Context(), cmd.OutOrStdout(), src, cfg, from, count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of samples to take")
	cmd.Flags().Int("from", 4, "limit to step from")
	return cmd
}

func printSamples(ctx context.Context, w io.Writer, src sysstats.Source, cfg sched.Config, from, count int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	th := sched.Thresholds{CPU: cfg.MaxCPUUsage, Memory: cfg.MaxMemoryUsage}
	limit := from
	for i := 0; i < count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.SamplingInterval()):
			}
		}
		s, err := src.Sample(ctx)
		if err != nil {
			return err
		}
		next := sched.Adjust(limit, cfg.MaxConcurrency, s, th)
		fmt.Fprintf(w, "cpu=%.3f memory=%.3f limit %d -> %d\n", s.CPU, s.Memory, limit, next)
		limit = next
	}
	return nil
}
