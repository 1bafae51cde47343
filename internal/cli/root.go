// Package cli implements the adaptq command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "adaptq",
		Short: "Adaptive-concurrency priority task queue",
		Long: `adaptq runs workloads through an in-process priority queue whose
concurrency limit follows host CPU and memory utilization.

Configuration is read from a YAML file (--config) and may be overridden
with ADAPTQ_* environment variables.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default: built-in defaults)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug/info/warn/error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "log format (text/json)")

	root.AddCommand(newRunCmd(flags), newSampleCmd(flags))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
