// Package cmd holds the command line interface.
package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "dmarcpipeline",
	Short: "Collect, parse and forward DMARC reports",
	Long: `dmarcpipeline collects DMARC aggregate and forensic reports from mailboxes,
queues and directories, parses and enriches them and delivers the result to
the configured sinks.

Example:
  dmarcpipeline watch --config config.yaml
  dmarcpipeline parse report.xml.gz
  dmarcpipeline parse --format csv ./report.zip`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config File to use")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Print debug output")
}

// Execute runs the root command. SIGINT and SIGTERM cancel the context of
// the running command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// newLogger logs text with timestamps to a terminal and JSON otherwise.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	opts := log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	}
	if debug {
		opts.Level = log.DebugLevel
	}
	if !isTerminal(w) {
		opts.Formatter = log.JSONFormatter
	}
	return slog.New(log.NewWithOptions(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
