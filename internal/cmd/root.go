// Package cmd implements the rlm command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iuriikogan/rlm-sandbox/internal/config"
	"github.com/iuriikogan/rlm-sandbox/internal/observability"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rlm",
		Short: "Answer questions over long documents with a sandboxed language model",
		Long: `rlm drives a language model through a JavaScript sandbox. The document is
bound to the variable context; the model explores it with code, can call
sub-models through llm_query, and finishes by naming the variable that holds
its answer.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newAskCmd(),
		newSessionsCmd(),
		newConfigCmd(),
	)
	return root
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration named by --config and installs the
// configured logger. Logs go to stderr so stdout stays machine readable.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	observability.SetupLoggerTo(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
