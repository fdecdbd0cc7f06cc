// Package cli holds the x402d commands. Each long-running role can run in
// its own process or together under "all".
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// options are the flags shared by every command
type options struct {
	configPath string
}

// NewRootCommand builds the x402d command tree
func NewRootCommand(version string) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "x402d",
		Short: "x402 settlement and reservation engine",
		Long: `x402d holds inventory for x402 payment sessions, settles signed payments
through facilitators exactly once and notifies sellers by webhook.

Configuration is read from --config (YAML), then X402_* environment
variables. A .env file in the working directory is loaded first.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCommand(opts),
		newSettlementWorkerCommand(opts),
		newReaperCommand(opts),
		newWebhookDispatcherCommand(opts),
		newMigrateCommand(opts),
		newAllCommand(opts),
	)
	return root
}

// Execute runs the root command
func Execute(version string) error {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// withApp loads configuration, runs fn and releases everything fn acquired
func withApp(cmd *cobra.Command, opts *options, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(opts.configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return fn(ctx, a)
}
