package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/x402-foundation/x402-commerce/internal/config"
	"github.com/x402-foundation/x402-commerce/internal/session"
	"github.com/x402-foundation/x402-commerce/internal/store"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. In sync settlement mode the API drives each new
settlement inline and needs the facilitator configuration; in async mode
settlements are left to settlement-worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				var processor session.Processor
				if a.cfg.Settlement.Mode == config.ModeSync {
					w, err := a.settlementWorker(ctx)
					if err != nil {
						return err
					}
					processor = w
				}
				return a.serveHTTP(ctx, a.httpServer(processor))
			})
		},
	}
}

func newSettlementWorkerCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "settlement-worker",
		Short: "Claim queued settlements and drive them through the facilitator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				w, err := a.settlementWorker(ctx)
				if err != nil {
					return err
				}
				w.Run(ctx)
				return nil
			})
		},
	}
}

func newReaperCommand(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Release expired reservations and expire abandoned attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				r := a.reaper()
				if !once {
					r.Run(ctx)
					return nil
				}
				result, err := r.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("reaper sweep: %w", err)
				}
				a.logger.WithFields(logrus.Fields{
					"released": result.Released,
					"expired":  result.Expired,
					"failed":   result.Failed,
				}).Info("reaper sweep finished")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func newWebhookDispatcherCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "webhook-dispatcher",
		Short: "Deliver pending webhook events to seller endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				a.dispatcher().Run(ctx)
				return nil
			})
		},
	}
}

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := store.Migrate(a.db.WithContext(ctx)); err != nil {
					return err
				}
				a.logger.Info("schema migrated")
				return nil
			})
		},
	}
}

func newAllCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Migrate, then run the API and every worker in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := store.Migrate(a.db.WithContext(ctx)); err != nil {
					return err
				}
				w, err := a.settlementWorker(ctx)
				if err != nil {
					return err
				}
				var processor session.Processor
				if a.cfg.Settlement.Mode == config.ModeSync {
					processor = w
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.serveHTTP(gctx, a.httpServer(processor)) })
				g.Go(func() error { w.Run(gctx); return nil })
				g.Go(func() error { a.reaper().Run(gctx); return nil })
				g.Go(func() error { a.dispatcher().Run(gctx); return nil })
				return g.Wait()
			})
		},
	}
}
