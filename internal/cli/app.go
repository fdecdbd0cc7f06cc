package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	x402 "github.com/x402-foundation/x402-commerce"
	x402http "github.com/x402-foundation/x402-commerce/http"
	"github.com/x402-foundation/x402-commerce/internal/api"
	"github.com/x402-foundation/x402-commerce/internal/config"
	"github.com/x402-foundation/x402-commerce/internal/idempotency"
	"github.com/x402-foundation/x402-commerce/internal/logging"
	"github.com/x402-foundation/x402-commerce/internal/reservation"
	"github.com/x402-foundation/x402-commerce/internal/session"
	"github.com/x402-foundation/x402-commerce/internal/settlement"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
	"github.com/x402-foundation/x402-commerce/mechanisms/evm"
	"github.com/x402-foundation/x402-commerce/mechanisms/svm"
)

const (
	namespaceEVM    = "eip155"
	namespaceSolana = "solana"

	probeTimeout = 10 * time.Second
)

// app holds what every command shares: configuration, logger and database
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *gorm.DB

	reservations *reservation.Manager
	emitter      *webhook.Emitter

	closers []func()
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level)

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		reservations: reservation.NewManager(logger),
		emitter:      webhook.NewEmitter(logger),
	}
	a.onClose(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// facilitator resolves the configured backends into one ordered chain.
// Probe failures are logged; the backend stays in the chain.
func (a *app) facilitator(ctx context.Context) (*x402.FacilitatorChain, error) {
	clients, err := x402http.FacilitatorsFromConfig(a.cfg.Facilitator)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	chain, err := x402.ResolveFacilitators(probeCtx, clients...)
	if chain == nil {
		return nil, err
	}
	if err != nil {
		a.logger.WithError(err).Warn("facilitator probe failed; backend kept as catch-all")
	}
	a.logger.WithField("backends", chain.Identifiers()).Info("facilitator chain resolved")
	return chain, nil
}

// verifiers dials an on-chain verifier for every configured chain
func (a *app) verifiers(ctx context.Context) (*x402.OnchainRegistry, error) {
	registry := x402.NewOnchainRegistry()
	for _, ch := range a.cfg.Chains {
		network := x402.Network(ch.Network)
		_, evmErr := evm.GetNetworkConfig(ch.Network)
		_, svmErr := svm.GetNetworkConfig(ch.Network)
		switch {
		case network.Namespace() == namespaceEVM || evmErr == nil:
			v, closeFn, err := evm.DialTransferVerifier(ctx, ch.RPCURL)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", ch.Network, err)
			}
			a.onClose(closeFn)
			registry.Register(network, v)
		case network.Namespace() == namespaceSolana || svmErr == nil:
			registry.Register(network, svm.NewRPCTransferVerifier(ch.RPCURL))
		default:
			return nil, fmt.Errorf("chain %s: no on-chain verifier for this network", ch.Network)
		}
		a.logger.WithField("network", ch.Network).Info("on-chain verifier registered")
	}
	if a.cfg.Settlement.RequireOnchainConfirmation && len(a.cfg.Chains) == 0 {
		a.logger.Warn("on-chain confirmation is required but no chains are configured; facilitator results are trusted")
	}
	return registry, nil
}

func (a *app) settlementWorker(ctx context.Context) (*settlement.Worker, error) {
	chain, err := a.facilitator(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := a.verifiers(ctx)
	if err != nil {
		return nil, err
	}
	return settlement.NewWorker(a.db, chain, a.reservations, a.emitter, a.cfg.Settlement,
		settlement.WithLogger(a.logger),
		settlement.WithOnchainRegistry(registry),
	), nil
}

func (a *app) reaper() *reservation.Reaper {
	return reservation.NewReaper(a.db, a.reservations, a.emitter, a.cfg.Reaper, a.logger)
}

func (a *app) dispatcher() *webhook.Dispatcher {
	return webhook.NewDispatcher(a.db, a.cfg.Webhook, webhook.WithDispatcherLogger(a.logger))
}

// httpServer wires the API. processor settles inline in sync mode and may be nil.
func (a *app) httpServer(processor session.Processor) *http.Server {
	opts := []session.Option{session.WithLogger(a.logger)}
	if processor != nil {
		opts = append(opts, session.WithProcessor(processor))
	}
	keys := idempotency.New(a.db, idempotency.WithLogger(a.logger))
	sessions := session.NewService(a.db, keys, a.reservations, session.ConfigFrom(a.cfg), opts...)
	srv := api.NewServer(a.db, sessions, webhook.NewSubscriptions(a.db), a.logger)

	return &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveHTTP runs srv until ctx is canceled, then drains it
func (a *app) serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", srv.Addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	a.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
