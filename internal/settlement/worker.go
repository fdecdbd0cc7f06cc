// Package settlement drives queued settlements through a facilitator and
// applies the outcome to the payment attempt and its reservations.
//
// A settlement moves queued -> in_progress -> confirmed | failed. Workers
// take ownership with a conditional UPDATE, so any number of them can poll
// the same table. An in_progress row whose lock is older than the lock
// timeout is reclaimed by the next worker that sees it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	x402 "github.com/x402-foundation/x402-commerce"
	"github.com/x402-foundation/x402-commerce/internal/config"
	"github.com/x402-foundation/x402-commerce/internal/reservation"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
	"github.com/x402-foundation/x402-commerce/internal/worker"
)

const tracerName = "github.com/x402-foundation/x402-commerce/internal/settlement"

var (
	// ErrNotClaimed means another worker owns the settlement or it is already closed
	ErrNotClaimed = errors.New("settlement not claimable")
	// ErrSettlementNotFound is returned by ProcessOne for an unknown id
	ErrSettlementNotFound = errors.New("settlement not found")

	errLockLost = errors.New("settlement lock lost")
)

// Worker claims settlements and settles them
type Worker struct {
	db           *gorm.DB
	facilitator  x402.Facilitator
	verifiers    *x402.OnchainRegistry
	reservations *reservation.Manager
	emitter      *webhook.Emitter
	cfg          config.SettlementConfig
	backoff      worker.Backoff
	id           string
	logger       logrus.FieldLogger
	tracer       trace.Tracer
	counters     *worker.Counters

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Worker
type Option func(*Worker)

// WithWorkerID sets the lock owner id. Default: "settlement-" plus a uuid.
func WithWorkerID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithOnchainRegistry sets the verifiers used to corroborate facilitator success
func WithOnchainRegistry(r *x402.OnchainRegistry) Option {
	return func(w *Worker) { w.verifiers = r }
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithRand seeds backoff jitter, for tests
func WithRand(rng *rand.Rand) Option {
	return func(w *Worker) { w.rng = rng }
}

// NewWorker creates a Worker. emitter may be nil.
func NewWorker(db *gorm.DB, facilitator x402.Facilitator, reservations *reservation.Manager, emitter *webhook.Emitter, cfg config.SettlementConfig, opts ...Option) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	w := &Worker{
		db:           db,
		facilitator:  facilitator,
		reservations: reservations,
		emitter:      emitter,
		cfg:          cfg,
		backoff:      worker.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		counters:     &worker.Counters{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.id == "" {
		w.id = "settlement-" + uuid.NewString()
	}
	if w.rng == nil {
		w.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	if w.logger == nil {
		w.logger = logrus.StandardLogger()
	}
	w.logger = w.logger.WithFields(logrus.Fields{
		"component": "settlement_worker",
		"worker_id": w.id,
	})
	return w
}

// ID returns the lock owner id
func (w *Worker) ID() string { return w.id }

// Counters exposes the worker's outcome counters
func (w *Worker) Counters() *worker.Counters { return w.counters }

// Run polls for due settlements until ctx is canceled
func (w *Worker) Run(ctx context.Context) {
	worker.Run(ctx, worker.Config{
		Name:      "settlement-worker",
		Interval:  w.cfg.PollInterval,
		Burst:     w.cfg.BatchSize,
		IdleDelay: w.cfg.PollInterval,
	}, w.ProcessNext, w.counters, w.logger)
}

// ProcessNext claims the oldest due settlement and drives it to an outcome.
// Returns worker.ErrNoWork when nothing was due.
func (w *Worker) ProcessNext(ctx context.Context) error {
	s, err := w.claimNext(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return worker.ErrNoWork
	}
	_, err = w.process(ctx, s)
	return err
}

// ProcessOne claims a specific settlement and drives it to an outcome. It
// returns ErrNotClaimed when the row is owned by a live worker or closed.
func (w *Worker) ProcessOne(ctx context.Context, settlementID string) (string, error) {
	s, err := w.claimByID(ctx, settlementID)
	if err != nil {
		return "", err
	}
	return w.process(ctx, s)
}

func (w *Worker) claimNext(ctx context.Context) (*store.Settlement, error) {
	now := store.Now()
	staleBefore := now.Add(-w.cfg.LockTimeout)

	var claimed *store.Settlement
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []store.Settlement
		err := tx.
			Where("(status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND locked_at <= ?)",
				store.SettlementQueued, now, store.SettlementInProgress, staleBefore).
			Order("created_at ASC").
			Limit(w.cfg.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil {
			return err
		}

		for i := range due {
			ok, err := w.claimRow(tx, &due[i], now, staleBefore)
			if err != nil {
				return err
			}
			if ok {
				claimed = &due[i]
				return nil
			}
			w.counters.IncSkipped()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim settlement: %w", err)
	}
	return claimed, nil
}

func (w *Worker) claimByID(ctx context.Context, id string) (*store.Settlement, error) {
	now := store.Now()
	staleBefore := now.Add(-w.cfg.LockTimeout)

	var s store.Settlement
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&s, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrSettlementNotFound, id)
		}
		if err != nil {
			return err
		}
		ok, err := w.claimRow(tx, &s, now, staleBefore)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotClaimed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// claimRow takes ownership of s when it is queued, or in_progress with a
// stale lock. Exactly one concurrent caller sees true.
func (w *Worker) claimRow(tx *gorm.DB, s *store.Settlement, now, staleBefore time.Time) (bool, error) {
	q := tx.Model(&store.Settlement{}).Where("id = ?", s.ID)
	switch {
	case s.Status == store.SettlementQueued:
		q = q.Where("status = ?", store.SettlementQueued)
	case s.Status == store.SettlementInProgress && s.LockedAt != nil && !s.LockedAt.After(staleBefore):
		w.logger.WithFields(logrus.Fields{
			"settlement_id": s.ID,
			"locked_by":     deref(s.LockedBy),
		}).Warn("reclaiming stale settlement")
		q = q.Where("status = ? AND locked_at <= ?", store.SettlementInProgress, staleBefore)
	default:
		return false, nil
	}

	res := q.Updates(map[string]interface{}{
		"status":          store.SettlementInProgress,
		"locked_by":       w.id,
		"locked_at":       now,
		"attempts":        gorm.Expr("attempts + 1"),
		"next_attempt_at": nil,
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim settlement %s: %w", s.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	s.Status = store.SettlementInProgress
	s.Attempts++
	s.LockedBy = &w.id
	s.LockedAt = &now
	s.NextAttemptAt = nil
	return true, nil
}

func (w *Worker) nextAttemptAt(attempts int) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backoff.NextAttemptAt(store.Now(), attempts, w.rng)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
