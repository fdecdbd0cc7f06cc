package reservation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	x402 "github.com/x402-foundation/x402-commerce"
	"github.com/x402-foundation/x402-commerce/internal/config"
	"github.com/x402-foundation/x402-commerce/internal/logging"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
	"github.com/x402-foundation/x402-commerce/internal/worker"
)

// noOpenSettlement filters rows whose attempt has no queued or in-progress settlement
const noOpenSettlement = `NOT EXISTS (
	SELECT 1 FROM settlements s
	WHERE s.payment_attempt_id = %s AND s.status IN ('queued', 'in_progress'))`

// ReapResult counts what one sweep changed
type ReapResult struct {
	Released int
	Failed   int
	Expired  int
}

// Reaper releases reservations whose hold window has elapsed and expires
// the attempts left with nothing held. Any number of reapers may run at
// once; rows locked by another reaper are skipped.
type Reaper struct {
	db       *gorm.DB
	manager  *Manager
	emitter  *webhook.Emitter
	cfg      config.ReaperConfig
	logger   logrus.FieldLogger
	counters *worker.Counters
}

// NewReaper creates a Reaper. emitter may be nil.
func NewReaper(db *gorm.DB, manager *Manager, emitter *webhook.Emitter, cfg config.ReaperConfig, logger logrus.FieldLogger) *Reaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reaper{
		db:       db,
		manager:  manager,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger.WithField("component", "reaper"),
		counters: &worker.Counters{},
	}
}

// Counters exposes the reaper's outcome counters
func (r *Reaper) Counters() *worker.Counters { return r.counters }

// Run sweeps on the configured interval until ctx is canceled
func (r *Reaper) Run(ctx context.Context) {
	worker.Run(ctx, worker.Config{
		Name:     "reaper",
		Interval: r.cfg.Interval,
		Burst:    10,
	}, r.process, r.counters, r.logger)
}

func (r *Reaper) process(ctx context.Context) error {
	result, err := r.RunOnce(ctx)
	if err != nil {
		return err
	}
	if result.Released == 0 && result.Expired == 0 && result.Failed == 0 {
		return worker.ErrNoWork
	}
	return nil
}

// RunOnce performs one sweep: release up to BatchSize expired reservations,
// then expire up to BatchSize pending attempts that hold nothing.
func (r *Reaper) RunOnce(ctx context.Context) (ReapResult, error) {
	var result ReapResult

	released, failed, err := r.releaseExpired(ctx)
	result.Released, result.Failed = released, failed
	if err != nil {
		return result, err
	}

	expired, err := r.expireAttempts(ctx)
	result.Expired = expired
	if err != nil {
		return result, err
	}

	if result.Released > 0 || result.Expired > 0 || result.Failed > 0 {
		r.logger.WithFields(logrus.Fields{
			"released": result.Released,
			"expired":  result.Expired,
			"failed":   result.Failed,
		}).Info("reaper sweep")
	}
	return result, nil
}

func (r *Reaper) releaseExpired(ctx context.Context) (int, int, error) {
	now := store.Now()
	released, failed := 0, 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []store.Reservation
		err := tx.
			Where("status = ? AND expires_at <= ?", store.ReservationReserved, now).
			Where(fmt.Sprintf(noOpenSettlement, "reservations.payment_attempt_id")).
			Order("expires_at ASC").
			Limit(r.cfg.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil {
			return fmt.Errorf("failed to select expired reservations: %w", err)
		}

		for i := range due {
			r.counters.IncProcessed()
			var ok bool
			// Savepoint per row so one failure does not abort the batch
			err := tx.Transaction(func(sp *gorm.DB) error {
				var err error
				ok, err = r.manager.Release(sp, due[i].ID)
				return err
			})
			if err != nil {
				failed++
				r.counters.IncFailed()
				logging.LogError(r.logger, "reservation", "releaseExpired", err, logrus.Fields{
					"reservation_id": due[i].ID,
					"attempt_id":     due[i].PaymentAttemptID,
				})
				continue
			}
			if ok {
				released++
				r.counters.IncSucceeded()
			} else {
				r.counters.IncSkipped()
			}
		}
		return nil
	})
	return released, failed, err
}

func (r *Reaper) expireAttempts(ctx context.Context) (int, error) {
	now := store.Now()
	expired := 0

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []store.PaymentAttempt
		err := tx.
			Where("status = ? AND expires_at <= ?", store.AttemptPending, now).
			Where(`NOT EXISTS (
				SELECT 1 FROM reservations rv
				WHERE rv.payment_attempt_id = payment_attempts.id AND rv.status = ?)`, store.ReservationReserved).
			Where(fmt.Sprintf(noOpenSettlement, "payment_attempts.id")).
			Order("expires_at ASC").
			Limit(r.cfg.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil {
			return fmt.Errorf("failed to select expired attempts: %w", err)
		}

		for i := range due {
			attempt := due[i]
			res := tx.Model(&store.PaymentAttempt{}).
				Where("id = ? AND status = ?", attempt.ID, store.AttemptPending).
				Updates(map[string]interface{}{
					"status":         store.AttemptExpired,
					"failure_reason": x402.ErrCodePaymentExpired,
					"completed_at":   now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to expire attempt %s: %w", attempt.ID, res.Error)
			}
			if res.RowsAffected != 1 {
				continue
			}
			expired++

			r.emitter.Emit(tx, webhook.Event{
				Type:         webhook.EventPaymentExpired,
				ResourceType: webhook.ResourcePaymentAttempt,
				ResourceID:   attempt.ID,
				SellerID:     attempt.SellerID,
				OccurredAt:   now,
				Payload: webhook.AttemptPayload{
					AttemptID:     attempt.ID,
					SellerID:      attempt.SellerID,
					EndpointID:    attempt.EndpointID,
					Status:        store.AttemptExpired,
					Amount:        attempt.Amount,
					Asset:         attempt.Asset,
					Network:       attempt.Network,
					FailureReason: x402.ErrCodePaymentExpired,
				},
			})
		}
		return nil
	})
	return expired, err
}
