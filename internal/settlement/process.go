package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	x402 "github.com/x402-foundation/x402-commerce"
	"github.com/x402-foundation/x402-commerce/internal/logging"
	"github.com/x402-foundation/x402-commerce/internal/reservation"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
)

// Outcomes of processing one claimed settlement
const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
)

// ReasonAttemptClosed closes a settlement whose attempt reached a terminal
// state through another path
const ReasonAttemptClosed = "attempt_closed"

// facilitatorResult carries what the facilitator reported across retries
type facilitatorResult struct {
	Verify *x402.VerifyResponse `json:"verify,omitempty"`
	Settle *x402.SettleResponse `json:"settle,omitempty"`
	Error  string               `json:"error,omitempty"`

	txHash string
	payer  string
}

func (r *facilitatorResult) snapshot() datatypes.JSON {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func (w *Worker) process(ctx context.Context, s *store.Settlement) (string, error) {
	ctx, span := w.tracer.Start(ctx, "settlement.process", trace.WithAttributes(
		attribute.String("settlement.id", s.ID),
		attribute.String("attempt.id", s.PaymentAttemptID),
		attribute.Int("settlement.attempts", s.Attempts),
	))
	defer span.End()

	w.counters.IncProcessed()
	log := w.logger.WithFields(logrus.Fields{
		"settlement_id": s.ID,
		"attempt_id":    s.PaymentAttemptID,
		"attempt":       s.Attempts,
	})

	outcome, err := w.drive(ctx, s, log)
	span.SetAttributes(attribute.String("settlement.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.LogError(log, "settlement", "process", err, nil)
		return outcome, err
	}

	switch outcome {
	case OutcomeConfirmed:
		w.counters.IncSucceeded()
	case OutcomeFailed:
		w.counters.IncFailed()
		span.SetStatus(codes.Error, "settlement failed")
	case OutcomeRetry:
		w.counters.IncRetried()
	}
	return outcome, nil
}

func (w *Worker) drive(ctx context.Context, s *store.Settlement, log logrus.FieldLogger) (string, error) {
	var attempt store.PaymentAttempt
	if err := w.db.WithContext(ctx).Take(&attempt, "id = ?", s.PaymentAttemptID).Error; err != nil {
		// Left in_progress; reclaimed once the lock goes stale
		return "", fmt.Errorf("failed to load attempt %s: %w", s.PaymentAttemptID, err)
	}

	result := &facilitatorResult{}
	if len(s.FacilitatorResponse) > 0 {
		// Keep what an earlier pass recorded; unreadable history is not fatal
		_ = json.Unmarshal(s.FacilitatorResponse, result)
	}
	result.txHash, result.payer = s.TxHash, s.Payer
	if attempt.IsTerminal() {
		log.WithField("attempt_status", attempt.Status).Warn("attempt already terminal, closing settlement")
		return w.reject(ctx, s, &attempt, ReasonAttemptClosed, "attempt is "+attempt.Status, result)
	}

	var payload x402.PaymentPayload
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(s.PaymentPayload, &payload); err != nil {
		return w.reject(ctx, s, &attempt, x402.ErrCodeInvalidPayment, "stored payload is unreadable", result)
	}
	if err := json.Unmarshal(s.Requirements, &requirements); err != nil {
		return w.reject(ctx, s, &attempt, x402.ErrCodeInvalidPayment, "stored requirements are unreadable", result)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("network", string(requirements.Network)))

	// A reclaimed row can arrive here past the ceiling
	if s.Attempts > w.cfg.MaxAttempts {
		return w.reject(ctx, s, &attempt, x402.ErrCodeRetriesExhausted,
			fmt.Sprintf("exceeded %d attempts", w.cfg.MaxAttempts), result)
	}

	// A tx hash from an earlier pass means the facilitator already settled;
	// settling again would spend the same authorization twice
	if result.txHash == "" {
		if err := x402.MatchRequirements(payload, requirements); err != nil {
			return w.handleError(ctx, s, &attempt, err, result)
		}

		var verify *x402.VerifyResponse
		err := w.call(ctx, "facilitator.verify", func(ctx context.Context) error {
			var err error
			verify, err = w.facilitator.Verify(ctx, payload, requirements)
			return err
		})
		if err != nil {
			return w.handleError(ctx, s, &attempt, err, result)
		}
		result.Verify = verify
		if !verify.IsValid {
			reason := verify.InvalidReason
			if reason == "" {
				reason = x402.ErrCodeInvalidPayment
			}
			return w.reject(ctx, s, &attempt, reason, verify.InvalidMessage, result)
		}

		var settle *x402.SettleResponse
		err = w.call(ctx, "facilitator.settle", func(ctx context.Context) error {
			var err error
			settle, err = w.facilitator.Settle(ctx, payload, requirements)
			return err
		})
		if err != nil {
			return w.handleError(ctx, s, &attempt, err, result)
		}
		result.Settle = settle
		if !settle.Success {
			reason := settle.ErrorReason
			if reason == "" {
				reason = x402.ErrCodeSettlementFailed
			}
			return w.reject(ctx, s, &attempt, reason, "facilitator reported failure", result)
		}

		result.txHash = settle.TxID()
		result.payer = settle.Payer
		if result.payer == "" {
			result.payer = verify.Payer
		}
		log.WithField("tx_hash", result.txHash).Info("facilitator settled payment")

		if err := w.recordSettled(ctx, s, result); err != nil {
			if IsLockLost(err) {
				return "", err
			}
			// Confirm below may still land; if it does not the row is reclaimed
			// without a tx hash
			logging.LogError(log, "settlement", "recordSettled", err, logrus.Fields{"tx_hash": result.txHash})
		}
	}

	if err := w.corroborate(ctx, requirements, result.txHash, log); err != nil {
		return w.handleError(ctx, s, &attempt, err, result)
	}
	return w.confirm(ctx, s, &attempt, result)
}

// recordSettled stores the facilitator's tx hash on the claimed row before
// anything else can fail, so a reclaiming worker skips straight to confirm
func (w *Worker) recordSettled(ctx context.Context, s *store.Settlement, result *facilitatorResult) error {
	res := w.db.WithContext(context.WithoutCancel(ctx)).Model(&store.Settlement{}).
		Where("id = ? AND status = ? AND locked_by = ?", s.ID, store.SettlementInProgress, w.id).
		Updates(map[string]interface{}{
			"tx_hash":              result.txHash,
			"payer":                result.payer,
			"facilitator_response": result.snapshot(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record settled tx for %s: %w", s.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: %s", errLockLost, s.ID)
	}
	s.TxHash = result.txHash
	s.Payer = result.payer
	return nil
}

// call runs fn under the call timeout in its own span
func (w *Worker) call(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := w.tracer.Start(ctx, name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// corroborate checks the settled transfer on chain when configured to.
// Without a verifier for the network the facilitator's word is taken.
func (w *Worker) corroborate(ctx context.Context, requirements x402.PaymentRequirements, txHash string, log logrus.FieldLogger) error {
	if !w.cfg.RequireOnchainConfirmation {
		return nil
	}
	verifier, ok := w.verifiers.Lookup(requirements.Network)
	if !ok {
		log.WithField("network", requirements.Network).Warn("no on-chain verifier for network, trusting facilitator")
		return nil
	}
	if txHash == "" {
		return x402.NewPaymentError(x402.ErrCodeOnchainMismatch, "facilitator reported success without a transaction", nil)
	}
	minAmount, err := x402.ParseAtomicAmount(requirements.MaxAmountRequired)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeInvalidPayment, err.Error(), nil)
	}

	return w.call(ctx, "onchain.verify", func(ctx context.Context) error {
		return verifier.VerifyTransfer(ctx, x402.TransferExpectation{
			Network:   requirements.Network,
			TxHash:    txHash,
			Asset:     requirements.Asset,
			PayTo:     requirements.PayTo,
			MinAmount: minAmount,
		})
	})
}

// handleError turns rejections into a terminal failure and everything else
// into a retry, until the attempt ceiling is reached
func (w *Worker) handleError(ctx context.Context, s *store.Settlement, attempt *store.PaymentAttempt, err error, result *facilitatorResult) (string, error) {
	if reason, ok := x402.RejectionReason(err); ok {
		return w.reject(ctx, s, attempt, reason, err.Error(), result)
	}
	if !x402.IsRetryable(err) {
		w.logger.WithError(err).WithField("settlement_id", s.ID).Warn("unclassified settlement error, retrying")
	}
	if s.Attempts >= w.cfg.MaxAttempts {
		return w.reject(ctx, s, attempt, x402.ErrCodeRetriesExhausted, err.Error(), result)
	}
	return w.requeue(ctx, s, err, result)
}

func (w *Worker) requeue(ctx context.Context, s *store.Settlement, cause error, result *facilitatorResult) (string, error) {
	result.Error = cause.Error()
	next := w.nextAttemptAt(s.Attempts)

	// Shutdown must not strand the row in_progress until the lock goes stale
	res := w.db.WithContext(context.WithoutCancel(ctx)).Model(&store.Settlement{}).
		Where("id = ? AND status = ? AND locked_by = ?", s.ID, store.SettlementInProgress, w.id).
		Updates(map[string]interface{}{
			"status":               store.SettlementQueued,
			"locked_by":            nil,
			"locked_at":            nil,
			"next_attempt_at":      next,
			"last_error":           cause.Error(),
			"tx_hash":              result.txHash,
			"payer":                result.payer,
			"facilitator_response": result.snapshot(),
		})
	if res.Error != nil {
		return "", fmt.Errorf("failed to requeue settlement %s: %w", s.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return "", fmt.Errorf("%w: %s", errLockLost, s.ID)
	}

	w.logger.WithFields(logrus.Fields{
		"settlement_id":   s.ID,
		"attempt":         s.Attempts,
		"next_attempt_at": next,
	}).WithError(cause).Warn("settlement requeued")
	return OutcomeRetry, nil
}

// confirm applies a successful settlement: reservations become sales, the
// settlement and attempt close, and success events are recorded
func (w *Worker) confirm(ctx context.Context, s *store.Settlement, attempt *store.PaymentAttempt, result *facilitatorResult) (string, error) {
	now := store.Now()
	// Money has moved; finish even if shutdown was requested
	err := w.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(attempt, "id = ?", attempt.ID).Error; err != nil {
			return fmt.Errorf("failed to lock attempt: %w", err)
		}

		confirmed, err := w.reservations.ConfirmAll(tx, attempt.ID, reservation.SaleContext{
			SellerID: attempt.SellerID,
			TxHash:   result.txHash,
		})
		if err != nil {
			return err
		}

		if err := w.closeSettlement(tx, s, store.SettlementConfirmed, "", result, now); err != nil {
			return err
		}

		res := tx.Model(&store.PaymentAttempt{}).
			Where("id = ? AND status = ?", attempt.ID, store.AttemptPending).
			Updates(map[string]interface{}{
				"status":       store.AttemptSettled,
				"tx_hash":      result.txHash,
				"payer":        result.payer,
				"completed_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to settle attempt: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			attempt.Status = store.AttemptSettled
			attempt.TxHash = result.txHash
			attempt.Payer = result.payer
			w.emitter.Emit(tx, attemptEvent(webhook.EventPaymentCompleted, attempt, now))
		} else {
			w.logger.WithFields(logrus.Fields{
				"attempt_id": attempt.ID,
				"status":     attempt.Status,
				"tx_hash":    result.txHash,
			}).Error("payment settled for an attempt that is no longer pending")
		}
		w.emitter.Emit(tx, settlementEvent(webhook.EventSettlementConfirmed, s, attempt, "", now))

		w.logger.WithFields(logrus.Fields{
			"settlement_id": s.ID,
			"attempt_id":    attempt.ID,
			"confirmed":     confirmed,
			"tx_hash":       result.txHash,
		}).Info("settlement confirmed")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to confirm settlement %s: %w", s.ID, err)
	}
	return OutcomeConfirmed, nil
}

// reject applies a terminal failure: reservations are released and the
// settlement and attempt close with reason
func (w *Worker) reject(ctx context.Context, s *store.Settlement, attempt *store.PaymentAttempt, reason, detail string, result *facilitatorResult) (string, error) {
	now := store.Now()
	lastError := reason
	if detail != "" {
		lastError = reason + ": " + detail
	}
	result.Error = lastError

	err := w.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(attempt, "id = ?", attempt.ID).Error; err != nil {
			return fmt.Errorf("failed to lock attempt: %w", err)
		}

		if err := w.closeSettlement(tx, s, store.SettlementFailed, lastError, result, now); err != nil {
			return err
		}
		// A closed attempt keeps its reservations as they are
		if reason == ReasonAttemptClosed {
			return nil
		}

		released, err := w.reservations.ReleaseAll(tx, attempt.ID)
		if err != nil {
			return err
		}

		res := tx.Model(&store.PaymentAttempt{}).
			Where("id = ? AND status = ?", attempt.ID, store.AttemptPending).
			Updates(map[string]interface{}{
				"status":         store.AttemptFailed,
				"failure_reason": reason,
				"payer":          result.payer,
				"completed_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to fail attempt: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			attempt.Status = store.AttemptFailed
			attempt.FailureReason = reason
			w.emitter.Emit(tx, attemptEvent(webhook.EventPaymentFailed, attempt, now))
		}
		w.emitter.Emit(tx, settlementEvent(webhook.EventSettlementFailed, s, attempt, reason, now))

		w.logger.WithFields(logrus.Fields{
			"settlement_id": s.ID,
			"attempt_id":    attempt.ID,
			"released":      released,
			"reason":        reason,
		}).Warn("settlement failed")
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to reject settlement %s: %w", s.ID, err)
	}
	return OutcomeFailed, nil
}

// closeSettlement moves the claimed row to a terminal status, only while
// this worker still holds its lock
func (w *Worker) closeSettlement(tx *gorm.DB, s *store.Settlement, status, lastError string, result *facilitatorResult, now time.Time) error {
	res := tx.Model(&store.Settlement{}).
		Where("id = ? AND status = ? AND locked_by = ?", s.ID, store.SettlementInProgress, w.id).
		Updates(map[string]interface{}{
			"status":               status,
			"locked_by":            nil,
			"locked_at":            nil,
			"last_error":           lastError,
			"tx_hash":              result.txHash,
			"payer":                result.payer,
			"facilitator_response": result.snapshot(),
			"completed_at":         now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to close settlement: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return errLockLost
	}
	s.Status = status
	s.TxHash = result.txHash
	s.Payer = result.payer
	s.LastError = lastError
	return nil
}

// IsLockLost reports whether err means another worker reclaimed the row mid-flight
func IsLockLost(err error) bool {
	return errors.Is(err, errLockLost)
}
