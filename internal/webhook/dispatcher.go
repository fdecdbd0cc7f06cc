package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/x402-foundation/x402-commerce/internal/config"
	"github.com/x402-foundation/x402-commerce/internal/logging"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/worker"
)

// maxErrorBody bounds how much of a failed response is kept in last_error
const maxErrorBody = 512

// Dispatcher delivers pending webhook deliveries. Several dispatchers may
// run against the same database; claims are exclusive.
type Dispatcher struct {
	db       *gorm.DB
	client   *http.Client
	cfg      config.WebhookConfig
	backoff  worker.Backoff
	id       string
	logger   logrus.FieldLogger
	counters *worker.Counters

	mu  sync.Mutex
	rng *rand.Rand
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the client used for deliveries
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = client }
}

// WithDispatcherID sets the lock owner id. Default: a random uuid.
func WithDispatcherID(id string) DispatcherOption {
	return func(d *Dispatcher) { d.id = id }
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(db *gorm.DB, cfg config.WebhookConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Minute
	}

	d := &Dispatcher{
		db:       db,
		cfg:      cfg,
		backoff:  worker.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		counters: &worker.Counters{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.id == "" {
		d.id = "webhook-" + uuid.NewString()
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.logger == nil {
		d.logger = logrus.StandardLogger()
	}
	d.logger = d.logger.WithFields(logrus.Fields{
		"component": "webhook_dispatcher",
		"worker_id": d.id,
	})
	return d
}

// ID returns the lock owner id
func (d *Dispatcher) ID() string { return d.id }

// Counters exposes the dispatcher's outcome counters
func (d *Dispatcher) Counters() *worker.Counters { return d.counters }

// Run dispatches until ctx is canceled
func (d *Dispatcher) Run(ctx context.Context) {
	worker.Run(ctx, worker.Config{
		Name:      "webhook-dispatcher",
		Interval:  d.cfg.PollInterval,
		Burst:     5,
		IdleDelay: d.cfg.PollInterval,
	}, d.DispatchOnce, d.counters, d.logger)
}

// DispatchOnce claims one batch of due deliveries and attempts each.
// Returns worker.ErrNoWork when nothing was due.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	claimed, err := d.claim(ctx)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return worker.ErrNoWork
	}

	for i := range claimed {
		d.deliver(ctx, &claimed[i])
	}
	return nil
}

// claim selects due deliveries, reclaiming ones whose lock went stale, and
// marks them delivering under this dispatcher's id
func (d *Dispatcher) claim(ctx context.Context) ([]store.WebhookDelivery, error) {
	now := store.Now()
	staleBefore := now.Add(-d.cfg.LockTimeout)

	var claimed []store.WebhookDelivery
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []store.WebhookDelivery
		err := tx.
			Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND locked_at <= ?)",
				store.DeliveryPending, now, store.DeliveryDelivering, staleBefore).
			Order("next_attempt_at ASC").
			Limit(d.cfg.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&due).Error
		if err != nil {
			return err
		}

		for i := range due {
			row := due[i]
			if row.Status == store.DeliveryDelivering {
				d.logger.WithField("delivery_id", row.ID).Warn("reclaiming stale delivery")
			}

			// A stale row that already used every attempt goes terminal
			if row.Attempts >= d.cfg.MaxAttempts {
				if err := tx.Model(&store.WebhookDelivery{}).
					Where("id = ? AND status = ?", row.ID, row.Status).
					Updates(map[string]interface{}{
						"status":     store.DeliveryFailed,
						"locked_by":  nil,
						"locked_at":  nil,
						"last_error": fmt.Sprintf("max delivery attempts exceeded (%d)", d.cfg.MaxAttempts),
					}).Error; err != nil {
					return err
				}
				d.counters.IncFailed()
				continue
			}

			res := tx.Model(&store.WebhookDelivery{}).
				Where("id = ? AND status = ? AND attempts = ?", row.ID, row.Status, row.Attempts).
				Updates(map[string]interface{}{
					"status":    store.DeliveryDelivering,
					"locked_by": d.id,
					"locked_at": now,
					"attempts":  gorm.Expr("attempts + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				d.counters.IncSkipped()
				continue
			}
			row.Status = store.DeliveryDelivering
			row.Attempts++
			row.LockedBy = &d.id
			row.LockedAt = &now
			claimed = append(claimed, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	return claimed, nil
}

func (d *Dispatcher) deliver(ctx context.Context, delivery *store.WebhookDelivery) {
	d.counters.IncProcessed()
	log := d.logger.WithFields(logrus.Fields{
		"delivery_id": delivery.ID,
		"attempt":     delivery.Attempts,
	})

	var event store.WebhookEvent
	if err := d.db.WithContext(ctx).Take(&event, "id = ?", delivery.EventID).Error; err != nil {
		d.fail(ctx, delivery, 0, fmt.Errorf("failed to load event: %w", err))
		return
	}
	var sub store.WebhookSubscription
	if err := d.db.WithContext(ctx).Take(&sub, "id = ?", delivery.SubscriptionID).Error; err != nil || !sub.Active {
		d.finish(ctx, delivery, store.DeliveryFailed, 0, "subscription inactive", nil)
		d.counters.IncFailed()
		return
	}

	body, err := json.Marshal(Envelope{
		ID:           event.ID,
		EventType:    event.EventType,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Payload:      json.RawMessage(event.Payload),
		Timestamp:    event.OccurredAt.Unix(),
	})
	if err != nil {
		d.fail(ctx, delivery, 0, fmt.Errorf("failed to marshal envelope: %w", err))
		return
	}

	status, err := d.post(ctx, sub.URL, sub.Secret, event.ID, body)
	if err != nil {
		log.WithError(err).WithField("status_code", status).Warn("webhook delivery failed")
		d.fail(ctx, delivery, status, err)
		return
	}

	now := store.Now()
	d.finish(ctx, delivery, store.DeliverySucceeded, status, "", &now)
	d.counters.IncSucceeded()
	log.WithField("status_code", status).Info("webhook delivered")
}

func (d *Dispatcher) post(ctx context.Context, url, secret, eventID string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, store.Now(), body))
	req.Header.Set(EventIDHeader, eventID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d: %s", resp.StatusCode, string(snippet))
	}
	return resp.StatusCode, nil
}

// fail schedules a retry, or marks the delivery failed once attempts are used up
func (d *Dispatcher) fail(ctx context.Context, delivery *store.WebhookDelivery, statusCode int, cause error) {
	if delivery.Attempts >= d.cfg.MaxAttempts {
		d.finish(ctx, delivery, store.DeliveryFailed, statusCode, cause.Error(), nil)
		d.counters.IncFailed()
		return
	}

	d.mu.Lock()
	next := d.backoff.NextAttemptAt(store.Now(), delivery.Attempts, d.rng)
	d.mu.Unlock()

	res := d.db.WithContext(ctx).Model(&store.WebhookDelivery{}).
		Where("id = ? AND status = ? AND locked_by = ?", delivery.ID, store.DeliveryDelivering, d.id).
		Updates(map[string]interface{}{
			"status":           store.DeliveryPending,
			"next_attempt_at":  next,
			"locked_by":        nil,
			"locked_at":        nil,
			"last_error":       cause.Error(),
			"last_status_code": statusCode,
		})
	if res.Error != nil {
		logging.LogError(d.logger, "webhook", "fail", res.Error, logrus.Fields{"delivery_id": delivery.ID})
		return
	}
	d.counters.IncRetried()
}

func (d *Dispatcher) finish(ctx context.Context, delivery *store.WebhookDelivery, status string, statusCode int, lastError string, deliveredAt *time.Time) {
	res := d.db.WithContext(ctx).Model(&store.WebhookDelivery{}).
		Where("id = ? AND status = ? AND locked_by = ?", delivery.ID, store.DeliveryDelivering, d.id).
		Updates(map[string]interface{}{
			"status":           status,
			"locked_by":        nil,
			"locked_at":        nil,
			"last_error":       lastError,
			"last_status_code": statusCode,
			"delivered_at":     deliveredAt,
		})
	if res.Error != nil {
		logging.LogError(d.logger, "webhook", "finish", res.Error, logrus.Fields{"delivery_id": delivery.ID})
		return
	}
	if res.RowsAffected == 0 {
		d.logger.WithField("delivery_id", delivery.ID).Warn("delivery lock lost before completion")
	}
}
