package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/x402-foundation/x402-commerce/internal/logging"
	"github.com/x402-foundation/x402-commerce/internal/store"
)

// Emitter records events and fans them out into deliveries. It writes in
// the caller's transaction under a savepoint: the event commits with the
// state change that produced it, and a failure to record it is logged
// without aborting that change.
type Emitter struct {
	logger logrus.FieldLogger
}

// NewEmitter creates an Emitter
func NewEmitter(logger logrus.FieldLogger) *Emitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Emitter{logger: logger.WithField("component", "webhook_emitter")}
}

// Emit records ev and one pending delivery per matching active subscription.
// Emitting the same (type, resource) twice is a no-op. Returns the number of
// deliveries created.
func (e *Emitter) Emit(tx *gorm.DB, ev Event) int {
	if e == nil {
		return 0
	}

	created := 0
	err := tx.Transaction(func(sp *gorm.DB) error {
		n, err := e.emit(sp, ev)
		created = n
		return err
	})
	if err != nil {
		logging.LogError(e.logger, "webhook", "Emit", err, logrus.Fields{
			"event_type":  ev.Type,
			"resource_id": ev.ResourceID,
		})
		return 0
	}
	return created
}

func (e *Emitter) emit(tx *gorm.DB, ev Event) (int, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s payload: %w", ev.Type, err)
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = store.Now()
	}

	record := &store.WebhookEvent{
		EventType:    ev.Type,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		SellerID:     ev.SellerID,
		Payload:      datatypes.JSON(payload),
		OccurredAt:   occurredAt.UTC(),
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to record %s event: %w", ev.Type, result.Error)
	}
	if result.RowsAffected == 0 {
		// already emitted by an earlier pass over the same resource
		return 0, nil
	}

	var subs []store.WebhookSubscription
	if err := tx.Where("seller_id = ? AND active = ?", ev.SellerID, true).Find(&subs).Error; err != nil {
		return 0, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	now := store.Now()
	created := 0
	for i := range subs {
		if !Subscribes(&subs[i], ev.Type) {
			continue
		}
		delivery := &store.WebhookDelivery{
			EventID:        record.ID,
			SubscriptionID: subs[i].ID,
			Status:         store.DeliveryPending,
			NextAttemptAt:  now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(delivery)
		if res.Error != nil {
			return 0, fmt.Errorf("failed to create delivery: %w", res.Error)
		}
		created += int(res.RowsAffected)
	}

	e.logger.WithFields(logrus.Fields{
		"event_type":  ev.Type,
		"resource_id": ev.ResourceID,
		"deliveries":  created,
	}).Debug("event emitted")
	return created, nil
}

// Subscribes reports whether sub wants eventType. An empty list means every event.
func Subscribes(sub *store.WebhookSubscription, eventType string) bool {
	if len(sub.EventTypes) == 0 {
		return true
	}
	var types []string
	if err := json.Unmarshal(sub.EventTypes, &types); err != nil {
		return false
	}
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}
