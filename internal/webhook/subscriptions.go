package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/x402-foundation/x402-commerce/internal/store"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrInvalidURL           = errors.New("webhook url must be an absolute http or https url")
	ErrUnknownEventType     = errors.New("unknown event type")
)

// secretPrefix marks generated signing secrets
const secretPrefix = "whsec_"

// SubscriptionInput describes a new subscription
type SubscriptionInput struct {
	SellerID   string
	URL        string
	EventTypes []string
	// Secret is generated when empty
	Secret string
}

// Subscriptions manages seller webhook endpoints
type Subscriptions struct {
	db *gorm.DB
}

// NewSubscriptions creates a Subscriptions service
func NewSubscriptions(db *gorm.DB) *Subscriptions {
	return &Subscriptions{db: db}
}

// Create validates and stores a subscription. The returned row carries the
// signing secret; it is not exposed again by List.
func (s *Subscriptions) Create(ctx context.Context, in SubscriptionInput) (*store.WebhookSubscription, error) {
	if in.SellerID == "" {
		return nil, errors.New("seller_id is required")
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	for _, t := range in.EventTypes {
		if !IsKnownEventType(t) && t != "*" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
		}
	}

	secret := in.Secret
	if secret == "" {
		if secret, err = GenerateSecret(); err != nil {
			return nil, err
		}
	}

	eventTypes := in.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}
	raw, err := json.Marshal(eventTypes)
	if err != nil {
		return nil, err
	}

	sub := &store.WebhookSubscription{
		SellerID:   in.SellerID,
		URL:        u.String(),
		Secret:     secret,
		EventTypes: datatypes.JSON(raw),
		Active:     true,
	}
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// List returns the seller's active subscriptions
func (s *Subscriptions) List(ctx context.Context, sellerID string) ([]store.WebhookSubscription, error) {
	var subs []store.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("seller_id = ? AND active = ?", sellerID, true).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Deactivate stops new deliveries to a subscription. Pending deliveries
// are failed by the dispatcher when it next picks them up.
func (s *Subscriptions) Deactivate(ctx context.Context, sellerID, id string) error {
	res := s.db.WithContext(ctx).Model(&store.WebhookSubscription{}).
		Where("id = ? AND seller_id = ? AND active = ?", id, sellerID, true).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// GenerateSecret returns a random signing secret
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}
