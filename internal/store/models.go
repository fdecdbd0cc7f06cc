package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Payment attempt statuses
const (
	AttemptPending = "pending"
	AttemptSettled = "settled"
	AttemptFailed  = "failed"
	AttemptExpired = "expired"
)

// Reservation statuses
const (
	ReservationReserved  = "reserved"
	ReservationConfirmed = "confirmed"
	ReservationReleased  = "released"
)

// Settlement statuses
const (
	SettlementQueued     = "queued"
	SettlementInProgress = "in_progress"
	SettlementConfirmed  = "confirmed"
	SettlementFailed     = "failed"
)

// Webhook delivery statuses
const (
	DeliveryPending    = "pending"
	DeliveryDelivering = "delivering"
	DeliverySucceeded  = "succeeded"
	DeliveryFailed     = "failed"
)

// OpenSettlementStatuses are the statuses that block a new settlement for the same attempt
var OpenSettlementStatuses = []string{SettlementQueued, SettlementInProgress}

// PaymentAttempt is one purchase intent. Mutated only by settlement and
// expiry; immutable once terminal.
type PaymentAttempt struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	SellerID       string         `gorm:"type:varchar(128);not null;index" json:"seller_id"`
	EndpointID     string         `gorm:"type:varchar(128)" json:"endpoint_id,omitempty"`
	Resource       string         `gorm:"type:text" json:"resource,omitempty"`
	LineItems      datatypes.JSON `json:"line_items,omitempty"`
	Amount         string         `gorm:"type:varchar(78);not null" json:"amount"`
	Asset          string         `gorm:"type:varchar(128);not null" json:"asset"`
	Network        string         `gorm:"type:varchar(128);not null" json:"network"`
	Scheme         string         `gorm:"type:varchar(32);not null" json:"scheme"`
	PayTo          string         `gorm:"type:varchar(128);not null" json:"pay_to"`
	Requirements   datatypes.JSON `json:"requirements"`
	PaymentPayload datatypes.JSON `json:"-"`
	Status         string         `gorm:"type:varchar(16);not null;index" json:"status"`
	FailureReason  string         `gorm:"type:varchar(128)" json:"failure_reason,omitempty"`
	TxHash         string         `gorm:"type:varchar(128)" json:"tx_hash,omitempty"`
	Payer          string         `gorm:"type:varchar(128)" json:"payer,omitempty"`
	ExpiresAt      time.Time      `gorm:"not null;index" json:"expires_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the attempt reached a final state
func (a *PaymentAttempt) IsTerminal() bool {
	return a.Status != AttemptPending
}

// InventoryItem is a stocked product line
type InventoryItem struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	SellerID  string    `gorm:"type:varchar(128);not null;index" json:"seller_id"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	Stock     int       `gorm:"not null;check:chk_inventory_items_stock,stock >= 0" json:"stock"`
	UnitPrice string    `gorm:"type:varchar(78);not null" json:"unit_price"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reservation is a hold on one inventory item for one attempt
type Reservation struct {
	ID               string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	PaymentAttemptID string     `gorm:"type:varchar(36);not null;index" json:"payment_attempt_id"`
	ItemID           string     `gorm:"type:varchar(36);not null;index" json:"item_id"`
	Quantity         int        `gorm:"not null" json:"quantity"`
	Status           string     `gorm:"type:varchar(16);not null;index:idx_reservations_status_expires,priority:1" json:"status"`
	ExpiresAt        time.Time  `gorm:"not null;index:idx_reservations_status_expires,priority:2" json:"expires_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	PaymentAttempt *PaymentAttempt `gorm:"foreignKey:PaymentAttemptID" json:"-"`
	Item           *InventoryItem  `gorm:"foreignKey:ItemID" json:"-"`
}

// Sale is the permanent record of a confirmed reservation
type Sale struct {
	ID               string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReservationID    string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"reservation_id"`
	PaymentAttemptID string    `gorm:"type:varchar(36);not null;index" json:"payment_attempt_id"`
	ItemID           string    `gorm:"type:varchar(36);not null" json:"item_id"`
	SellerID         string    `gorm:"type:varchar(128);not null" json:"seller_id"`
	Quantity         int       `gorm:"not null" json:"quantity"`
	TxHash           string    `gorm:"type:varchar(128)" json:"tx_hash"`
	CreatedAt        time.Time `json:"created_at"`
}

// IdempotencyKey maps a caller key, scoped to a seller, to the attempt it created
type IdempotencyKey struct {
	ID               string    `gorm:"type:varchar(36);primaryKey"`
	Key              string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_idempotency_keys_key_seller,priority:1"`
	SellerID         string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_idempotency_keys_key_seller,priority:2"`
	RequestHash      string    `gorm:"type:varchar(64)"`
	PaymentAttemptID string    `gorm:"type:varchar(36);not null"`
	CreatedAt        time.Time
}

// Settlement is one attempt to settle a payment through a facilitator
type Settlement struct {
	ID                  string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	PaymentAttemptID    string         `gorm:"type:varchar(36);not null;index" json:"payment_attempt_id"`
	Status              string         `gorm:"type:varchar(16);not null;index" json:"status"`
	Attempts            int            `gorm:"not null;default:0" json:"attempts"`
	LockedBy            *string        `gorm:"type:varchar(64)" json:"locked_by,omitempty"`
	LockedAt            *time.Time     `json:"locked_at,omitempty"`
	NextAttemptAt       *time.Time     `gorm:"index" json:"next_attempt_at,omitempty"`
	LastError           string         `gorm:"type:text" json:"last_error,omitempty"`
	TxHash              string         `gorm:"type:varchar(128)" json:"tx_hash,omitempty"`
	Payer               string         `gorm:"type:varchar(128)" json:"payer,omitempty"`
	PaymentPayload      datatypes.JSON `json:"-"`
	Requirements        datatypes.JSON `json:"-"`
	FacilitatorResponse datatypes.JSON `json:"facilitator_response,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsOpen reports whether the settlement still blocks a new one for its attempt
func (s *Settlement) IsOpen() bool {
	return s.Status == SettlementQueued || s.Status == SettlementInProgress
}

// WebhookSubscription is a seller endpoint and the events it wants
type WebhookSubscription struct {
	ID         string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	SellerID   string         `gorm:"type:varchar(128);not null;index" json:"seller_id"`
	URL        string         `gorm:"type:text;not null" json:"url"`
	Secret     string         `gorm:"type:varchar(255);not null" json:"-"`
	EventTypes datatypes.JSON `json:"event_types"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// WebhookEvent is emitted once per (event type, resource)
type WebhookEvent struct {
	ID           string         `gorm:"type:varchar(36);primaryKey"`
	EventType    string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_webhook_events_resource,priority:1"`
	ResourceType string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_webhook_events_resource,priority:2"`
	ResourceID   string         `gorm:"type:varchar(36);not null;uniqueIndex:ux_webhook_events_resource,priority:3"`
	SellerID     string         `gorm:"type:varchar(128);not null;index"`
	Payload      datatypes.JSON `gorm:"not null"`
	OccurredAt   time.Time      `gorm:"not null"`
	CreatedAt    time.Time
}

// WebhookDelivery tracks delivery of one event to one subscription
type WebhookDelivery struct {
	ID             string     `gorm:"type:varchar(36);primaryKey"`
	EventID        string     `gorm:"type:varchar(36);not null;uniqueIndex:ux_webhook_deliveries_event_subscription,priority:1"`
	SubscriptionID string     `gorm:"type:varchar(36);not null;uniqueIndex:ux_webhook_deliveries_event_subscription,priority:2"`
	Status         string     `gorm:"type:varchar(16);not null;index:idx_webhook_deliveries_due,priority:1"`
	Attempts       int        `gorm:"not null;default:0"`
	NextAttemptAt  time.Time  `gorm:"not null;index:idx_webhook_deliveries_due,priority:2"`
	LockedBy       *string    `gorm:"type:varchar(64)"`
	LockedAt       *time.Time
	LastError      string `gorm:"type:text"`
	LastStatusCode int
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Event        *WebhookEvent        `gorm:"foreignKey:EventID"`
	Subscription *WebhookSubscription `gorm:"foreignKey:SubscriptionID"`
}

// AllModels lists every table in migration order
func AllModels() []interface{} {
	return []interface{}{
		&PaymentAttempt{},
		&InventoryItem{},
		&Reservation{},
		&Sale{},
		&IdempotencyKey{},
		&Settlement{},
		&WebhookSubscription{},
		&WebhookEvent{},
		&WebhookDelivery{},
	}
}

func assignID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (m *PaymentAttempt) BeforeCreate(*gorm.DB) error      { assignID(&m.ID); return nil }
func (m *InventoryItem) BeforeCreate(*gorm.DB) error       { assignID(&m.ID); return nil }
func (m *Reservation) BeforeCreate(*gorm.DB) error         { assignID(&m.ID); return nil }
func (m *Sale) BeforeCreate(*gorm.DB) error                { assignID(&m.ID); return nil }
func (m *IdempotencyKey) BeforeCreate(*gorm.DB) error      { assignID(&m.ID); return nil }
func (m *Settlement) BeforeCreate(*gorm.DB) error          { assignID(&m.ID); return nil }
func (m *WebhookSubscription) BeforeCreate(*gorm.DB) error { assignID(&m.ID); return nil }
func (m *WebhookEvent) BeforeCreate(*gorm.DB) error        { assignID(&m.ID); return nil }
func (m *WebhookDelivery) BeforeCreate(*gorm.DB) error     { assignID(&m.ID); return nil }
