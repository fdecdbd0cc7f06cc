package webhook

import (
	"encoding/json"
	"time"
)

// Event types
const (
	EventPaymentCompleted    = "payment.completed"
	EventPaymentFailed       = "payment.failed"
	EventPaymentExpired      = "payment.expired"
	EventSettlementConfirmed = "settlement.confirmed"
	EventSettlementFailed    = "settlement.failed"
)

// Resource types
const (
	ResourcePaymentAttempt = "payment_attempt"
	ResourceSettlement     = "settlement"
)

// EventTypes lists every event a subscription may ask for
var EventTypes = []string{
	EventPaymentCompleted,
	EventPaymentFailed,
	EventPaymentExpired,
	EventSettlementConfirmed,
	EventSettlementFailed,
}

// IsKnownEventType reports whether t is one of EventTypes
func IsKnownEventType(t string) bool {
	for _, known := range EventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Event is emitted at most once per (Type, ResourceType, ResourceID)
type Event struct {
	Type         string
	ResourceType string
	ResourceID   string
	SellerID     string
	Payload      interface{}
	OccurredAt   time.Time
}

// Envelope is the JSON body POSTed to subscribers
type Envelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    int64           `json:"timestamp"`
}

// AttemptPayload is the payload of payment.* events
type AttemptPayload struct {
	AttemptID     string `json:"attempt_id"`
	SellerID      string `json:"seller_id"`
	EndpointID    string `json:"endpoint_id,omitempty"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	Network       string `json:"network"`
	TxHash        string `json:"tx_hash,omitempty"`
	Payer         string `json:"payer,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// SettlementPayload is the payload of settlement.* events
type SettlementPayload struct {
	SettlementID string `json:"settlement_id"`
	AttemptID    string `json:"attempt_id"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	TxHash       string `json:"tx_hash,omitempty"`
	Network      string `json:"network,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
