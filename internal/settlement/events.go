package settlement

import (
	"time"

	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
)

func attemptEvent(eventType string, attempt *store.PaymentAttempt, now time.Time) webhook.Event {
	return webhook.Event{
		Type:         eventType,
		ResourceType: webhook.ResourcePaymentAttempt,
		ResourceID:   attempt.ID,
		SellerID:     attempt.SellerID,
		OccurredAt:   now,
		Payload: webhook.AttemptPayload{
			AttemptID:     attempt.ID,
			SellerID:      attempt.SellerID,
			EndpointID:    attempt.EndpointID,
			Status:        attempt.Status,
			Amount:        attempt.Amount,
			Asset:         attempt.Asset,
			Network:       attempt.Network,
			TxHash:        attempt.TxHash,
			Payer:         attempt.Payer,
			FailureReason: attempt.FailureReason,
		},
	}
}

func settlementEvent(eventType string, s *store.Settlement, attempt *store.PaymentAttempt, reason string, now time.Time) webhook.Event {
	return webhook.Event{
		Type:         eventType,
		ResourceType: webhook.ResourceSettlement,
		ResourceID:   s.ID,
		SellerID:     attempt.SellerID,
		OccurredAt:   now,
		Payload: webhook.SettlementPayload{
			SettlementID: s.ID,
			AttemptID:    attempt.ID,
			Status:       s.Status,
			Attempts:     s.Attempts,
			TxHash:       s.TxHash,
			Network:      attempt.Network,
			Reason:       reason,
		},
	}
}
