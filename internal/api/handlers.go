package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	x402 "github.com/x402-foundation/x402-commerce"
	x402http "github.com/x402-foundation/x402-commerce/http"
	"github.com/x402-foundation/x402-commerce/internal/idempotency"
	"github.com/x402-foundation/x402-commerce/internal/reservation"
	"github.com/x402-foundation/x402-commerce/internal/session"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
)

type createSessionRequest struct {
	SellerID    string                 `json:"seller_id" binding:"required"`
	EndpointID  string                 `json:"endpoint_id"`
	Network     string                 `json:"network" binding:"required"`
	PayTo       string                 `json:"pay_to" binding:"required"`
	Asset       string                 `json:"asset"`
	Resource    string                 `json:"resource"`
	Description string                 `json:"description"`
	MimeType    string                 `json:"mime_type"`
	Price       string                 `json:"price"`
	Amount      string                 `json:"amount"`
	Items       []reservation.LineItem `json:"items"`
}

// sessionResponse doubles as a 402 challenge body: x402Version and accepts
// are what a paying client reads.
type sessionResponse struct {
	AttemptID    string                     `json:"attempt_id"`
	Status       string                     `json:"status"`
	Amount       string                     `json:"amount"`
	ExpiresAt    time.Time                  `json:"expires_at"`
	Created      bool                       `json:"created"`
	X402Version  int                        `json:"x402Version"`
	Accepts      []x402.PaymentRequirements `json:"accepts"`
	Reservations []store.Reservation        `json:"reservations"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		s.abortWithError(c, "handleCreateSession", badRequest("failed to read body: %v", err))
		return
	}
	var req createSessionRequest
	if err := binding.JSON.BindBody(raw, &req); err != nil {
		s.abortWithError(c, "handleCreateSession", wrapBind(err))
		return
	}

	sess, err := s.sessions.CreateSession(c.Request.Context(), session.CreateRequest{
		IdempotencyKey: c.GetHeader(headerIdempotencyKey),
		Fingerprint:    idempotency.DefaultFingerprint(raw),
		SellerID:       req.SellerID,
		EndpointID:     req.EndpointID,
		Network:        req.Network,
		PayTo:          req.PayTo,
		Asset:          req.Asset,
		Resource:       req.Resource,
		Description:    req.Description,
		MimeType:       req.MimeType,
		Price:          req.Price,
		Amount:         req.Amount,
		Items:          req.Items,
	})
	if err != nil {
		s.abortWithError(c, "handleCreateSession", err)
		return
	}

	status := http.StatusOK
	if sess.Created {
		status = http.StatusCreated
	}
	reservations := sess.Reservations
	if reservations == nil {
		reservations = []store.Reservation{}
	}
	c.JSON(status, sessionResponse{
		AttemptID:    sess.Attempt.ID,
		Status:       sess.Attempt.Status,
		Amount:       sess.Attempt.Amount,
		ExpiresAt:    sess.Attempt.ExpiresAt,
		Created:      sess.Created,
		X402Version:  x402.X402Version,
		Accepts:      []x402.PaymentRequirements{sess.Requirements},
		Reservations: reservations,
	})
}

type settleRequest struct {
	AttemptID           string          `json:"attempt_id"`
	SellerID            string          `json:"seller_id"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
}

type settlementResponse struct {
	AttemptID        string `json:"attempt_id"`
	AttemptStatus    string `json:"attempt_status"`
	SettlementID     string `json:"settlement_id,omitempty"`
	SettlementStatus string `json:"settlement_status,omitempty"`
	Deduplicated     bool   `json:"deduplicated"`
	TxHash           string `json:"tx_hash,omitempty"`
	Payer            string `json:"payer,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// handleTriggerSettlement accepts the payment either as JSON in the body or
// as an X-PAYMENT header. It answers 202 while the settlement is open, 200
// once the attempt settled and 402 once it failed or expired.
func (s *Server) handleTriggerSettlement(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		s.abortWithError(c, "handleTriggerSettlement", badRequest("failed to read body: %v", err))
		return
	}
	var req settleRequest
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			s.abortWithError(c, "handleTriggerSettlement", badRequest("invalid JSON body: %v", err))
			return
		}
	}
	if req.AttemptID == "" {
		req.AttemptID = c.Query("attempt_id")
	}

	in := session.SettleRequest{AttemptID: req.AttemptID, SellerID: req.SellerID}
	switch {
	case isPresent(req.PaymentPayload):
		payload, err := x402http.DecodePaymentPayloadJSON(req.PaymentPayload)
		if err != nil {
			s.abortWithError(c, "handleTriggerSettlement", badRequest("%v", err))
			return
		}
		in.Payload = *payload
	case c.GetHeader(x402http.PaymentHeader) != "":
		payload, err := x402http.ValidateAndDecodePaymentHeader(c.GetHeader(x402http.PaymentHeader))
		if err != nil {
			s.abortWithError(c, "handleTriggerSettlement", badRequest("%v", err))
			return
		}
		in.Payload = *payload
	default:
		s.abortWithError(c, "handleTriggerSettlement", badRequest("paymentPayload or %s header is required", x402http.PaymentHeader))
		return
	}
	if isPresent(req.PaymentRequirements) {
		requirements, err := x402http.DecodePaymentRequirementsJSON(req.PaymentRequirements)
		if err != nil {
			s.abortWithError(c, "handleTriggerSettlement", badRequest("%v", err))
			return
		}
		in.Requirements = requirements
	}

	result, err := s.sessions.TriggerSettlement(c.Request.Context(), in)
	if err != nil {
		s.abortWithError(c, "handleTriggerSettlement", err)
		return
	}

	attempt := result.Attempt
	resp := settlementResponse{
		AttemptID:     attempt.ID,
		AttemptStatus: attempt.Status,
		Deduplicated:  result.Deduplicated,
		TxHash:        attempt.TxHash,
		Payer:         attempt.Payer,
	}
	if result.Settlement != nil {
		resp.SettlementID = result.Settlement.ID
		resp.SettlementStatus = result.Settlement.Status
	}

	switch attempt.Status {
	case store.AttemptSettled:
		if header, err := paymentResponseHeader(attempt); err == nil {
			c.Header(x402http.PaymentResponseHeader, header)
		}
		c.JSON(http.StatusOK, resp)
	case store.AttemptFailed, store.AttemptExpired:
		resp.Reason = attempt.FailureReason
		if resp.Reason == "" {
			resp.Reason = attempt.Status
		}
		c.JSON(http.StatusPaymentRequired, resp)
	default:
		c.JSON(http.StatusAccepted, resp)
	}
}

func (s *Server) handleGetAttempt(c *gin.Context) {
	view, err := s.sessions.GetAttempt(c.Request.Context(), c.Param("id"), c.Query("seller_id"))
	if err != nil {
		s.abortWithError(c, "handleGetAttempt", err)
		return
	}
	if view.Reservations == nil {
		view.Reservations = []store.Reservation{}
	}
	if view.Settlements == nil {
		view.Settlements = []store.Settlement{}
	}
	c.JSON(http.StatusOK, gin.H{
		"attempt":      view.Attempt,
		"reservations": view.Reservations,
		"settlements":  view.Settlements,
	})
}

type createSubscriptionRequest struct {
	SellerID   string   `json:"seller_id" binding:"required"`
	URL        string   `json:"url" binding:"required,url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
}

func (s *Server) handleCreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, "handleCreateSubscription", wrapBind(err))
		return
	}

	sub, err := s.subscriptions.Create(c.Request.Context(), webhook.SubscriptionInput{
		SellerID:   req.SellerID,
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Secret:     req.Secret,
	})
	if err != nil {
		s.abortWithError(c, "handleCreateSubscription", err)
		return
	}

	// The secret is returned once, on creation
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	sellerID := c.Query("seller_id")
	if sellerID == "" {
		s.abortWithError(c, "handleListSubscriptions", badRequest("seller_id is required"))
		return
	}
	subs, err := s.subscriptions.List(c.Request.Context(), sellerID)
	if err != nil {
		s.abortWithError(c, "handleListSubscriptions", err)
		return
	}
	if subs == nil {
		subs = []store.WebhookSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) handleDeleteSubscription(c *gin.Context) {
	sellerID := c.Query("seller_id")
	if sellerID == "" {
		s.abortWithError(c, "handleDeleteSubscription", badRequest("seller_id is required"))
		return
	}
	if err := s.subscriptions.Deactivate(c.Request.Context(), sellerID, c.Param("id")); err != nil {
		s.abortWithError(c, "handleDeleteSubscription", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// wrapBind keeps validator errors as they are and turns decoding errors into bad requests
func wrapBind(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return err
	}
	return badRequest("%v", err)
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// paymentResponseHeader encodes the settlement outcome the way x402 clients read it
func paymentResponseHeader(attempt *store.PaymentAttempt) (string, error) {
	data, err := json.Marshal(x402.SettleResponse{
		Success:     true,
		Payer:       attempt.Payer,
		Transaction: attempt.TxHash,
		Network:     x402.Network(attempt.Network),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
