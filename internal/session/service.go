// Package session is the inbound edge of the engine: it creates payment
// sessions, which hold inventory and publish payment requirements, and it
// accepts signed payments against them as settlements.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	x402 "github.com/x402-foundation/x402-commerce"
	"github.com/x402-foundation/x402-commerce/internal/config"
	"github.com/x402-foundation/x402-commerce/internal/idempotency"
	"github.com/x402-foundation/x402-commerce/internal/reservation"
	"github.com/x402-foundation/x402-commerce/internal/settlement"
	"github.com/x402-foundation/x402-commerce/internal/store"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrAttemptNotFound      = errors.New("payment attempt not found")
	ErrAttemptExpired       = errors.New("payment attempt expired")
	ErrReservationExpired   = errors.New("reservation_expired")
	ErrRequirementsMismatch = errors.New("payment requirements do not match the attempt")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Processor settles one settlement inline. *settlement.Worker implements it.
type Processor interface {
	ProcessOne(ctx context.Context, settlementID string) (string, error)
}

// Config controls session creation and settlement triggering
type Config struct {
	ReservationTTL    time.Duration
	MaxTimeoutSeconds int
	Mode              string
	DefaultMimeType   string
}

// ConfigFrom derives a session Config from the runtime configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ReservationTTL:    cfg.Reservation.TTL,
		MaxTimeoutSeconds: int(cfg.Reservation.TTL / time.Second),
		Mode:              cfg.Settlement.Mode,
	}
}

// CreateRequest asks for a payment session. Exactly one of Items, Price and
// Amount must be set. Price is in whole tokens ("0.25") and needs an asset
// whose decimals are known; Amount is in the asset's atomic units.
type CreateRequest struct {
	IdempotencyKey string
	Fingerprint    string
	SellerID       string
	EndpointID     string
	Network        string
	PayTo          string
	Asset          string
	Resource       string
	Description    string
	MimeType       string
	Price          string
	Amount         string
	Items          []reservation.LineItem
}

// Session is a created or replayed payment session
type Session struct {
	Attempt      *store.PaymentAttempt
	Requirements x402.PaymentRequirements
	Reservations []store.Reservation
	Created      bool
}

// SettleRequest submits a signed payment for an attempt. Requirements is
// optional; when present it must describe the attempt's requirements.
type SettleRequest struct {
	AttemptID    string
	SellerID     string
	Payload      x402.PaymentPayload
	Requirements *x402.PaymentRequirements
}

// SettleResult is the state of an attempt after a settlement request.
// Settlement is nil when the attempt was already terminal and never settled.
type SettleResult struct {
	Attempt      *store.PaymentAttempt
	Settlement   *store.Settlement
	Deduplicated bool
}

// Service creates sessions and triggers settlements
type Service struct {
	db           *gorm.DB
	keys         *idempotency.Store
	reservations *reservation.Manager
	processor    Processor
	cfg          Config
	logger       logrus.FieldLogger
}

// Option configures a Service
type Option func(*Service)

// WithProcessor settles inline when the mode is sync
func WithProcessor(p Processor) Option {
	return func(s *Service) { s.processor = p }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a Service
func NewService(db *gorm.DB, keys *idempotency.Store, reservations *reservation.Manager, cfg Config, opts ...Option) *Service {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 15 * time.Minute
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeAsync
	}
	if cfg.DefaultMimeType == "" {
		cfg.DefaultMimeType = "application/json"
	}

	s := &Service{db: db, keys: keys, reservations: reservations, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.logger = s.logger.WithField("component", "session")
	return s
}

func (r *CreateRequest) validate() error {
	switch {
	case r.SellerID == "":
		return invalid("seller_id is required")
	case r.Network == "":
		return invalid("network is required")
	case r.PayTo == "":
		return invalid("pay_to is required")
	}

	priced := 0
	for _, set := range []bool{len(r.Items) > 0, r.Price != "", r.Amount != ""} {
		if set {
			priced++
		}
	}
	if priced != 1 {
		return invalid("exactly one of items, price or amount is required")
	}
	return nil
}

// CreateSession returns the attempt for the request's idempotency key,
// creating it when the key is new. A new attempt over line items holds
// stock for every item or fails as a whole with reservation.ErrInsufficientStock.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	asset, err := resolveAsset(req.Network, req.Asset)
	if err != nil {
		return nil, err
	}

	var amount string
	switch {
	case req.Amount != "":
		atomic, err := x402.ParseAtomicAmount(req.Amount)
		if err != nil || atomic.Sign() <= 0 {
			return nil, invalid("amount %q must be a positive integer", req.Amount)
		}
		amount = atomic.String()
	case req.Price != "":
		if asset.decimals < 0 {
			return nil, invalid("price needs a known asset; give amount in atomic units instead")
		}
		if amount, err = priceToAtomic(req.Price, asset.decimals); err != nil {
			return nil, err
		}
	}

	var lineItems datatypes.JSON
	if len(req.Items) > 0 {
		data, err := json.Marshal(req.Items)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal line items: %w", err)
		}
		lineItems = datatypes.JSON(data)
	}

	result, err := s.keys.GetOrCreateAttempt(ctx, idempotency.Request{
		Key:         req.IdempotencyKey,
		SellerID:    req.SellerID,
		Fingerprint: req.Fingerprint,
	}, func(tx *gorm.DB, attemptID string) (*store.PaymentAttempt, error) {
		attempt := &store.PaymentAttempt{
			ID:         attemptID,
			SellerID:   req.SellerID,
			EndpointID: req.EndpointID,
			Resource:   req.Resource,
			LineItems:  lineItems,
			Amount:     "0",
			Asset:      asset.address,
			Network:    req.Network,
			Scheme:     x402.SchemeExact,
			PayTo:      req.PayTo,
			Status:     store.AttemptPending,
			ExpiresAt:  store.Now().Add(s.cfg.ReservationTTL),
		}
		if amount != "" {
			attempt.Amount = amount
		}
		if err := tx.Create(attempt).Error; err != nil {
			return nil, fmt.Errorf("failed to create attempt: %w", err)
		}

		if len(req.Items) > 0 {
			held, err := s.reservations.Reserve(tx, attemptID, req.SellerID, req.Items, attempt.ExpiresAt)
			if err != nil {
				return nil, err
			}
			if attempt.Amount, err = lineTotal(held); err != nil {
				return nil, err
			}
		}

		requirements := s.requirementsFor(attempt, req, asset)
		data, err := json.Marshal(requirements)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal requirements: %w", err)
		}
		attempt.Requirements = datatypes.JSON(data)

		if err := tx.Model(attempt).Updates(map[string]interface{}{
			"amount":       attempt.Amount,
			"requirements": attempt.Requirements,
		}).Error; err != nil {
			return nil, fmt.Errorf("failed to price attempt: %w", err)
		}
		return attempt, nil
	})
	if err != nil {
		return nil, err
	}

	session := &Session{Attempt: result.Attempt, Created: result.Created}
	if err := json.Unmarshal(result.Attempt.Requirements, &session.Requirements); err != nil {
		return nil, fmt.Errorf("failed to decode requirements of attempt %s: %w", result.Attempt.ID, err)
	}
	if err := s.db.WithContext(ctx).
		Where("payment_attempt_id = ?", result.Attempt.ID).
		Order("id ASC").
		Find(&session.Reservations).Error; err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"attempt_id": result.Attempt.ID,
		"seller_id":  req.SellerID,
		"created":    result.Created,
		"amount":     result.Attempt.Amount,
	}).Info("payment session")
	return session, nil
}

func (s *Service) requirementsFor(attempt *store.PaymentAttempt, req CreateRequest, asset assetInfo) x402.PaymentRequirements {
	resource := req.Resource
	if resource == "" {
		resource = "urn:x402:attempt:" + attempt.ID
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = s.cfg.DefaultMimeType
	}

	extra := map[string]interface{}{"attemptId": attempt.ID}
	for k, v := range asset.extra {
		extra[k] = v
	}

	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.Network(attempt.Network),
		MaxAmountRequired: attempt.Amount,
		Resource:          resource,
		Description:       req.Description,
		MimeType:          mimeType,
		PayTo:             attempt.PayTo,
		MaxTimeoutSeconds: s.cfg.MaxTimeoutSeconds,
		Asset:             attempt.Asset,
		Extra:             extra,
	}
}

// TriggerSettlement queues a settlement for the attempt, or reports the
// settlement already open for it. A terminal attempt is returned as it is.
// In sync mode the new settlement is driven before returning.
func (s *Service) TriggerSettlement(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if req.AttemptID == "" {
		return nil, invalid("attempt_id is required")
	}
	if err := x402.ValidatePaymentPayload(req.Payload); err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment payload: %w", err)
	}

	result := &SettleResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt store.PaymentAttempt
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&attempt, "id = ?", req.AttemptID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && req.SellerID != "" && attempt.SellerID != req.SellerID) {
			return fmt.Errorf("%w: %s", ErrAttemptNotFound, req.AttemptID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock attempt: %w", err)
		}
		result.Attempt = &attempt

		var stored x402.PaymentRequirements
		if err := json.Unmarshal(attempt.Requirements, &stored); err != nil {
			return fmt.Errorf("failed to decode requirements of attempt %s: %w", attempt.ID, err)
		}
		if req.Requirements != nil && !x402.SameRequirements(*req.Requirements, stored) {
			return ErrRequirementsMismatch
		}

		if attempt.IsTerminal() {
			latest, err := latestSettlement(tx, attempt.ID)
			if err != nil {
				return err
			}
			result.Settlement = latest
			return nil
		}

		if open, err := openSettlement(tx, attempt.ID); err != nil || open != nil {
			result.Settlement = open
			result.Deduplicated = open != nil
			return err
		}

		if store.Now().After(attempt.ExpiresAt) {
			return fmt.Errorf("%w: %s", ErrAttemptExpired, attempt.ID)
		}
		if err := x402.MatchRequirements(req.Payload, stored); err != nil {
			return err
		}

		held, err := s.reservations.ForAttempt(tx, attempt.ID)
		if err != nil {
			return err
		}
		for _, r := range held {
			if r.Status != store.ReservationReserved {
				return fmt.Errorf("%w: reservation %s is %s", ErrReservationExpired, r.ID, r.Status)
			}
		}

		queued := &store.Settlement{
			PaymentAttemptID: attempt.ID,
			Status:           store.SettlementQueued,
			PaymentPayload:   datatypes.JSON(payloadJSON),
			Requirements:     attempt.Requirements,
		}
		// Savepoint so a lost insert race leaves tx usable for the re-read
		err = tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(queued).Error
		})
		if store.IsUniqueViolation(err) {
			open, err := openSettlement(tx, attempt.ID)
			result.Settlement = open
			result.Deduplicated = open != nil
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to queue settlement: %w", err)
		}
		result.Settlement = queued

		return tx.Model(&attempt).Update("payment_payload", datatypes.JSON(payloadJSON)).Error
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.WithField("attempt_id", req.AttemptID)
	if result.Settlement != nil {
		log = log.WithField("settlement_id", result.Settlement.ID)
	}
	if result.Deduplicated {
		log.Info("settlement already open")
	}

	if result.Settlement == nil || result.Deduplicated || result.Attempt.IsTerminal() {
		return result, nil
	}
	log.Info("settlement queued")

	if s.cfg.Mode != config.ModeSync || s.processor == nil {
		return result, nil
	}
	if _, err := s.processor.ProcessOne(ctx, result.Settlement.ID); err != nil && !errors.Is(err, settlement.ErrNotClaimed) {
		// The row stays queued or in_progress for the workers to finish
		log.WithError(err).Warn("inline settlement did not complete")
	}
	return s.reload(ctx, result)
}

func (s *Service) reload(ctx context.Context, result *SettleResult) (*SettleResult, error) {
	db := s.db.WithContext(ctx)
	if err := db.Take(result.Attempt, "id = ?", result.Attempt.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload attempt: %w", err)
	}
	if err := db.Take(result.Settlement, "id = ?", result.Settlement.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload settlement: %w", err)
	}
	return result, nil
}

func openSettlement(tx *gorm.DB, attemptID string) (*store.Settlement, error) {
	var open store.Settlement
	err := tx.Where("payment_attempt_id = ? AND status IN ?", attemptID, store.OpenSettlementStatuses).
		Take(&open).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up open settlement: %w", err)
	}
	return &open, nil
}

func latestSettlement(tx *gorm.DB, attemptID string) (*store.Settlement, error) {
	var latest store.Settlement
	err := tx.Where("payment_attempt_id = ?", attemptID).
		Order("created_at DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up settlement: %w", err)
	}
	return &latest, nil
}

// AttemptView is an attempt with everything hanging off it
type AttemptView struct {
	Attempt      *store.PaymentAttempt
	Reservations []store.Reservation
	Settlements  []store.Settlement
}

// GetAttempt loads an attempt. sellerID scopes the lookup when not empty.
func (s *Service) GetAttempt(ctx context.Context, attemptID, sellerID string) (*AttemptView, error) {
	db := s.db.WithContext(ctx)

	var attempt store.PaymentAttempt
	err := db.Take(&attempt, "id = ?", attemptID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && sellerID != "" && attempt.SellerID != sellerID) {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt: %w", err)
	}

	view := &AttemptView{Attempt: &attempt}
	if err := db.Where("payment_attempt_id = ?", attemptID).Order("id ASC").Find(&view.Reservations).Error; err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}
	if err := db.Where("payment_attempt_id = ?", attemptID).Order("created_at ASC").Find(&view.Settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to load settlements: %w", err)
	}
	return view, nil
}
