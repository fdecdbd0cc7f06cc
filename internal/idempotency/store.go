package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/x402-foundation/x402-commerce/internal/store"
)

var (
	ErrKeyRequired    = errors.New("idempotency key is required")
	ErrSellerRequired = errors.New("seller is required")
	// ErrKeyReused means the key was first used for a different request body
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// maxKeyLength matches the idempotency_keys.key column
const maxKeyLength = 255

// Request identifies one session creation call
type Request struct {
	Key      string
	SellerID string
	// Fingerprint is optional; see DefaultFingerprint
	Fingerprint string
}

// AttemptFactory builds the PaymentAttempt, and anything created with it,
// inside the caller's transaction. It must create the attempt with the given id.
type AttemptFactory func(tx *gorm.DB, attemptID string) (*store.PaymentAttempt, error)

// Result is the attempt for a key and whether this call created it
type Result struct {
	Attempt *store.PaymentAttempt
	Created bool
}

// Store maps idempotency keys to payment attempts
type Store struct {
	db     *gorm.DB
	logger logrus.FieldLogger

	// afterMiss runs between a lookup miss and the insert; tests use it to
	// stage a concurrent winner
	afterMiss func()
}

// New creates a Store
func New(db *gorm.DB, opts ...Option) *Store {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}
	return &Store{db: db, logger: cfg.logger.WithField("component", "idempotency")}
}

// DefaultFingerprint hashes a request body with SHA256
func DefaultFingerprint(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// GetOrCreateAttempt returns the attempt already mapped to (key, seller) or
// creates one with factory. Losing a creation race is not an error: the
// winner's attempt is returned with Created=false.
func (s *Store) GetOrCreateAttempt(ctx context.Context, req Request, factory AttemptFactory) (*Result, error) {
	if req.Key == "" {
		return nil, ErrKeyRequired
	}
	if len(req.Key) > maxKeyLength {
		return nil, fmt.Errorf("idempotency key longer than %d bytes", maxKeyLength)
	}
	if req.SellerID == "" {
		return nil, ErrSellerRequired
	}

	if existing, err := s.lookup(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	if s.afterMiss != nil {
		s.afterMiss()
	}

	attemptID := uuid.NewString()
	var created *store.PaymentAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mapping := &store.IdempotencyKey{
			Key:              req.Key,
			SellerID:         req.SellerID,
			RequestHash:      req.Fingerprint,
			PaymentAttemptID: attemptID,
		}
		if err := tx.Create(mapping).Error; err != nil {
			return err
		}

		attempt, err := factory(tx, attemptID)
		if err != nil {
			return err
		}
		if attempt == nil || attempt.ID != attemptID {
			return fmt.Errorf("attempt factory did not create attempt %s", attemptID)
		}
		created = attempt
		return nil
	})

	if err != nil {
		if !store.IsUniqueViolation(err) {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"seller_id": req.SellerID,
		}).Debug("lost idempotency race, reading winner")

		existing, lookupErr := s.lookup(ctx, req)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			// The violation came from somewhere other than the key
			return nil, err
		}
		return existing, nil
	}

	return &Result{Attempt: created, Created: true}, nil
}

func (s *Store) lookup(ctx context.Context, req Request) (*Result, error) {
	var mapping store.IdempotencyKey
	err := s.db.WithContext(ctx).
		Where(&store.IdempotencyKey{Key: req.Key, SellerID: req.SellerID}).
		Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if req.Fingerprint != "" && mapping.RequestHash != "" && mapping.RequestHash != req.Fingerprint {
		return nil, ErrKeyReused
	}

	var attempt store.PaymentAttempt
	if err := s.db.WithContext(ctx).Take(&attempt, "id = ?", mapping.PaymentAttemptID).Error; err != nil {
		return nil, fmt.Errorf("failed to load attempt %s for idempotency key: %w", mapping.PaymentAttemptID, err)
	}
	return &Result{Attempt: &attempt, Created: false}, nil
}
