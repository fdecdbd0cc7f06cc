package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	x402 "github.com/x402-foundation/x402-commerce"
	"github.com/x402-foundation/x402-commerce/internal/config"
	"github.com/x402-foundation/x402-commerce/internal/logging"
	"github.com/x402-foundation/x402-commerce/internal/reservation"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/internal/storetest"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
	"github.com/x402-foundation/x402-commerce/internal/worker"
)

const seller = "seller-1"

type fakeFacilitator struct {
	mu          sync.Mutex
	verifyCalls int
	settleCalls int
	verify      func() (*x402.VerifyResponse, error)
	settle      func() (*x402.SettleResponse, error)
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()
	if f.verify != nil {
		return f.verify()
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.mu.Lock()
	f.settleCalls++
	f.mu.Unlock()
	if f.settle != nil {
		return f.settle()
	}
	return &x402.SettleResponse{Success: true, Transaction: "0xtx", Payer: "0xpayer", Network: requirements.Network}, nil
}

func (f *fakeFacilitator) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls, f.settleCalls
}

type fakeVerifier struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (v *fakeVerifier) VerifyTransfer(ctx context.Context, expected x402.TransferExpectation) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if len(v.errs) == 0 {
		return nil
	}
	err := v.errs[0]
	v.errs = v.errs[1:]
	return err
}

type fixture struct {
	db      *gorm.DB
	manager *reservation.Manager
	item    *store.InventoryItem
	attempt *store.PaymentAttempt
}

// newFixture seeds an item with stock 10 and an attempt holding 3 units of it
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, storetest.New(t))
}

func newFixtureOn(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	m := reservation.NewManager(logging.Discard())
	item := storetest.SeedItem(t, db, seller, 10, "333334")
	attempt := storetest.SeedAttempt(t, db, seller, store.Now().Add(time.Hour))

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := m.Reserve(tx, attempt.ID, seller, []reservation.LineItem{{ItemID: item.ID, Quantity: 3}}, attempt.ExpiresAt)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 7, storetest.Stock(t, db, item.ID))

	_, err = webhook.NewSubscriptions(db).Create(context.Background(), webhook.SubscriptionInput{
		SellerID: seller,
		URL:      "https://example.com/hooks",
	})
	require.NoError(t, err)

	return &fixture{db: db, manager: m, item: item, attempt: attempt}
}

func (f *fixture) requirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.Network(f.attempt.Network),
		MaxAmountRequired: f.attempt.Amount,
		Resource:          "urn:x402:attempt:" + f.attempt.ID,
		PayTo:             f.attempt.PayTo,
		MaxTimeoutSeconds: 60,
		Asset:             f.attempt.Asset,
	}
}

func (f *fixture) payload(value string) x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     x402.Network(f.attempt.Network),
		Payload: map[string]interface{}{
			"signature": "0xsig",
			"authorization": map[string]interface{}{
				"from":  "0xpayer",
				"to":    f.attempt.PayTo,
				"value": value,
				"nonce": "0x01",
			},
		},
	}
}

func (f *fixture) enqueue(t *testing.T, payload x402.PaymentPayload) *store.Settlement {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	r, err := json.Marshal(f.requirements())
	require.NoError(t, err)

	s := &store.Settlement{
		PaymentAttemptID: f.attempt.ID,
		Status:           store.SettlementQueued,
		PaymentPayload:   datatypes.JSON(p),
		Requirements:     datatypes.JSON(r),
	}
	require.NoError(t, f.db.Create(s).Error)
	return s
}

func (f *fixture) worker(facilitator x402.Facilitator, cfg config.SettlementConfig, opts ...Option) *Worker {
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithRand(rand.New(rand.NewSource(1))),
	}, opts...)
	return NewWorker(f.db, facilitator, f.manager, webhook.NewEmitter(logging.Discard()), cfg, opts...)
}

func (f *fixture) load(t *testing.T, s *store.Settlement) (store.Settlement, store.PaymentAttempt) {
	t.Helper()
	var settlement store.Settlement
	require.NoError(t, f.db.Take(&settlement, "id = ?", s.ID).Error)
	var attempt store.PaymentAttempt
	require.NoError(t, f.db.Take(&attempt, "id = ?", f.attempt.ID).Error)
	return settlement, attempt
}

func (f *fixture) hasEvent(t *testing.T, eventType, resourceID string) bool {
	t.Helper()
	return storetest.Count(t, f.db, &store.WebhookEvent{}, "event_type = ? AND resource_id = ?", eventType, resourceID) == 1
}

func TestSettlementSuccessConfirmsReservations(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	facilitator := &fakeFacilitator{}
	w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3})

	require.NoError(t, w.ProcessNext(context.Background()))

	settlement, attempt := f.load(t, s)
	assert.Equal(t, store.SettlementConfirmed, settlement.Status)
	assert.Equal(t, "0xtx", settlement.TxHash)
	assert.Equal(t, 1, settlement.Attempts)
	assert.Nil(t, settlement.LockedBy)
	assert.NotNil(t, settlement.CompletedAt)
	assert.NotEmpty(t, settlement.FacilitatorResponse)

	assert.Equal(t, store.AttemptSettled, attempt.Status)
	assert.Equal(t, "0xtx", attempt.TxHash)
	assert.Equal(t, "0xpayer", attempt.Payer)

	assert.Equal(t, 7, storetest.Stock(t, f.db, f.item.ID))
	assert.EqualValues(t, 1, storetest.Count(t, f.db, &store.Sale{}, "payment_attempt_id = ?", f.attempt.ID))
	assert.EqualValues(t, 1, storetest.Count(t, f.db, &store.Reservation{}, "status = ?", store.ReservationConfirmed))

	assert.True(t, f.hasEvent(t, webhook.EventPaymentCompleted, f.attempt.ID))
	assert.True(t, f.hasEvent(t, webhook.EventSettlementConfirmed, s.ID))
	assert.EqualValues(t, 2, storetest.Count(t, f.db, &store.WebhookDelivery{}, ""))

	snap := w.Counters().Snapshot()
	assert.EqualValues(t, 1, snap.Processed)
	assert.EqualValues(t, 1, snap.Succeeded)

	assert.ErrorIs(t, w.ProcessNext(context.Background()), worker.ErrNoWork)
}

func TestSettlementRejectionReleasesReservations(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	facilitator := &fakeFacilitator{
		verify: func() (*x402.VerifyResponse, error) {
			return nil, x402.NewVerifyError(x402.ErrCodeInvalidSignature, "0xpayer", "bad signature")
		},
	}
	w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3})

	require.NoError(t, w.ProcessNext(context.Background()))

	settlement, attempt := f.load(t, s)
	assert.Equal(t, store.SettlementFailed, settlement.Status)
	assert.Contains(t, settlement.LastError, x402.ErrCodeInvalidSignature)
	assert.Equal(t, store.AttemptFailed, attempt.Status)
	assert.Equal(t, x402.ErrCodeInvalidSignature, attempt.FailureReason)

	assert.Equal(t, 10, storetest.Stock(t, f.db, f.item.ID))
	assert.EqualValues(t, 0, storetest.Count(t, f.db, &store.Sale{}, ""))
	assert.False(t, f.hasEvent(t, webhook.EventPaymentCompleted, f.attempt.ID))
	assert.True(t, f.hasEvent(t, webhook.EventPaymentFailed, f.attempt.ID))
	assert.True(t, f.hasEvent(t, webhook.EventSettlementFailed, s.ID))

	_, settles := facilitator.calls()
	assert.Equal(t, 0, settles)
}

func TestSettlementInvalidVerifyResponse(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	facilitator := &fakeFacilitator{
		verify: func() (*x402.VerifyResponse, error) {
			return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ErrCodeInsufficientFunds}, nil
		},
	}
	w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3})

	require.NoError(t, w.ProcessNext(context.Background()))

	_, attempt := f.load(t, s)
	assert.Equal(t, store.AttemptFailed, attempt.Status)
	assert.Equal(t, x402.ErrCodeInsufficientFunds, attempt.FailureReason)
	assert.Equal(t, 10, storetest.Stock(t, f.db, f.item.ID))
}

func TestSettlementLocalMismatchSkipsFacilitator(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload("1"))
	facilitator := &fakeFacilitator{}
	w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3})

	require.NoError(t, w.ProcessNext(context.Background()))

	_, attempt := f.load(t, s)
	assert.Equal(t, store.AttemptFailed, attempt.Status)
	assert.Equal(t, x402.ErrCodeAmountMismatch, attempt.FailureReason)

	verifies, settles := facilitator.calls()
	assert.Equal(t, 0, verifies)
	assert.Equal(t, 0, settles)
}

func TestSettlementMissingAuthorizationSkipsFacilitator(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(f.attempt.Amount)
	delete(payload.Payload, "authorization")
	s := f.enqueue(t, payload)
	facilitator := &fakeFacilitator{}
	w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3})

	require.NoError(t, w.ProcessNext(context.Background()))

	_, attempt := f.load(t, s)
	assert.Equal(t, store.AttemptFailed, attempt.Status)
	assert.Equal(t, x402.ErrCodeInvalidPayment, attempt.FailureReason)

	verifies, settles := facilitator.calls()
	assert.Equal(t, 0, verifies)
	assert.Equal(t, 0, settles)
}

func TestSettlementTransportErrorRetriesThenExhausts(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	facilitator := &fakeFacilitator{
		settle: func() (*x402.SettleResponse, error) {
			return nil, x402.NewTransportError("settle", 503, errors.New("unavailable"))
		},
	}
	w := f.worker(facilitator, config.SettlementConfig{
		MaxAttempts: 2,
		BackoffBase: time.Minute,
		BackoffMax:  time.Minute,
	})

	outcome, err := w.ProcessOne(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	settlement, attempt := f.load(t, s)
	assert.Equal(t, store.SettlementQueued, settlement.Status)
	assert.Equal(t, 1, settlement.Attempts)
	assert.Nil(t, settlement.LockedBy)
	require.NotNil(t, settlement.NextAttemptAt)
	assert.Contains(t, settlement.LastError, "unavailable")
	assert.Equal(t, store.AttemptPending, attempt.Status)
	assert.Equal(t, 7, storetest.Stock(t, f.db, f.item.ID))

	// Not due yet
	assert.ErrorIs(t, w.ProcessNext(context.Background()), worker.ErrNoWork)

	outcome, err = w.ProcessOne(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	settlement, attempt = f.load(t, s)
	assert.Equal(t, store.SettlementFailed, settlement.Status)
	assert.Equal(t, 2, settlement.Attempts)
	assert.Equal(t, store.AttemptFailed, attempt.Status)
	assert.Equal(t, x402.ErrCodeRetriesExhausted, attempt.FailureReason)
	assert.Equal(t, 10, storetest.Stock(t, f.db, f.item.ID))

	snap := w.Counters().Snapshot()
	assert.EqualValues(t, 1, snap.Retried)
	assert.EqualValues(t, 1, snap.Failed)
}

func TestSettlementExactlyOnceClaim(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, f.payload(f.attempt.Amount))
	facilitator := &fakeFacilitator{}

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3})
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- w.ProcessNext(context.Background())
		}()
	}
	wg.Wait()
	close(results)

	won, idle := 0, 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, worker.ErrNoWork):
			idle++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, idle)

	_, settles := facilitator.calls()
	assert.Equal(t, 1, settles)
	assert.EqualValues(t, 1, storetest.Count(t, f.db, &store.Sale{}, ""))
}

func TestSettlementReclaimsStaleLock(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	stale := store.Now().Add(-10 * time.Minute)
	dead := "settlement-dead"
	require.NoError(t, f.db.Model(&store.Settlement{}).Where("id = ?", s.ID).Updates(map[string]interface{}{
		"status":    store.SettlementInProgress,
		"locked_by": dead,
		"locked_at": stale,
		"attempts":  1,
	}).Error)

	w := f.worker(&fakeFacilitator{}, config.SettlementConfig{MaxAttempts: 3, LockTimeout: time.Minute})
	require.NoError(t, w.ProcessNext(context.Background()))

	settlement, attempt := f.load(t, s)
	assert.Equal(t, store.SettlementConfirmed, settlement.Status)
	assert.Equal(t, 2, settlement.Attempts)
	assert.Equal(t, store.AttemptSettled, attempt.Status)
}

func TestSettlementSkipsFreshLock(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	now := store.Now()
	require.NoError(t, f.db.Model(&store.Settlement{}).Where("id = ?", s.ID).Updates(map[string]interface{}{
		"status":    store.SettlementInProgress,
		"locked_by": "settlement-live",
		"locked_at": now,
	}).Error)

	w := f.worker(&fakeFacilitator{}, config.SettlementConfig{MaxAttempts: 3, LockTimeout: time.Minute})
	assert.ErrorIs(t, w.ProcessNext(context.Background()), worker.ErrNoWork)

	_, err := w.ProcessOne(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestSettlementRetryAfterSettleDoesNotSettleTwice(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	facilitator := &fakeFacilitator{}
	verifier := &fakeVerifier{errs: []error{x402.NewTransportError("onchain", 0, errors.New("rpc down"))}}
	registry := x402.NewOnchainRegistry().Register("eip155:*", verifier)

	w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3, RequireOnchainConfirmation: true},
		WithOnchainRegistry(registry))

	outcome, err := w.ProcessOne(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	settlement, _ := f.load(t, s)
	assert.Equal(t, store.SettlementQueued, settlement.Status)
	assert.Equal(t, "0xtx", settlement.TxHash)

	outcome, err = w.ProcessOne(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)

	_, settles := facilitator.calls()
	assert.Equal(t, 1, settles)
	assert.Equal(t, 2, verifier.calls)

	_, attempt := f.load(t, s)
	assert.Equal(t, store.AttemptSettled, attempt.Status)
	assert.Equal(t, "0xpayer", attempt.Payer)
}

func TestSettlementConfirmFailureKeepsTxHash(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	facilitator := &fakeFacilitator{}

	failed := false
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_first_sale", func(tx *gorm.DB) {
		if !failed && tx.Statement.Schema != nil && tx.Statement.Schema.Table == "sales" {
			failed = true
			tx.AddError(errors.New("database is locked"))
		}
	}))

	first := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3, LockTimeout: time.Minute})
	_, err := first.ProcessOne(context.Background(), s.ID)
	require.Error(t, err)

	settlement, attempt := f.load(t, s)
	assert.Equal(t, store.SettlementInProgress, settlement.Status)
	assert.Equal(t, "0xtx", settlement.TxHash)
	assert.Equal(t, "0xpayer", settlement.Payer)
	assert.Equal(t, store.AttemptPending, attempt.Status)

	// The first worker is gone; its lock goes stale
	require.NoError(t, f.db.Model(&store.Settlement{}).Where("id = ?", s.ID).
		Update("locked_at", store.Now().Add(-10*time.Minute)).Error)

	second := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3, LockTimeout: time.Minute})
	require.NoError(t, second.ProcessNext(context.Background()))

	verifies, settles := facilitator.calls()
	assert.Equal(t, 1, verifies)
	assert.Equal(t, 1, settles)

	settlement, attempt = f.load(t, s)
	assert.Equal(t, store.SettlementConfirmed, settlement.Status)
	assert.Equal(t, store.AttemptSettled, attempt.Status)
	assert.Equal(t, "0xtx", attempt.TxHash)
	assert.Equal(t, 7, storetest.Stock(t, f.db, f.item.ID))
	assert.EqualValues(t, 1, storetest.Count(t, f.db, &store.Sale{}, "payment_attempt_id = ?", f.attempt.ID))
}

func TestSettlementOnchainMismatchFails(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	verifier := &fakeVerifier{errs: []error{x402.NewPaymentError(x402.ErrCodeOnchainMismatch, "no transfer", nil)}}
	registry := x402.NewOnchainRegistry().Register("eip155:*", verifier)

	w := f.worker(&fakeFacilitator{}, config.SettlementConfig{MaxAttempts: 3, RequireOnchainConfirmation: true},
		WithOnchainRegistry(registry))
	require.NoError(t, w.ProcessNext(context.Background()))

	_, attempt := f.load(t, s)
	assert.Equal(t, store.AttemptFailed, attempt.Status)
	assert.Equal(t, x402.ErrCodeOnchainMismatch, attempt.FailureReason)
	assert.Equal(t, 10, storetest.Stock(t, f.db, f.item.ID))
}

func TestSettlementWithoutVerifierTrustsFacilitator(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	w := f.worker(&fakeFacilitator{}, config.SettlementConfig{MaxAttempts: 3, RequireOnchainConfirmation: true})

	require.NoError(t, w.ProcessNext(context.Background()))

	_, attempt := f.load(t, s)
	assert.Equal(t, store.AttemptSettled, attempt.Status)
}

func TestSettlementForClosedAttempt(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	require.NoError(t, f.db.Model(&store.PaymentAttempt{}).Where("id = ?", f.attempt.ID).
		Update("status", store.AttemptExpired).Error)
	facilitator := &fakeFacilitator{}
	w := f.worker(facilitator, config.SettlementConfig{MaxAttempts: 3})

	require.NoError(t, w.ProcessNext(context.Background()))

	settlement, attempt := f.load(t, s)
	assert.Equal(t, store.SettlementFailed, settlement.Status)
	assert.Contains(t, settlement.LastError, ReasonAttemptClosed)
	assert.Equal(t, store.AttemptExpired, attempt.Status)

	verifies, _ := facilitator.calls()
	assert.Equal(t, 0, verifies)
}

func TestProcessOneErrors(t *testing.T) {
	f := newFixture(t)
	s := f.enqueue(t, f.payload(f.attempt.Amount))
	w := f.worker(&fakeFacilitator{}, config.SettlementConfig{MaxAttempts: 3})

	_, err := w.ProcessOne(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSettlementNotFound)

	outcome, err := w.ProcessOne(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)

	_, err = w.ProcessOne(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotClaimed)
}
