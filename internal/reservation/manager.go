// Package reservation holds inventory against payment attempts.
//
// Stock is decremented when a reservation is created and restored only when
// it is released. Confirm and Release are the only transitions out of
// reserved; both are conditional updates, so repeating either one, or
// racing one against the other, changes stock at most once.
//
// Every method takes the caller's transaction. Rows are locked in the order
// payment attempt, reservations, inventory items.
package reservation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/x402-foundation/x402-commerce/internal/store"
)

var (
	ErrInsufficientStock   = errors.New("insufficient_stock")
	ErrItemNotFound        = errors.New("item not found")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrReservationNotFound = errors.New("reservation not found")
)

// LineItem asks for qty units of one inventory item
type LineItem struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"qty"`
}

// SaleContext is copied onto the Sale created by Confirm
type SaleContext struct {
	SellerID string
	TxHash   string
}

// Manager performs reservation transitions
type Manager struct {
	logger logrus.FieldLogger
}

// NewManager creates a Manager
func NewManager(logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{logger: logger.WithField("component", "reservation")}
}

// Reserve holds every line item for attemptID until expiresAt. It is all or
// nothing: the first item that cannot be held returns an error and the
// caller must roll back tx. Items are locked in id order so that two
// sessions for overlapping carts cannot deadlock.
//
// The returned reservations carry their Item.
func (m *Manager) Reserve(tx *gorm.DB, attemptID, sellerID string, items []LineItem, expiresAt time.Time) ([]store.Reservation, error) {
	merged, err := mergeLineItems(items)
	if err != nil {
		return nil, err
	}

	reservations := make([]store.Reservation, 0, len(merged))
	for _, li := range merged {
		var item store.InventoryItem
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND seller_id = ?", li.ItemID, sellerID).
			Take(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, li.ItemID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock item %s: %w", li.ItemID, err)
		}
		if item.Stock < li.Quantity {
			return nil, fmt.Errorf("%w: item %s has %d, requested %d", ErrInsufficientStock, li.ItemID, item.Stock, li.Quantity)
		}

		res := tx.Model(&store.InventoryItem{}).
			Where("id = ? AND stock >= ?", item.ID, li.Quantity).
			Update("stock", gorm.Expr("stock - ?", li.Quantity))
		if res.Error != nil {
			return nil, fmt.Errorf("failed to decrement stock for %s: %w", item.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return nil, fmt.Errorf("%w: item %s", ErrInsufficientStock, li.ItemID)
		}
		item.Stock -= li.Quantity

		reservation := store.Reservation{
			PaymentAttemptID: attemptID,
			ItemID:           item.ID,
			Quantity:         li.Quantity,
			Status:           store.ReservationReserved,
			ExpiresAt:        expiresAt.UTC(),
		}
		if err := tx.Omit(clause.Associations).Create(&reservation).Error; err != nil {
			return nil, fmt.Errorf("failed to create reservation for %s: %w", item.ID, err)
		}
		reservation.Item = &item
		reservations = append(reservations, reservation)
	}

	m.logger.WithFields(logrus.Fields{
		"attempt_id":   attemptID,
		"reservations": len(reservations),
	}).Debug("inventory reserved")
	return reservations, nil
}

// Confirm moves a reservation from reserved to confirmed and records the
// Sale. Returns false without error when the reservation was not reserved.
func (m *Manager) Confirm(tx *gorm.DB, reservationID string, sale SaleContext) (bool, error) {
	reservation, err := m.lock(tx, reservationID)
	if err != nil {
		return false, err
	}
	if reservation.Status != store.ReservationReserved {
		if reservation.Status == store.ReservationReleased {
			m.logger.WithField("reservation_id", reservationID).Warn("confirm on released reservation ignored")
		}
		return false, nil
	}

	now := store.Now()
	res := tx.Model(&store.Reservation{}).
		Where("id = ? AND status = ?", reservationID, store.ReservationReserved).
		Updates(map[string]interface{}{
			"status":       store.ReservationConfirmed,
			"confirmed_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to confirm reservation %s: %w", reservationID, res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	record := &store.Sale{
		ReservationID:    reservation.ID,
		PaymentAttemptID: reservation.PaymentAttemptID,
		ItemID:           reservation.ItemID,
		SellerID:         sale.SellerID,
		Quantity:         reservation.Quantity,
		TxHash:           sale.TxHash,
	}
	if err := tx.Create(record).Error; err != nil {
		return false, fmt.Errorf("failed to record sale for reservation %s: %w", reservationID, err)
	}
	return true, nil
}

// Release moves a reservation from reserved to released and restores its
// stock. Returns false without error when the reservation was not reserved.
func (m *Manager) Release(tx *gorm.DB, reservationID string) (bool, error) {
	reservation, err := m.lock(tx, reservationID)
	if err != nil {
		return false, err
	}
	if reservation.Status != store.ReservationReserved {
		return false, nil
	}

	now := store.Now()
	res := tx.Model(&store.Reservation{}).
		Where("id = ? AND status = ?", reservationID, store.ReservationReserved).
		Updates(map[string]interface{}{
			"status":      store.ReservationReleased,
			"released_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to release reservation %s: %w", reservationID, res.Error)
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	if err := tx.Model(&store.InventoryItem{}).
		Where("id = ?", reservation.ItemID).
		Update("stock", gorm.Expr("stock + ?", reservation.Quantity)).Error; err != nil {
		return false, fmt.Errorf("failed to restore stock for %s: %w", reservation.ItemID, err)
	}
	return true, nil
}

// ConfirmAll confirms every reservation of an attempt and returns how many
// changed state
func (m *Manager) ConfirmAll(tx *gorm.DB, attemptID string, sale SaleContext) (int, error) {
	ids, err := m.attemptReservationIDs(tx, attemptID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := m.Confirm(tx, id, sale)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ReleaseAll releases every reservation of an attempt and returns how many
// changed state
func (m *Manager) ReleaseAll(tx *gorm.DB, attemptID string) (int, error) {
	ids, err := m.attemptReservationIDs(tx, attemptID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := m.Release(tx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ForAttempt returns an attempt's reservations, locked, in id order
func (m *Manager) ForAttempt(tx *gorm.DB, attemptID string) ([]store.Reservation, error) {
	var reservations []store.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_attempt_id = ?", attemptID).
		Order("id ASC").
		Find(&reservations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations for attempt %s: %w", attemptID, err)
	}
	return reservations, nil
}

func (m *Manager) attemptReservationIDs(tx *gorm.DB, attemptID string) ([]string, error) {
	var ids []string
	err := tx.Model(&store.Reservation{}).
		Where("payment_attempt_id = ?", attemptID).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations for attempt %s: %w", attemptID, err)
	}
	return ids, nil
}

func (m *Manager) lock(tx *gorm.DB, reservationID string) (*store.Reservation, error) {
	var reservation store.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&reservation, "id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation %s: %w", reservationID, err)
	}
	return &reservation, nil
}

// mergeLineItems sums duplicate items and sorts by item id
func mergeLineItems(items []LineItem) ([]LineItem, error) {
	totals := make(map[string]int, len(items))
	for _, li := range items {
		if li.ItemID == "" {
			return nil, fmt.Errorf("%w: empty item id", ErrItemNotFound)
		}
		if li.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %s", ErrInvalidQuantity, li.ItemID)
		}
		totals[li.ItemID] += li.Quantity
	}

	merged := make([]LineItem, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, LineItem{ItemID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ItemID < merged[j].ItemID })
	return merged, nil
}
