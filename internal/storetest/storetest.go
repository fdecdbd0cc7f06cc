// Package storetest provides a migrated in-memory database for package tests.
package storetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/x402-foundation/x402-commerce/internal/store"
)

// New opens a private in-memory sqlite database with the full schema.
//
// The pool is limited to one connection, so concurrent transactions are
// serialized. Row locking clauses are dropped by the sqlite dialect; the
// conditional updates that coordinate workers behave as they do on Postgres.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), store.GormConfig())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := store.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// SeedItem inserts an inventory item with the given stock and unit price
func SeedItem(t testing.TB, db *gorm.DB, sellerID string, stock int, unitPrice string) *store.InventoryItem {
	t.Helper()

	item := &store.InventoryItem{
		SellerID:  sellerID,
		Name:      "item-" + uuid.NewString()[:8],
		Stock:     stock,
		UnitPrice: unitPrice,
	}
	if err := db.Create(item).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	return item
}

// Stock reads the current stock of an item
func Stock(t testing.TB, db *gorm.DB, itemID string) int {
	t.Helper()

	var item store.InventoryItem
	if err := db.First(&item, "id = ?", itemID).Error; err != nil {
		t.Fatalf("failed to load item %s: %v", itemID, err)
	}
	return item.Stock
}

// Count returns the number of rows of model matching the optional condition
func Count(t testing.TB, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()

	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	return n
}

// SeedAttempt inserts a pending attempt for seller that expires at expiresAt
func SeedAttempt(t testing.TB, db *gorm.DB, sellerID string, expiresAt time.Time) *store.PaymentAttempt {
	t.Helper()

	attempt := &store.PaymentAttempt{
		SellerID:  sellerID,
		Amount:    "1000000",
		Asset:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Network:   "eip155:84532",
		Scheme:    "exact",
		PayTo:     "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Status:    store.AttemptPending,
		ExpiresAt: expiresAt.UTC(),
	}
	if err := db.Create(attempt).Error; err != nil {
		t.Fatalf("failed to seed attempt: %v", err)
	}
	return attempt
}
