package coupons

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hexline-labs/couponpool-backend/pkg/db/models"
)

func setupCouponsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	coupons := `
CREATE TABLE IF NOT EXISTS coupons (
  id TEXT PRIMARY KEY,
  owner_wallet TEXT NOT NULL,
  label TEXT NOT NULL,
  initial_cents INTEGER NOT NULL CHECK (initial_cents > 0),
  remaining_cents INTEGER NOT NULL CHECK (remaining_cents >= 0),
  expires_at DATETIME,
  pool_address TEXT NOT NULL,
  created_at DATETIME
);`
	events := `
CREATE TABLE IF NOT EXISTS coupon_events (
  id TEXT PRIMARY KEY,
  coupon_id TEXT NOT NULL,
  owner_wallet TEXT NOT NULL,
  type TEXT NOT NULL,
  amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
  to_address TEXT NOT NULL,
  note TEXT,
  settlement_ref TEXT,
  created_at DATETIME
);`
	require.NoError(t, db.Exec(coupons).Error)
	require.NoError(t, db.Exec(events).Error)
	return db
}

func testCouponID(t *testing.T) string {
	t.Helper()

	buf := make([]byte, 4)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return "cpn_" + hex.EncodeToString(buf)
}

func newCoupon(t *testing.T, db *gorm.DB, owner string, remaining int64) *models.Coupon {
	t.Helper()

	coupon := &models.Coupon{
		ID:             testCouponID(t),
		OwnerWallet:    owner,
		Label:          "Test Coupon",
		InitialCents:   remaining,
		RemainingCents: remaining,
		PoolAddress:    "pool_test_addr",
	}
	require.NoError(t, db.Create(coupon).Error)
	return coupon
}

func TestRepositoryFindByIDAndOwner_wrongOwner(t *testing.T) {
	db := setupCouponsTestDB(t)
	repo := NewRepository(db)

	coupon := newCoupon(t, db, "wallet_one", 500)

	found, err := repo.FindByIDAndOwner(context.Background(), coupon.ID, "wallet_one")
	require.NoError(t, err)
	assert.Equal(t, coupon.ID, found.ID)

	_, err = repo.FindByIDAndOwner(context.Background(), coupon.ID, "wallet_two")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRepositoryCredit(t *testing.T) {
	db := setupCouponsTestDB(t)
	repo := NewRepository(db)

	coupon := newCoupon(t, db, "wallet_credit", 500)

	change, err := repo.Credit(context.Background(), coupon.ID, coupon.OwnerWallet, 300)
	require.NoError(t, err)
	assert.Equal(t, BalanceChangeApplied, change)

	found, err := repo.FindByIDAndOwner(context.Background(), coupon.ID, coupon.OwnerWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(800), found.RemainingCents)

	change, err = repo.Credit(context.Background(), "cpn_missing", coupon.OwnerWallet, 300)
	require.NoError(t, err)
	assert.Equal(t, BalanceChangeNotFound, change)
}

func TestRepositoryDebit(t *testing.T) {
	db := setupCouponsTestDB(t)
	repo := NewRepository(db)

	coupon := newCoupon(t, db, "wallet_debit", 1000)

	change, err := repo.Debit(context.Background(), coupon.ID, coupon.OwnerWallet, 400)
	require.NoError(t, err)
	assert.Equal(t, BalanceChangeApplied, change)

	change, err = repo.Debit(context.Background(), coupon.ID, coupon.OwnerWallet, 700)
	require.NoError(t, err)
	assert.Equal(t, BalanceChangeInsufficient, change)

	change, err = repo.Debit(context.Background(), coupon.ID, "other_wallet", 100)
	require.NoError(t, err)
	assert.Equal(t, BalanceChangeNotFound, change)

	found, err := repo.FindByIDAndOwner(context.Background(), coupon.ID, coupon.OwnerWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(600), found.RemainingCents)
}

func TestRepositoryDebit_concurrentWithdrawals(t *testing.T) {
	db := setupCouponsTestDB(t)
	repo := NewRepository(db)

	coupon := newCoupon(t, db, "wallet_race", 10)

	results := make([]BalanceChange, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = repo.Debit(context.Background(), coupon.ID, coupon.OwnerWallet, 6)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	applied := 0
	insufficient := 0
	for _, change := range results {
		switch change {
		case BalanceChangeApplied:
			applied++
		case BalanceChangeInsufficient:
			insufficient++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, insufficient)

	found, err := repo.FindByIDAndOwner(context.Background(), coupon.ID, coupon.OwnerWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(4), found.RemainingCents)
}

func TestRepositoryListByOwner(t *testing.T) {
	db := setupCouponsTestDB(t)
	repo := NewRepository(db)

	owner := "wallet_list_" + testCouponID(t)
	first := newCoupon(t, db, owner, 100)
	second := newCoupon(t, db, owner, 200)
	newCoupon(t, db, "someone_else", 300)

	coupons, err := repo.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, coupons, 2)

	ids := []string{coupons[0].ID, coupons[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
}
