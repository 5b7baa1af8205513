package models

import (
	"time"
)

// Coupon is a wallet-owned prepaid value container. Amounts are integer
// minimum units; the balance is only ever mutated by ledger operations.
type Coupon struct {
	ID             string     `gorm:"column:id;primaryKey"`
	OwnerWallet    string     `gorm:"column:owner_wallet;not null;index:idx_coupons_owner"`
	Label          string     `gorm:"column:label;not null"`
	InitialCents   int64      `gorm:"column:initial_cents;not null"`
	RemainingCents int64      `gorm:"column:remaining_cents;not null"`
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
	PoolAddress    string     `gorm:"column:pool_address;not null"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
}
