package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/hexline-labs/couponpool-backend/pkg/enums"
)

// WithdrawalAttempt is the durable record of one on-chain withdrawal,
// keyed by the caller's idempotency key so retries map onto the same
// logical attempt. The unique index makes the claim race-free.
type WithdrawalAttempt struct {
	ID             uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	IdempotencyKey string                 `gorm:"column:idempotency_key;not null;uniqueIndex:idx_withdrawal_attempts_key"`
	CouponID       string                 `gorm:"column:coupon_id;not null;index:idx_withdrawal_attempts_coupon"`
	OwnerWallet    string                 `gorm:"column:owner_wallet;not null"`
	AmountCents    int64                  `gorm:"column:amount_cents;not null"`
	Recipient      string                 `gorm:"column:recipient;not null"`
	Status         enums.WithdrawalStatus `gorm:"column:status;type:withdrawal_status_enum;not null"`
	SettlementRef  *string                `gorm:"column:settlement_ref"`
	FailureReason  *string                `gorm:"column:failure_reason"`
	CreatedAt      time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}
