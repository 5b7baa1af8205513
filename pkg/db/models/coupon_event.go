package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/hexline-labs/couponpool-backend/pkg/enums"
)

// CouponEvent records an immutable balance-affecting action against a coupon.
// Rows are append-only: nothing in the repository updates or deletes them.
type CouponEvent struct {
	ID            uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CouponID      string                `gorm:"column:coupon_id;not null;index:idx_coupon_events_coupon"`
	OwnerWallet   string                `gorm:"column:owner_wallet;not null"`
	Type          enums.CouponEventType `gorm:"column:type;type:coupon_event_type_enum;not null"`
	AmountCents   int64                 `gorm:"column:amount_cents;not null"`
	ToAddress     string                `gorm:"column:to_address;not null"`
	Note          *string               `gorm:"column:note"`
	SettlementRef *string               `gorm:"column:settlement_ref"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime"`
}

// SignedAmountCents is the event's contribution to the coupon balance.
func (e CouponEvent) SignedAmountCents() int64 {
	return e.Type.Sign() * e.AmountCents
}
