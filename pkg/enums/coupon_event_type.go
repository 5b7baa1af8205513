package enums

import "fmt"

// CouponEventType maps to the coupon_event_type_enum enum in Postgres.
type CouponEventType string

const (
	CouponEventTypeCreate   CouponEventType = "create"
	CouponEventTypeDeposit  CouponEventType = "deposit"
	CouponEventTypeWithdraw CouponEventType = "withdraw"
	CouponEventTypePay      CouponEventType = "pay"
)

var validCouponEventTypes = []CouponEventType{
	CouponEventTypeCreate,
	CouponEventTypeDeposit,
	CouponEventTypeWithdraw,
	CouponEventTypePay,
}

// IsValid reports whether the value matches the canonical event type enum.
func (t CouponEventType) IsValid() bool {
	for _, candidate := range validCouponEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// Sign returns the direction in which the event moves the coupon balance.
func (t CouponEventType) Sign() int64 {
	switch t {
	case CouponEventTypeWithdraw, CouponEventTypePay:
		return -1
	default:
		return 1
	}
}

// ParseCouponEventType converts raw input into CouponEventType.
func ParseCouponEventType(value string) (CouponEventType, error) {
	for _, candidate := range validCouponEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid coupon event type %q", value)
}
