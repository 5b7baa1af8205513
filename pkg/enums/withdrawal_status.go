package enums

import "fmt"

// WithdrawalStatus maps to the withdrawal_status_enum enum in Postgres.
// It tracks an on-chain withdrawal attempt through its lifecycle.
type WithdrawalStatus string

const (
	WithdrawalStatusRequested     WithdrawalStatus = "requested"
	WithdrawalStatusSubmitted     WithdrawalStatus = "submitted"
	WithdrawalStatusCommitted     WithdrawalStatus = "committed"
	WithdrawalStatusFailed        WithdrawalStatus = "failed"
	WithdrawalStatusPendingReview WithdrawalStatus = "pending_review"
)

var validWithdrawalStatuses = []WithdrawalStatus{
	WithdrawalStatusRequested,
	WithdrawalStatusSubmitted,
	WithdrawalStatusCommitted,
	WithdrawalStatusFailed,
	WithdrawalStatusPendingReview,
}

// IsValid reports whether the value matches the canonical withdrawal status enum.
func (s WithdrawalStatus) IsValid() bool {
	for _, candidate := range validWithdrawalStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the attempt reached a final outcome.
// pending_review is not terminal: it awaits reconciliation against the gateway.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusCommitted || s == WithdrawalStatusFailed
}

// ParseWithdrawalStatus converts raw input into WithdrawalStatus.
func ParseWithdrawalStatus(value string) (WithdrawalStatus, error) {
	for _, candidate := range validWithdrawalStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid withdrawal status %q", value)
}
