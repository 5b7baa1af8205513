package settlement

import (
	"context"
	"errors"
	"fmt"
)

// TransferStatus reports what the settlement network knows about a reference.
type TransferStatus string

const (
	// StatusConfirmed means the transfer landed and is final.
	StatusConfirmed TransferStatus = "confirmed"
	// StatusPending means the transfer was seen but is not final yet.
	StatusPending TransferStatus = "pending"
	// StatusUnknown means the network has no record of the reference.
	StatusUnknown TransferStatus = "unknown"
)

// TransferRequest asks the gateway to move value from the configured pool
// account to a destination address.
type TransferRequest struct {
	Destination string
	AmountCents int64
	// Memo correlates the transfer with the withdrawal attempt that caused it.
	Memo string
}

// TransferReceipt is returned once a transfer is confirmed on the network.
type TransferReceipt struct {
	Reference string
}

// Gateway is the capability the withdrawal reconciler depends on. A transfer
// either returns a confirmed receipt, a SubmissionError (definitely not
// executed), or an AmbiguousError (outcome unknown, must be reconciled via
// StatusByReference before any retry).
type Gateway interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
	StatusByReference(ctx context.Context, ref string) (TransferStatus, error)
}

// SubmissionError marks a failure that happened before the network recorded
// any transfer. Retrying is safe.
type SubmissionError struct {
	Reason string
	Cause  error
}

func (e *SubmissionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("settlement submission rejected: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("settlement submission rejected: %s", e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// AmbiguousError marks an outcome the gateway cannot vouch for: the transfer
// may or may not have executed. Retrying blindly risks a double spend.
type AmbiguousError struct {
	Reason string
	Cause  error
}

func (e *AmbiguousError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("settlement outcome ambiguous: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("settlement outcome ambiguous: %s", e.Reason)
}

func (e *AmbiguousError) Unwrap() error { return e.Cause }

// IsSubmissionError reports whether err is a definite pre-commit rejection.
func IsSubmissionError(err error) bool {
	var target *SubmissionError
	return errors.As(err, &target)
}

// IsAmbiguous reports whether err leaves the transfer outcome unknown.
func IsAmbiguous(err error) bool {
	var target *AmbiguousError
	return errors.As(err, &target)
}
