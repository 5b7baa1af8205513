package settlement

import "context"

// Disabled is the gateway used by deployments without settlement network
// access. Transfers are rejected before submission, which keeps the on-chain
// withdrawal route wired but cleanly unavailable.
type Disabled struct{}

// NewDisabled returns the no-op gateway.
func NewDisabled() *Disabled {
	return &Disabled{}
}

func (d *Disabled) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	return nil, &SubmissionError{Reason: "settlement is disabled for this deployment"}
}

func (d *Disabled) StatusByReference(ctx context.Context, ref string) (TransferStatus, error) {
	return StatusUnknown, nil
}
