package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hexline-labs/couponpool-backend/internal/coupons"
	"github.com/hexline-labs/couponpool-backend/internal/ledger"
	"github.com/hexline-labs/couponpool-backend/pkg/db"
	"github.com/hexline-labs/couponpool-backend/pkg/db/models"
	"github.com/hexline-labs/couponpool-backend/pkg/enums"
	pkgerrors "github.com/hexline-labs/couponpool-backend/pkg/errors"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
	"github.com/hexline-labs/couponpool-backend/pkg/metrics"
	"github.com/hexline-labs/couponpool-backend/pkg/settlement"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Reconciler owns on-chain withdrawals end to end. The local debit is
// only committed once the settlement network confirms the transfer, and
// the debit, the withdraw event, and the attempt status change land in
// a single transaction.
type Reconciler struct {
	coupons  coupons.Service
	attempts Repository
	events   ledger.Repository
	gateway  settlement.Gateway
	tx       txRunner
	logg     *logger.Logger
	metrics  *metrics.WithdrawalMetrics
}

// WithdrawOnchainInput identifies one logical withdrawal attempt. The
// idempotency key makes retries map onto the same attempt row.
type WithdrawOnchainInput struct {
	CouponID       string
	OwnerWallet    string
	AmountCents    int64
	Recipient      string
	IdempotencyKey string
}

// Outcome is the result of a committed on-chain withdrawal. Coupon and
// Event are only set once the attempt reached the committed state.
type Outcome struct {
	Attempt *models.WithdrawalAttempt
	Coupon  *models.Coupon
	Event   *models.CouponEvent
}

// NewReconciler wires a withdrawal reconciler with the required dependencies.
func NewReconciler(
	couponSvc coupons.Service,
	attempts Repository,
	events ledger.Repository,
	gateway settlement.Gateway,
	tx txRunner,
	logg *logger.Logger,
	withdrawalMetrics *metrics.WithdrawalMetrics,
) (*Reconciler, error) {
	if couponSvc == nil {
		return nil, fmt.Errorf("coupon service required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("withdrawal attempt repository required")
	}
	if events == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("settlement gateway required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Reconciler{
		coupons:  couponSvc,
		attempts: attempts,
		events:   events,
		gateway:  gateway,
		tx:       tx,
		logg:     logg,
		metrics:  withdrawalMetrics,
	}, nil
}

// WithdrawOnchain drives one withdrawal attempt to a terminal state or
// parks it for review. Once the transfer has been handed to the gateway
// the operation keeps running on a detached context, so a caller
// disconnect cannot strand a submitted transfer mid-flight.
func (r *Reconciler) WithdrawOnchain(ctx context.Context, input WithdrawOnchainInput) (*Outcome, error) {
	if input.CouponID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon id required")
	}
	if input.OwnerWallet == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner wallet required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if input.Recipient == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient required")
	}
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key required")
	}

	ctx = r.logg.WithCouponID(r.logg.WithWallet(ctx, input.OwnerWallet), input.CouponID)

	// A reused key resolves against its stored attempt before any
	// balance check: a committed attempt replays its outcome even when
	// the balance as it stands now would no longer cover the amount.
	if existing, err := r.attempts.FindByKey(ctx, input.IdempotencyKey); err == nil {
		return r.resolveExisting(ctx, input, existing)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load withdrawal attempt")
	}

	// Fresh key: validate the coupon and its balance before claiming it.
	coupon, err := r.coupons.FindByIDAndOwner(ctx, input.CouponID, input.OwnerWallet)
	if err != nil {
		return nil, err
	}
	if coupon.RemainingCents < input.AmountCents {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientBalance, "coupon balance does not cover amount")
	}

	attempt := &models.WithdrawalAttempt{
		IdempotencyKey: input.IdempotencyKey,
		CouponID:       input.CouponID,
		OwnerWallet:    input.OwnerWallet,
		AmountCents:    input.AmountCents,
		Recipient:      input.Recipient,
		Status:         enums.WithdrawalStatusRequested,
	}
	if err := r.attempts.Create(ctx, attempt); err != nil {
		if db.IsUniqueViolation(err) {
			// Lost the claim race to a concurrent caller.
			return r.resumeExisting(ctx, input)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record withdrawal attempt")
	}

	return r.submit(ctx, attempt)
}

// resumeExisting loads the attempt that already owns the key and
// resolves it. It covers the claim race where another caller inserted
// the row between the lookup and our insert.
func (r *Reconciler) resumeExisting(ctx context.Context, input WithdrawOnchainInput) (*Outcome, error) {
	attempt, err := r.attempts.FindByKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load withdrawal attempt")
	}
	return r.resolveExisting(ctx, input, attempt)
}

// resolveExisting handles a retried idempotency key. The stored attempt
// decides the response: committed attempts replay their result, failed
// attempts replay their failure, in-flight attempts refuse to race, and
// parked attempts get reconciled against the settlement network.
func (r *Reconciler) resolveExisting(ctx context.Context, input WithdrawOnchainInput, attempt *models.WithdrawalAttempt) (*Outcome, error) {
	if attempt.CouponID != input.CouponID || attempt.OwnerWallet != input.OwnerWallet ||
		attempt.AmountCents != input.AmountCents || attempt.Recipient != input.Recipient {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key was used for a different request")
	}

	switch attempt.Status {
	case enums.WithdrawalStatusCommitted:
		return r.replayCommitted(ctx, attempt)
	case enums.WithdrawalStatusFailed:
		reason := "settlement rejected the transfer"
		if attempt.FailureReason != nil {
			reason = *attempt.FailureReason
		}
		return nil, pkgerrors.New(pkgerrors.CodeSettlementRejected, reason)
	case enums.WithdrawalStatusPendingReview:
		return r.reconcileParked(ctx, attempt)
	default:
		// Requested or submitted: another caller still owns this attempt.
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "withdrawal attempt is still in progress")
	}
}

func (r *Reconciler) replayCommitted(ctx context.Context, attempt *models.WithdrawalAttempt) (*Outcome, error) {
	coupon, err := r.coupons.FindByIDAndOwner(ctx, attempt.CouponID, attempt.OwnerWallet)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Attempt: attempt, Coupon: coupon}
	if attempt.SettlementRef != nil {
		event, err := r.events.FindBySettlementRef(ctx, *attempt.SettlementRef)
		if err == nil {
			outcome.Event = event
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load withdraw event")
		}
	}
	return outcome, nil
}

// reconcileParked resolves a pending_review attempt by asking the
// network what actually happened, never by resubmitting the transfer.
func (r *Reconciler) reconcileParked(ctx context.Context, attempt *models.WithdrawalAttempt) (*Outcome, error) {
	if attempt.SettlementRef == nil || *attempt.SettlementRef == "" {
		// No reference survived the original failure; the transfer
		// cannot be located and a human has to look at pool activity.
		return nil, pkgerrors.New(pkgerrors.CodeSettlementAmbiguous,
			"withdrawal is parked for review and has no settlement reference to reconcile against")
	}

	status, err := r.gateway.StatusByReference(ctx, *attempt.SettlementRef)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query settlement status")
	}

	switch status {
	case settlement.StatusConfirmed:
		r.logg.Info(ctx, "parked withdrawal confirmed by settlement network, committing")
		return r.commit(ctx, attempt, *attempt.SettlementRef)
	case settlement.StatusPending:
		return nil, pkgerrors.New(pkgerrors.CodeSettlementAmbiguous, "settlement transfer is still pending confirmation")
	default:
		// The network has no record of the reference. The transfer
		// never landed, so the attempt can be failed and retried
		// safely under a fresh key.
		if err := r.attempts.MarkFailed(ctx, attempt.ID, "settlement network has no record of the transfer"); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark attempt failed")
		}
		r.countOutcome(enums.WithdrawalStatusFailed)
		return nil, pkgerrors.New(pkgerrors.CodeSettlementRejected, "settlement network has no record of the transfer")
	}
}

func (r *Reconciler) submit(ctx context.Context, attempt *models.WithdrawalAttempt) (*Outcome, error) {
	if err := r.attempts.MarkSubmitted(ctx, attempt.ID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark attempt submitted")
	}
	attempt.Status = enums.WithdrawalStatusSubmitted

	// From here on the attempt must reach a durable state even if the
	// caller goes away, so the transfer and everything after it run on
	// a context detached from the request's cancellation.
	detached := context.WithoutCancel(ctx)

	start := time.Now()
	receipt, err := r.gateway.Transfer(detached, settlement.TransferRequest{
		Destination: attempt.Recipient,
		AmountCents: attempt.AmountCents,
		Memo:        attempt.IdempotencyKey,
	})
	if r.metrics != nil {
		r.metrics.ObserveSettlementDuration("node", time.Since(start))
	}

	if err != nil {
		if settlement.IsSubmissionError(err) {
			r.logg.Warn(ctx, "settlement rejected withdrawal transfer")
			if markErr := r.attempts.MarkFailed(detached, attempt.ID, err.Error()); markErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, markErr, "mark attempt failed")
			}
			r.countOutcome(enums.WithdrawalStatusFailed)
			return nil, pkgerrors.Wrap(pkgerrors.CodeSettlementRejected, err, "settlement rejected the transfer")
		}

		// Anything else leaves the outcome unknown. Park the attempt
		// with whatever reference we have and refuse to guess.
		r.logg.Error(ctx, "settlement outcome unknown, parking withdrawal for review", err)
		if markErr := r.attempts.MarkPendingReview(detached, attempt.ID, nil, err.Error()); markErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, markErr, "park attempt for review")
		}
		r.countOutcome(enums.WithdrawalStatusPendingReview)
		return nil, pkgerrors.Wrap(pkgerrors.CodeSettlementAmbiguous, err, "settlement outcome unknown")
	}

	return r.commit(detached, attempt, receipt.Reference)
}

// commit finalizes a confirmed transfer: the balance decrement, the
// withdraw event carrying the settlement reference, and the attempt's
// committed status are one transaction.
func (r *Reconciler) commit(ctx context.Context, attempt *models.WithdrawalAttempt, settlementRef string) (*Outcome, error) {
	event := &models.CouponEvent{
		CouponID:      attempt.CouponID,
		OwnerWallet:   attempt.OwnerWallet,
		Type:          enums.CouponEventTypeWithdraw,
		AmountCents:   attempt.AmountCents,
		ToAddress:     attempt.Recipient,
		SettlementRef: &settlementRef,
	}

	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := r.coupons.Debit(ctx, tx, attempt.CouponID, attempt.OwnerWallet, attempt.AmountCents); err != nil {
			return err
		}
		if err := r.coupons.AppendEvent(ctx, tx, event); err != nil {
			return err
		}
		return r.attempts.WithTx(tx).MarkCommitted(ctx, attempt.ID, settlementRef)
	})
	if err != nil {
		// The transfer happened but the local commit did not. Park the
		// attempt so the reference is not lost; a later retry with the
		// same key reconciles and commits.
		r.logg.Error(ctx, "transfer confirmed but local commit failed, parking withdrawal for review", err)
		if markErr := r.attempts.MarkPendingReview(ctx, attempt.ID, &settlementRef, err.Error()); markErr != nil {
			r.logg.Error(ctx, "failed to park withdrawal attempt", markErr)
		}
		r.countOutcome(enums.WithdrawalStatusPendingReview)
		return nil, pkgerrors.Wrap(pkgerrors.CodeSettlementAmbiguous, err, "transfer confirmed but local commit failed")
	}

	attempt.Status = enums.WithdrawalStatusCommitted
	attempt.SettlementRef = &settlementRef
	r.countOutcome(enums.WithdrawalStatusCommitted)

	coupon, err := r.coupons.FindByIDAndOwner(ctx, attempt.CouponID, attempt.OwnerWallet)
	if err != nil {
		return nil, err
	}
	return &Outcome{Attempt: attempt, Coupon: coupon, Event: event}, nil
}

func (r *Reconciler) countOutcome(status enums.WithdrawalStatus) {
	if r.metrics != nil {
		r.metrics.IncOutcome(string(status))
	}
}
