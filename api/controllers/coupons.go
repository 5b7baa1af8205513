package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexline-labs/couponpool-backend/api/responses"
	"github.com/hexline-labs/couponpool-backend/api/validators"
	"github.com/hexline-labs/couponpool-backend/internal/coupons"
	"github.com/hexline-labs/couponpool-backend/internal/withdrawals"
	"github.com/hexline-labs/couponpool-backend/pkg/db/models"
	pkgerrors "github.com/hexline-labs/couponpool-backend/pkg/errors"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
	"github.com/hexline-labs/couponpool-backend/pkg/types"
)

type createCouponPayload struct {
	Wallet string       `json:"wallet" validate:"required"`
	Label  string       `json:"label" validate:"required,max=120"`
	Amount types.Amount `json:"amount" validate:"required"`
	Expiry *time.Time   `json:"expiry,omitempty"`
}

type depositPayload struct {
	Wallet string       `json:"wallet" validate:"required"`
	Amount types.Amount `json:"amount" validate:"required"`
}

type withdrawPayload struct {
	Wallet    string       `json:"wallet" validate:"required"`
	Amount    types.Amount `json:"amount" validate:"required"`
	Recipient string       `json:"recipient" validate:"required"`
}

type couponView struct {
	ID              string     `json:"id"`
	OwnerWallet     string     `json:"owner_wallet"`
	Label           string     `json:"label"`
	InitialAmount   string     `json:"initial_amount"`
	RemainingAmount string     `json:"remaining_amount"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	PoolAddress     string     `json:"pool_address"`
	CreatedAt       time.Time  `json:"created_at"`
}

type eventView struct {
	ID            string    `json:"id"`
	CouponID      string    `json:"coupon_id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	ToAddress     string    `json:"to_address"`
	Note          *string   `json:"note,omitempty"`
	SettlementRef *string   `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type mutationView struct {
	Coupon couponView `json:"coupon"`
	Event  *eventView `json:"event,omitempty"`
}

type couponHistoryView struct {
	Coupon couponView  `json:"coupon"`
	Events []eventView `json:"events"`
}

// amountCents converts a wire amount, surfacing conversion failures as
// validation errors rather than opaque internals.
func amountCents(amount types.Amount) (int64, error) {
	cents, err := amount.Cents()
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}
	return cents, nil
}

func newCouponView(coupon *models.Coupon) couponView {
	return couponView{
		ID:              coupon.ID,
		OwnerWallet:     coupon.OwnerWallet,
		Label:           coupon.Label,
		InitialAmount:   types.CentsToDecimalString(coupon.InitialCents),
		RemainingAmount: types.CentsToDecimalString(coupon.RemainingCents),
		ExpiresAt:       coupon.ExpiresAt,
		PoolAddress:     coupon.PoolAddress,
		CreatedAt:       coupon.CreatedAt,
	}
}

func newEventView(event *models.CouponEvent) eventView {
	return eventView{
		ID:            event.ID.String(),
		CouponID:      event.CouponID,
		Type:          string(event.Type),
		Amount:        types.CentsToDecimalString(event.AmountCents),
		ToAddress:     event.ToAddress,
		Note:          event.Note,
		SettlementRef: event.SettlementRef,
		CreatedAt:     event.CreatedAt,
	}
}

func newMutationView(result *coupons.MutationResult) mutationView {
	view := mutationView{Coupon: newCouponView(result.Coupon)}
	if result.Event != nil {
		event := newEventView(result.Event)
		view.Event = &event
	}
	return view
}

func newHistoryView(entry *coupons.CouponWithHistory) couponHistoryView {
	events := make([]eventView, 0, len(entry.Events))
	for i := range entry.Events {
		events = append(events, newEventView(&entry.Events[i]))
	}
	return couponHistoryView{Coupon: newCouponView(&entry.Coupon), Events: events}
}

// CouponCreate mints a coupon and its create event.
func CouponCreate(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var payload createCouponPayload
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		amountCents, err := amountCents(payload.Amount)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Create(ctx, coupons.CreateCouponInput{
			OwnerWallet: payload.Wallet,
			Label:       payload.Label,
			AmountCents: amountCents,
			ExpiresAt:   payload.Expiry,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newMutationView(result))
	}
}

// CouponDeposit adds value to an existing coupon.
func CouponDeposit(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var payload depositPayload
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		amountCents, err := amountCents(payload.Amount)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Deposit(ctx, coupons.DepositInput{
			CouponID:    chi.URLParam(r, "id"),
			OwnerWallet: payload.Wallet,
			AmountCents: amountCents,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, newMutationView(result))
	}
}

// CouponWithdraw is the off-chain variant: value leaves the ledger with
// no settlement transfer behind it.
func CouponWithdraw(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var payload withdrawPayload
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		amountCents, err := amountCents(payload.Amount)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Withdraw(ctx, coupons.WithdrawInput{
			CouponID:    chi.URLParam(r, "id"),
			OwnerWallet: payload.Wallet,
			AmountCents: amountCents,
			Recipient:   payload.Recipient,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, newMutationView(result))
	}
}

// CouponWithdrawOnchain backs the withdrawal with a settlement transfer.
// The Idempotency-Key header keys the attempt: retries with the same
// key resolve to the same transfer instead of submitting a second one.
func CouponWithdrawOnchain(reconciler *withdrawals.Reconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if idempotencyKey == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
			return
		}

		var payload withdrawPayload
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		amountCents, err := amountCents(payload.Amount)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		outcome, err := reconciler.WithdrawOnchain(ctx, withdrawals.WithdrawOnchainInput{
			CouponID:       chi.URLParam(r, "id"),
			OwnerWallet:    payload.Wallet,
			AmountCents:    amountCents,
			Recipient:      payload.Recipient,
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		view := newMutationView(&coupons.MutationResult{Coupon: outcome.Coupon, Event: outcome.Event})
		responses.WriteSuccess(w, view)
	}
}

// CouponList returns every coupon a wallet owns, each with its history.
func CouponList(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		wallet, err := validators.RequireQueryWallet(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		entries, err := svc.ListByOwner(ctx, wallet)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		views := make([]couponHistoryView, 0, len(entries))
		for i := range entries {
			views = append(views, newHistoryView(&entries[i]))
		}
		responses.WriteSuccess(w, views)
	}
}

// CouponHistory returns one coupon plus its ordered events.
func CouponHistory(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		wallet, err := validators.RequireQueryWallet(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		entry, err := svc.History(ctx, chi.URLParam(r, "id"), wallet)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, newHistoryView(entry))
	}
}
