package controllers

import (
	"net/http"

	"github.com/hexline-labs/couponpool-backend/api/responses"
	"github.com/hexline-labs/couponpool-backend/api/validators"
	"github.com/hexline-labs/couponpool-backend/internal/coupons"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
	"github.com/hexline-labs/couponpool-backend/pkg/types"
)

type payPayload struct {
	Wallet   string       `json:"wallet" validate:"required"`
	CouponID string       `json:"coupon_id" validate:"required"`
	Amount   types.Amount `json:"amount" validate:"required"`
	Merchant string       `json:"merchant" validate:"required"`
	Note     *string      `json:"note,omitempty" validate:"omitempty,max=500"`
}

// Pay spends coupon value at a merchant.
func Pay(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var payload payPayload
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		amountCents, err := amountCents(payload.Amount)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Pay(ctx, coupons.PayInput{
			CouponID:    payload.CouponID,
			OwnerWallet: payload.Wallet,
			AmountCents: amountCents,
			Merchant:    payload.Merchant,
			Note:        payload.Note,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, newMutationView(result))
	}
}
