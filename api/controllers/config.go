package controllers

import (
	"net/http"

	"github.com/hexline-labs/couponpool-backend/api/responses"
	"github.com/hexline-labs/couponpool-backend/pkg/config"
)

// ConfigPublic exposes the non-secret settlement settings clients need
// to render deposit instructions.
func ConfigPublic(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{
			"pool_address":    cfg.Settlement.PoolAddress,
			"settlement_mode": cfg.Settlement.NormalizedMode(),
		})
	}
}
