package validators

import (
	"net/http"
	"strings"

	pkgerrors "github.com/hexline-labs/couponpool-backend/pkg/errors"
)

// RequireQueryWallet pulls the owning wallet out of the query string.
// Every read endpoint scopes by wallet, so a missing value is a
// validation failure rather than an empty result.
func RequireQueryWallet(r *http.Request) (string, error) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "wallet query parameter required").
			WithDetails(map[string]any{"field": "wallet"})
	}
	return wallet, nil
}
