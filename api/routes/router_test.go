package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hexline-labs/couponpool-backend/internal/coupons"
	"github.com/hexline-labs/couponpool-backend/internal/ledger"
	"github.com/hexline-labs/couponpool-backend/internal/withdrawals"
	"github.com/hexline-labs/couponpool-backend/pkg/config"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
	"github.com/hexline-labs/couponpool-backend/pkg/settlement"
)

type fakeStore struct {
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", goredis.Nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

type scriptedGateway struct {
	receipt *settlement.TransferReceipt
	err     error
}

func (g *scriptedGateway) Transfer(ctx context.Context, req settlement.TransferRequest) (*settlement.TransferReceipt, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.receipt, nil
}

func (g *scriptedGateway) StatusByReference(ctx context.Context, ref string) (settlement.TransferStatus, error) {
	return settlement.StatusUnknown, nil
}

type testTxRunner struct {
	db *gorm.DB
}

func (r testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func setupRouterTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS coupons (
  id TEXT PRIMARY KEY,
  owner_wallet TEXT NOT NULL,
  label TEXT NOT NULL,
  initial_cents INTEGER NOT NULL,
  remaining_cents INTEGER NOT NULL,
  expires_at DATETIME,
  pool_address TEXT NOT NULL,
  created_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS coupon_events (
  id TEXT PRIMARY KEY,
  coupon_id TEXT NOT NULL,
  owner_wallet TEXT NOT NULL,
  type TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  to_address TEXT NOT NULL,
  note TEXT,
  settlement_ref TEXT,
  created_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS withdrawal_attempts (
  id TEXT PRIMARY KEY,
  idempotency_key TEXT NOT NULL UNIQUE,
  coupon_id TEXT NOT NULL,
  owner_wallet TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  recipient TEXT NOT NULL,
  status TEXT NOT NULL,
  settlement_ref TEXT,
  failure_reason TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	}
	for _, stmt := range ddl {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "dev", Port: "8080"},
		Settlement: config.SettlementConfig{
			Mode:        config.SettlementModeNode,
			PoolAddress: "pool_router_addr",
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		Idempotency: config.IdempotencyConfig{
			DefaultTTL:  24 * time.Hour,
			CriticalTTL: 7 * 24 * time.Hour,
		},
	}
}

func newTestRouter(t *testing.T, gateway settlement.Gateway) http.Handler {
	t.Helper()

	db := setupRouterTestDB(t)
	runner := testTxRunner{db: db}
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})

	couponSvc, err := coupons.NewService(coupons.NewRepository(db), ledger.NewRepository(db), runner, "pool_router_addr")
	require.NoError(t, err)

	reconciler, err := withdrawals.NewReconciler(
		couponSvc,
		withdrawals.NewRepository(db),
		ledger.NewRepository(db),
		gateway,
		runner,
		logg,
		nil,
	)
	require.NoError(t, err)

	return NewRouter(RouterParams{
		Config:     testConfig(),
		Logger:     logg,
		Redis:      newFakeStore(),
		Coupons:    couponSvc,
		Reconciler: reconciler,
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	return envelope.Error.Code
}

type mutationPayload struct {
	Coupon struct {
		ID              string `json:"id"`
		OwnerWallet     string `json:"owner_wallet"`
		RemainingAmount string `json:"remaining_amount"`
		PoolAddress     string `json:"pool_address"`
	} `json:"coupon"`
	Event *struct {
		Type          string  `json:"type"`
		Amount        string  `json:"amount"`
		ToAddress     string  `json:"to_address"`
		SettlementRef *string `json:"settlement_ref"`
	} `json:"event"`
}

func TestRouterHealthAndConfig(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{})

	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/config/public", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfgView map[string]string
	decodeData(t, rec, &cfgView)
	assert.Equal(t, "pool_router_addr", cfgView["pool_address"])
	assert.Equal(t, "node", cfgView["settlement_mode"])
}

func TestRouterCouponLifecycle(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{})
	idem := map[string]string{"Idempotency-Key": "life-1"}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_life","label":"Groceries","amount":"5"}`, idem)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created mutationPayload
	decodeData(t, rec, &created)
	couponID := created.Coupon.ID
	require.NotEmpty(t, couponID)
	assert.Equal(t, "5.00", created.Coupon.RemainingAmount)
	assert.Equal(t, "create", created.Event.Type)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/coupons/"+couponID+"/deposit",
		`{"wallet":"w_life","amount":"3"}`, map[string]string{"Idempotency-Key": "life-2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/v1/coupons/"+couponID+"/withdraw",
		`{"wallet":"w_life","amount":"4","recipient":"addr_r"}`, map[string]string{"Idempotency-Key": "life-3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var withdrawn mutationPayload
	decodeData(t, rec, &withdrawn)
	assert.Equal(t, "4.00", withdrawn.Coupon.RemainingAmount)
	assert.Equal(t, "withdraw", withdrawn.Event.Type)
	assert.Equal(t, "addr_r", withdrawn.Event.ToAddress)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/coupons/"+couponID+"/history?wallet=w_life", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var history struct {
		Events []struct {
			Type   string `json:"type"`
			Amount string `json:"amount"`
		} `json:"events"`
	}
	decodeData(t, rec, &history)
	require.Len(t, history.Events, 3)
	assert.Equal(t, "create", history.Events[0].Type)
	assert.Equal(t, "deposit", history.Events[1].Type)
	assert.Equal(t, "withdraw", history.Events[2].Type)
}

func TestRouterMutationsRequireIdempotencyKey(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_nokey","label":"X","amount":"1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterCreateReplaysOnSameKey(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{})
	idem := map[string]string{"Idempotency-Key": "replay-1"}
	body := `{"wallet":"w_replay","label":"Once","amount":"2"}`

	first := doJSON(t, router, http.MethodPost, "/api/v1/coupons", body, idem)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doJSON(t, router, http.MethodPost, "/api/v1/coupons", body, idem)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())

	rec := doJSON(t, router, http.MethodGet, "/api/v1/coupons?wallet=w_replay", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []json.RawMessage
	decodeData(t, rec, &listed)
	assert.Len(t, listed, 1)
}

func TestRouterOwnershipIsolation(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_owner_a","label":"Private","amount":"5"}`, map[string]string{"Idempotency-Key": "iso-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created mutationPayload
	decodeData(t, rec, &created)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/coupons/"+created.Coupon.ID+"/history?wallet=w_owner_b", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestRouterWithdrawInsufficientBalance(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_small","label":"Tiny","amount":"1"}`, map[string]string{"Idempotency-Key": "small-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created mutationPayload
	decodeData(t, rec, &created)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/coupons/"+created.Coupon.ID+"/withdraw",
		`{"wallet":"w_small","amount":"2","recipient":"addr_r"}`, map[string]string{"Idempotency-Key": "small-2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(t, rec))
}

func TestRouterWithdrawOnchain(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{
		receipt: &settlement.TransferReceipt{Reference: "txn_router"},
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_chain","label":"Chain","amount":"10"}`, map[string]string{"Idempotency-Key": "chain-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created mutationPayload
	decodeData(t, rec, &created)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/coupons/"+created.Coupon.ID+"/withdraw-onchain",
		`{"wallet":"w_chain","amount":"6","recipient":"addr_chain"}`, map[string]string{"Idempotency-Key": "chain-2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result mutationPayload
	decodeData(t, rec, &result)
	assert.Equal(t, "4.00", result.Coupon.RemainingAmount)
	require.NotNil(t, result.Event)
	require.NotNil(t, result.Event.SettlementRef)
	assert.Equal(t, "txn_router", *result.Event.SettlementRef)
}

func TestRouterWithdrawOnchainAmbiguous(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{
		err: &settlement.AmbiguousError{Reason: "node timeout"},
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_ambig","label":"Chain","amount":"10"}`, map[string]string{"Idempotency-Key": "ambig-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created mutationPayload
	decodeData(t, rec, &created)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/coupons/"+created.Coupon.ID+"/withdraw-onchain",
		`{"wallet":"w_ambig","amount":"6","recipient":"addr_chain"}`, map[string]string{"Idempotency-Key": "ambig-2"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "SETTLEMENT_AMBIGUOUS", errorCode(t, rec))

	// The balance is untouched while the attempt sits in review.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/coupons/"+created.Coupon.ID+"/history?wallet=w_ambig", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Coupon struct {
			RemainingAmount string `json:"remaining_amount"`
		} `json:"coupon"`
		Events []json.RawMessage `json:"events"`
	}
	decodeData(t, rec, &history)
	assert.Equal(t, "10.00", history.Coupon.RemainingAmount)
	assert.Len(t, history.Events, 1)
}

func TestRouterValidation(t *testing.T) {
	router := newTestRouter(t, &scriptedGateway{})

	// Unknown fields are rejected.
	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_v","label":"X","amount":"1","bogus":true}`, map[string]string{"Idempotency-Key": "val-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Sub-cent precision is rejected, not rounded.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_v","label":"X","amount":"1.005"}`, map[string]string{"Idempotency-Key": "val-2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))

	// Missing wallet on list.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/coupons", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{counts: map[string]int64{}}
}

func (f *fakeLimiter) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func TestRouterMutationRateLimit(t *testing.T) {
	db := setupRouterTestDB(t)
	runner := testTxRunner{db: db}
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})

	couponSvc, err := coupons.NewService(coupons.NewRepository(db), ledger.NewRepository(db), runner, "pool_router_addr")
	require.NoError(t, err)

	reconciler, err := withdrawals.NewReconciler(
		couponSvc,
		withdrawals.NewRepository(db),
		ledger.NewRepository(db),
		&scriptedGateway{},
		runner,
		logg,
		nil,
	)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Window: time.Minute, WalletLimit: 2}

	router := NewRouter(RouterParams{
		Config:     cfg,
		Logger:     logg,
		Redis:      newFakeStore(),
		Limiter:    newFakeLimiter(),
		Coupons:    couponSvc,
		Reconciler: reconciler,
	})

	body := `{"wallet":"w_throttled","label":"Burst","amount":"1"}`
	for i := 1; i <= 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons", body,
			map[string]string{"Idempotency-Key": fmt.Sprintf("rl-%d", i)})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/coupons", body,
		map[string]string{"Idempotency-Key": "rl-3"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))

	// Other wallets are unaffected by the throttled one.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/coupons",
		`{"wallet":"w_unthrottled","label":"Calm","amount":"1"}`,
		map[string]string{"Idempotency-Key": "rl-4"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}
