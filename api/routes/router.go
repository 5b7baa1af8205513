package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hexline-labs/couponpool-backend/api/controllers"
	"github.com/hexline-labs/couponpool-backend/api/middleware"
	"github.com/hexline-labs/couponpool-backend/internal/coupons"
	"github.com/hexline-labs/couponpool-backend/internal/withdrawals"
	"github.com/hexline-labs/couponpool-backend/pkg/config"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
	"github.com/hexline-labs/couponpool-backend/pkg/redis"
)

// RouterParams bundle everything the HTTP surface depends on.
type RouterParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	Redis      redis.IdempotencyStore
	Limiter    redis.RateLimiterStore
	Coupons    coupons.Service
	Reconciler *withdrawals.Reconciler
	Registry   *prometheus.Registry
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS),
	)

	r.Get("/health", controllers.HealthLive(cfg))
	r.Get("/health/live", controllers.HealthLive(cfg))
	r.Get("/health/ready", controllers.HealthReady(cfg))

	r.Get("/config/public", controllers.ConfigPublic(cfg))

	if params.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Registry, promhttp.HandlerOpts{}))
	}

	mutationLimit := middleware.RateLimit(
		middleware.NewRateLimitPolicy("mutations", cfg.RateLimit),
		params.Limiter,
		logg,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Idempotency(params.Redis, cfg.Idempotency, logg))

		r.Get("/coupons", controllers.CouponList(params.Coupons, logg))
		r.With(mutationLimit).Post("/coupons", controllers.CouponCreate(params.Coupons, logg))

		r.Route("/coupons/{id}", func(r chi.Router) {
			r.Get("/history", controllers.CouponHistory(params.Coupons, logg))
			r.With(mutationLimit).Post("/deposit", controllers.CouponDeposit(params.Coupons, logg))
			r.With(mutationLimit).Post("/withdraw", controllers.CouponWithdraw(params.Coupons, logg))
			r.With(mutationLimit).Post("/withdraw-onchain", controllers.CouponWithdrawOnchain(params.Reconciler, logg))
		})

		r.With(mutationLimit).Post("/pay", controllers.Pay(params.Coupons, logg))
	})

	return r
}
