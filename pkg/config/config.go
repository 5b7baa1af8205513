package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Settlement   SettlementConfig
	CORS         CORSConfig
	FeatureFlags FeatureFlagsConfig
	Idempotency  IdempotencyConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Settlement.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"COUPONPOOL_APP_ENV" required:"true"`
	Port         string `envconfig:"COUPONPOOL_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"COUPONPOOL_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"COUPONPOOL_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"COUPONPOOL_DB_DSN"`
	Driver string `envconfig:"COUPONPOOL_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"COUPONPOOL_DB_HOST"`
	LegacyPort     int    `envconfig:"COUPONPOOL_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"COUPONPOOL_DB_USER"`
	LegacyPassword string `envconfig:"COUPONPOOL_DB_PASSWORD"`
	LegacyName     string `envconfig:"COUPONPOOL_DB_NAME"`
	LegacySSLMode  string `envconfig:"COUPONPOOL_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"COUPONPOOL_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"COUPONPOOL_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"COUPONPOOL_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"COUPONPOOL_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"COUPONPOOL_REDIS_URL" required:"true"`
	Address      string        `envconfig:"COUPONPOOL_REDIS_ADDR"`
	Password     string        `envconfig:"COUPONPOOL_REDIS_PASSWORD"`
	DB           int           `envconfig:"COUPONPOOL_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COUPONPOOL_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"COUPONPOOL_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"COUPONPOOL_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COUPONPOOL_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"COUPONPOOL_REDIS_WRITE_TIMEOUT" default:"5s"`
}

const (
	SettlementModeNode     = "node"
	SettlementModeDisabled = "disabled"
)

// SettlementConfig describes the external settlement network access.
// PoolAddress is the funding account coupons draw from; its value is
// snapshotted onto each coupon at creation time.
type SettlementConfig struct {
	Mode           string        `envconfig:"COUPONPOOL_SETTLEMENT_MODE" default:"disabled"`
	NodeURL        string        `envconfig:"COUPONPOOL_SETTLEMENT_NODE_URL"`
	PoolAddress    string        `envconfig:"COUPONPOOL_SETTLEMENT_POOL_ADDRESS" required:"true"`
	SignerKey      string        `envconfig:"COUPONPOOL_SETTLEMENT_SIGNER_KEY"`
	SubmitTimeout  time.Duration `envconfig:"COUPONPOOL_SETTLEMENT_SUBMIT_TIMEOUT" default:"30s"`
	ConfirmTimeout time.Duration `envconfig:"COUPONPOOL_SETTLEMENT_CONFIRM_TIMEOUT" default:"60s"`
}

func (s SettlementConfig) NormalizedMode() string {
	mode := strings.TrimSpace(strings.ToLower(s.Mode))
	if mode == "" {
		return SettlementModeDisabled
	}
	return mode
}

func (s SettlementConfig) validate() error {
	switch s.NormalizedMode() {
	case SettlementModeDisabled:
		return nil
	case SettlementModeNode:
		if strings.TrimSpace(s.NodeURL) == "" {
			return fmt.Errorf("%s is required when settlement mode is %q", EnvSettlementNodeURL, SettlementModeNode)
		}
		if strings.TrimSpace(s.SignerKey) == "" {
			return fmt.Errorf("settlement signer key is required when settlement mode is %q", SettlementModeNode)
		}
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q", EnvSettlementMode, SettlementModeNode, SettlementModeDisabled)
	}
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"COUPONPOOL_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"COUPONPOOL_AUTO_MIGRATE" default:"false"`
}

type IdempotencyConfig struct {
	DefaultTTL  time.Duration `envconfig:"COUPONPOOL_IDEMPOTENCY_TTL" default:"24h"`
	CriticalTTL time.Duration `envconfig:"COUPONPOOL_IDEMPOTENCY_CRITICAL_TTL" default:"168h"`
}

// RateLimitConfig throttles the mutating endpoints. A window or limit
// of zero disables the corresponding counter.
type RateLimitConfig struct {
	Window      time.Duration `envconfig:"COUPONPOOL_RATE_LIMIT_WINDOW" default:"1m"`
	IPLimit     int           `envconfig:"COUPONPOOL_RATE_LIMIT_IP" default:"120"`
	WalletLimit int           `envconfig:"COUPONPOOL_RATE_LIMIT_WALLET" default:"60"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
