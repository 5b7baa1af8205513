package config

// EnvPrefix is passed to envconfig; individual fields carry fully qualified
// envconfig tags so the prefix stays empty.
const EnvPrefix = ""

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

// Environment variable names referenced outside struct tags (tests, error text).
const (
	EnvAppEnv             = "COUPONPOOL_APP_ENV"
	EnvPort               = "COUPONPOOL_APP_PORT"
	EnvDBDSN              = "COUPONPOOL_DB_DSN"
	EnvDBHost             = "COUPONPOOL_DB_HOST"
	EnvDBUser             = "COUPONPOOL_DB_USER"
	EnvDBName             = "COUPONPOOL_DB_NAME"
	EnvRedisURL           = "COUPONPOOL_REDIS_URL"
	EnvSettlementMode     = "COUPONPOOL_SETTLEMENT_MODE"
	EnvSettlementNodeURL  = "COUPONPOOL_SETTLEMENT_NODE_URL"
	EnvSettlementPoolAddr = "COUPONPOOL_SETTLEMENT_POOL_ADDRESS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
