package app

import "time"

// Store engine names accepted by DG_STORE.
const (
	StoreAuto     = "auto"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store selects the session store engine. Auto picks Postgres when
	// DatabaseURL is set, else Redis when RedisURL is set, else memory.
	Store string

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	RedisURL     string
	RedisPrefix  string
	RedisLockTTL time.Duration

	// If true:
	// - /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireStore bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("DG_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("DG_LOG_LEVEL", "info"),
		LogFormat: EnvString("DG_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("DG_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("DG_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("DG_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("DG_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("DG_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store: EnvString("DG_STORE", StoreAuto),

		DatabaseURL:   EnvString("DG_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("DG_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("DG_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("DG_DB_SCHEMA", "devicegate"),
		DBAutoMigrate: EnvBool("DG_DB_AUTO_MIGRATE", true),

		RedisURL:     EnvString("DG_REDIS_URL", ""),
		RedisPrefix:  EnvString("DG_REDIS_PREFIX", "dg:"),
		RedisLockTTL: EnvDuration("DG_REDIS_LOCK_TTL", 10*time.Second),

		ReadinessRequireStore: EnvBool("DG_READINESS_REQUIRE_STORE", false),

		CORSAllowedOrigins:   EnvCSV("DG_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("DG_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("DG_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("DG_METRICS_ENABLED", true),
	}
}
