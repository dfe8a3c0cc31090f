// Package config resolves the process configuration once at startup and
// gates it through the environment and secret validator.
package config

import (
	"strings"
	"time"
)

type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
	Test        Environment = "test"
)

const (
	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkNATS     = "nats"
)

// Config is built once by Load and Validate and passed to every component.
// Nothing else in the service reads the process environment.
type Config struct {
	Env         Environment
	EnvRaw      string
	Port        string
	Release     string
	DatabaseURL string

	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// SecretGenerated is set when Validate replaced a weak or missing
	// secret with an ephemeral one.
	SecretGenerated bool

	LoginMaxAttempts       int
	LoginLockDuration      time.Duration
	LoginLockMaxMultiplier int

	RateLimitWindow     time.Duration
	RateLimitMax        int
	AuthRateLimitWindow time.Duration
	AuthRateLimitMax    int
	TrustProxy          bool

	AllowedOrigins []string

	PasswordMinLength int
	BcryptCost        int

	SentryDSN string

	CronSecret        string
	ActivityRetention time.Duration
	CleanupBatchSize  int

	ActivitySink string
	RedisURL     string
	RedisStream  string
	NATSURL      string
	NATSSubject  string

	RolesFile          string
	DefaultPhoneRegion string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RunMigrations bool
	AdminEmail    string
	AdminPassword string
}

func (c Config) IsProduction() bool {
	return c.Env == Production
}

// Load reads every recognised option. Malformed numbers fall back to their
// defaults; semantic checks belong to Validate.
func Load(getenv Getenv) Config {
	envRaw := strings.ToLower(getenv.orDefault("APP_ENV", string(Development)))

	cfg := Config{
		Env:         parseEnvironment(envRaw),
		EnvRaw:      envRaw,
		Port:        getenv.orDefault("PORT", "8080"),
		Release:     strings.TrimSpace(getenv("SENTRY_RELEASE")),
		DatabaseURL: strings.TrimSpace(getenv("DATABASE_URL")),

		JWTSecret:       strings.TrimSpace(getenv("JWT_SECRET")),
		JWTIssuer:       getenv.orDefault("JWT_ISSUER", "portal-auth"),
		JWTAudience:     getenv.orDefault("JWT_AUDIENCE", "portal-web"),
		AccessTokenTTL:  getenv.minutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 60),
		RefreshTokenTTL: getenv.hoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 30*24),

		LoginMaxAttempts:       getenv.intOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockDuration:      getenv.minutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		LoginLockMaxMultiplier: getenv.intOrDefault("LOGIN_LOCK_MAX_MULTIPLIER", 4),

		RateLimitWindow:     getenv.secondsOrDefault("RATE_LIMIT_WINDOW_SECONDS", 15*60),
		RateLimitMax:        getenv.intOrDefault("RATE_LIMIT_MAX", 100),
		AuthRateLimitWindow: getenv.secondsOrDefault("AUTH_RATE_LIMIT_WINDOW_SECONDS", 15*60),
		AuthRateLimitMax:    getenv.intOrDefault("AUTH_RATE_LIMIT_MAX", 10),
		TrustProxy:          getenv.boolOrDefault("TRUST_PROXY", false),

		AllowedOrigins: getenv.list("ALLOWED_ORIGINS"),

		PasswordMinLength: getenv.intOrDefault("PASSWORD_MIN_LENGTH", 8),
		BcryptCost:        getenv.intOrDefault("BCRYPT_COST", 12),

		SentryDSN: strings.TrimSpace(getenv("SENTRY_DSN")),

		CronSecret:        strings.TrimSpace(getenv("CRON_SECRET")),
		ActivityRetention: getenv.daysOrDefault("ACTIVITY_RETENTION_DAYS", 90),
		CleanupBatchSize:  getenv.intOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),

		ActivitySink: strings.ToLower(strings.TrimSpace(getenv("ACTIVITY_SINK"))),
		RedisURL:     strings.TrimSpace(getenv("REDIS_URL")),
		RedisStream:  getenv.orDefault("REDIS_ACTIVITY_STREAM", "portal:activity"),
		NATSURL:      strings.TrimSpace(getenv("NATS_URL")),
		NATSSubject:  getenv.orDefault("NATS_ACTIVITY_SUBJECT", "portal.activity"),

		RolesFile:          strings.TrimSpace(getenv("ROLES_FILE")),
		DefaultPhoneRegion: strings.ToUpper(getenv.orDefault("DEFAULT_PHONE_REGION", "ID")),

		DBMaxOpenConns:    getenv.intOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    getenv.intOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getenv.minutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		RunMigrations: getenv.boolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		AdminEmail:    strings.TrimSpace(getenv("ADMIN_EMAIL")),
		AdminPassword: getenv("ADMIN_PASSWORD"),
	}

	if cfg.ActivitySink == "" {
		if cfg.DatabaseURL != "" {
			cfg.ActivitySink = SinkPostgres
		} else {
			cfg.ActivitySink = SinkMemory
		}
	}
	if cfg.Env != Production && len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	return cfg
}

// parseEnvironment treats anything unrecognised as production so a typo
// never relaxes the checks.
func parseEnvironment(raw string) Environment {
	switch raw {
	case "development", "dev", "local":
		return Development
	case "test", "testing":
		return Test
	default:
		return Production
	}
}
