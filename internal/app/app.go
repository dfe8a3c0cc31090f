// Package app is the composition root shared by the long-running server and
// the serverless entry point.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"portal-auth/internal/activity"
	"portal-auth/internal/auth"
	"portal-auth/internal/config"
	"portal-auth/internal/credential"
	"portal-auth/internal/db"
	"portal-auth/internal/httpapi"
	"portal-auth/internal/lockout"
	"portal-auth/internal/maintenance"
	"portal-auth/internal/observability"
	"portal-auth/internal/ratelimit"
	"portal-auth/internal/rbac"
	"portal-auth/internal/token"
	"portal-auth/internal/userstore"
)

const authLimitMessage = "Too many authentication attempts, please try again later"

type Options struct {
	// Getenv defaults to os.Getenv.
	Getenv config.Getenv
	Logger *observability.Logger
	// RunMigrations forces migrations regardless of RUN_MIGRATIONS_ON_STARTUP.
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Metrics *observability.Metrics
	Close   func(ctx context.Context) error
}

type userStore interface {
	auth.UserStore
	maintenance.LockoutClearer
	httpapi.Pinger
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	getenv := options.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := options.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}

	cfg, err := config.Validate(config.Load(getenv), logger)
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, string(cfg.Env), cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func(context.Context) error
	closeAll := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		observability.FlushSentry()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll(ctx)
		return nil, err
	}

	var database *sql.DB
	users := userStore(userstore.NewMemory())
	if cfg.DatabaseURL != "" {
		database, err = db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return database.Close() })

		if options.RunMigrations || cfg.RunMigrations {
			applied, err := db.RunMigrations(ctx, database)
			if err != nil {
				return fail(fmt.Errorf("run migrations: %w", err))
			}
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
		users = userstore.NewPostgres(database)
	}

	metrics := observability.NewMetrics()

	sink, closeSink, err := openSink(ctx, cfg, database)
	if err != nil {
		return fail(err)
	}
	if closeSink != nil {
		closers = append(closers, closeSink)
	}
	recorder := activity.NewRecorder(sink, logger, activity.WithDropHook(metrics.ActivityDropped))
	closers = append(closers, recorder.Close)

	roles, err := rbac.Load(cfg.RolesFile)
	if err != nil {
		return fail(fmt.Errorf("load roles: %w", err))
	}

	tokens, err := token.NewService(token.Options{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("init token service: %w", err))
	}

	service, err := auth.NewService(auth.Options{
		Users:  users,
		Codec:  credential.NewCodec(cfg.BcryptCost, cfg.PasswordMinLength),
		Tokens: tokens,
		Roles:  roles,
		Policy: lockout.Policy{
			Threshold:     cfg.LoginMaxAttempts,
			BaseDuration:  cfg.LoginLockDuration,
			CapMultiplier: cfg.LoginLockMaxMultiplier,
		},
		Activity:    recorder,
		Observer:    metrics,
		Logger:      logger,
		PhoneRegion: cfg.DefaultPhoneRegion,
	})
	if err != nil {
		return fail(err)
	}

	if err := service.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	globalLimiter := ratelimit.New(ratelimit.Config{
		Name:        "global",
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitMax,
	}, ratelimit.WithTrustProxy(cfg.TrustProxy), ratelimit.WithObserver(metrics.RateLimited))
	authLimiter := ratelimit.New(ratelimit.Config{
		Name:        "auth",
		Window:      cfg.AuthRateLimitWindow,
		MaxRequests: cfg.AuthRateLimitMax,
		Message:     authLimitMessage,
	}, ratelimit.WithTrustProxy(cfg.TrustProxy), ratelimit.WithObserver(metrics.RateLimited))

	reader, _ := sink.(activity.Reader)
	pruner, _ := sink.(activity.Pruner)

	errs := httpapi.NewErrorWriter(logger, cfg.TrustProxy)
	handler := httpapi.NewHandler(httpapi.HandlerOptions{
		Accounts:     service,
		Activity:     reader,
		Health:       users,
		Errors:       errs,
		SecureCookie: cfg.IsProduction(),
		TrustProxy:   cfg.TrustProxy,
	})
	cleanup := maintenance.NewCleanupHandler(maintenance.Options{
		Lockouts:   users,
		Activity:   pruner,
		Logger:     logger,
		CronSecret: cfg.CronSecret,
		Retention:  cfg.ActivityRetention,
		BatchSize:  cfg.CleanupBatchSize,
	})

	mux := http.NewServeMux()
	handler.Mount(mux, httpapi.RouteOptions{
		Tokens:      tokens,
		Authorizer:  service,
		AuthLimiter: authLimiter.Middleware,
	})
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanup.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanup.Handle)
	mux.Handle("GET /metrics", metrics.Handler())

	// The global limiter sits outside CORS so preflights are counted too.
	var chain http.Handler = metrics.Instrument(mux)
	chain = httpapi.CORS(cfg.AllowedOrigins, chain)
	chain = globalLimiter.Middleware(chain)
	chain = httpapi.SecurityHeaders(cfg.IsProduction(), chain)
	chain = observability.RequestLoggingMiddleware(logger, cfg.TrustProxy, chain)
	chain = observability.RecoverMiddleware(logger, chain)
	chain = observability.RequestIDMiddleware(chain)

	logger.Info("runtime_ready", map[string]any{
		"env":           string(cfg.Env),
		"store":         storeName(database),
		"activity_sink": cfg.ActivitySink,
	})

	return &Runtime{
		Handler: chain,
		Config:  cfg,
		Metrics: metrics,
		Close:   closeAll,
	}, nil
}

// openSink returns the configured activity sink and, for networked sinks,
// the function that releases its connection.
func openSink(ctx context.Context, cfg config.Config, database *sql.DB) (activity.Sink, func(context.Context) error, error) {
	switch cfg.ActivitySink {
	case config.SinkPostgres:
		if database == nil {
			return nil, nil, errors.New("postgres activity sink requires DATABASE_URL")
		}
		return activity.NewPostgresSink(database), nil, nil
	case config.SinkRedis:
		client, err := activity.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return activity.NewRedisSink(client, cfg.RedisStream, 0), func(context.Context) error { return client.Close() }, nil
	case config.SinkNATS:
		conn, err := activity.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		return activity.NewNATSSink(conn, cfg.NATSSubject), func(context.Context) error { return conn.Drain() }, nil
	default:
		return activity.NewMemorySink(0), nil, nil
	}
}

func storeName(database *sql.DB) string {
	if database == nil {
		return config.SinkMemory
	}
	return config.SinkPostgres
}
