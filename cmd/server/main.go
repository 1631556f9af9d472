package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	apiecho "github.com/pilab-dev/tenant-sso/api/echo"
	"github.com/pilab-dev/tenant-sso/cache"
	credis "github.com/pilab-dev/tenant-sso/cache/redis"
	"github.com/pilab-dev/tenant-sso/config"
	"github.com/pilab-dev/tenant-sso/domain"
	"github.com/pilab-dev/tenant-sso/grants"
	"github.com/pilab-dev/tenant-sso/grants/binding"
	"github.com/pilab-dev/tenant-sso/internal/auth"
	"github.com/pilab-dev/tenant-sso/internal/metrics"
	"github.com/pilab-dev/tenant-sso/internal/server"
	"github.com/pilab-dev/tenant-sso/internal/telemetry"
	"github.com/pilab-dev/tenant-sso/keys"
	"github.com/pilab-dev/tenant-sso/log"
	"github.com/pilab-dev/tenant-sso/middleware"
	"github.com/pilab-dev/tenant-sso/mongodb"
	"github.com/pilab-dev/tenant-sso/tracing"
)

func main() {
	root := &cobra.Command{
		Use:   "tenant-sso",
		Short: "Multi-tenant OpenID Connect token service",
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

//nolint:funlen
func serve(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	appLogger := log.NewZerologAdapter(logLevel, cfg.LogPretty)
	zerolog.SetGlobalLevel(logLevel)
	var out io.Writer = os.Stderr
	if cfg.LogPretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	global := zerolog.New(out).With().Timestamp().Logger()
	zlog.Logger = global
	zerolog.DefaultContextLogger = &global

	appLogger.Info(ctx, "Starting tenant-sso server...", log.Fields{
		"http_port":    cfg.HTTPPort,
		"environment":  cfg.Environment,
		"tenant_id":    cfg.TenantID,
		"store_driver": cfg.StoreDriver,
		"log_level":    logLevel.String(),
	})

	tp, err := tracing.InitTracerProvider(ctx, cfg.OtelServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize TracerProvider: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitCustomMetrics(registry)
	mp, err := telemetry.InitMeterProvider(registry)
	if err != nil {
		return fmt.Errorf("failed to initialize MeterProvider: %w", err)
	}

	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		return err
	}
	db, err := mongodb.GetDB()
	if err != nil {
		return err
	}
	if err := mongodb.EnsureIndexes(ctx, db); err != nil {
		return err
	}

	store, closeStore, err := newTokenStore(ctx, cfg)
	if err != nil {
		return err
	}

	km, err := keys.NewKeyManager(cfg.Issuer)
	if err != nil {
		return fmt.Errorf("failed to create key manager: %w", err)
	}
	if cfg.KeyRotationPeriod > 0 {
		go km.StartRotation(ctx, cfg.KeyRotationPeriod)
	}

	var admin keys.Provider
	if cfg.AdminJWKSURI != "" && cfg.TenantID != cfg.AdminTenantID {
		remote, err := keys.NewRemoteProvider(ctx, cfg.AdminIssuer, cfg.AdminJWKSURI, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			return err
		}
		admin = remote.WithRefreshInterval(cfg.AdminJWKSCacheTTL)
	}

	var resources domain.ResourceIndicatorResolver
	if cfg.ResourceIndicatorsEnabled {
		resources = mongodb.NewResourceRepository(db)
	}

	grantCfg := grants.DefaultConfig(cfg.Issuer)
	grantCfg.RotateRefreshToken = cfg.RotateRefreshToken
	grantCfg.ConformIDTokenClaims = cfg.ConformIDTokenClaims
	grantCfg.UserinfoEnabled = cfg.UserinfoEnabled
	grantCfg.ResourceIndicatorsEnabled = cfg.ResourceIndicatorsEnabled
	grantCfg.AccessTokenTTL = cfg.AccessTokenTTL
	grantCfg.IDTokenTTL = cfg.IDTokenTTL
	grantCfg.RefreshTokenTTL = cfg.RefreshTokenTTL
	grantCfg.OrganizationTokenTTL = cfg.OrganizationTokenTTL

	refreshGrant := grants.NewRefreshTokenHandler(
		grantCfg,
		store,
		mongodb.NewAccountRepository(db),
		mongodb.NewOrganizationRepository(db),
		resources,
		km,
	)

	var dpop *binding.ProofValidator
	if cfg.DPoPEnabled {
		dpop = binding.NewProofValidator(cfg.DPoPProofMaxAge)
	}

	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		Production:        cfg.IsProduction(),
		IntegrationTest:   cfg.IntegrationTest,
		DevelopmentUserID: cfg.DevelopmentUserID,
		TenantID:          cfg.TenantID,
		AdminTenantID:     cfg.AdminTenantID,
		BypassScopes:      cfg.DevelopmentUserScopes,
	}, km, admin)

	api := apiecho.NewOAuth2API(apiecho.Dependencies{
		Issuer:                    cfg.Issuer,
		Grant:                     refreshGrant,
		Clients:                   mongodb.NewClientRepository(db),
		Secrets:                   auth.NewBcryptSecretHasher(0),
		Keys:                      km,
		Grants:                    store,
		DPoP:                      dpop,
		ResourceIndicatorsEnabled: cfg.ResourceIndicatorsEnabled,
		Authenticator:             authenticator,
		ManagementAudience:        cfg.ManagementAPIAudience,
		Metrics:                   promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	})

	errorHandler := middleware.NewErrorHandler(cfg.Environment, appLogger, telemetry.SpanTracker{})
	httpServer := server.NewHTTPServer(cfg, server.NewEcho(appLogger, errorHandler, api))

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info(ctx, "HTTP server listening", log.Fields{"port": cfg.HTTPPort})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info(context.Background(), "Shutting down server...")
	case err = <-serveErr:
		appLogger.Error(context.Background(), "HTTP server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.Error(shutdownCtx, "HTTP server shutdown error", shutdownErr)
	}
	closeStore(shutdownCtx)
	mongodb.CloseMongoDB(shutdownCtx)
	telemetry.ShutdownMeterProvider(shutdownCtx, mp)
	if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.Error(shutdownCtx, "TracerProvider shutdown error", shutdownErr)
	}

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
	return err
}

// newTokenStore selects the token store named by STORE_DRIVER.
func newTokenStore(ctx context.Context, cfg *config.ServerConfig) (domain.TokenStore, func(context.Context), error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to ping Redis: %w", err)
		}
		closeFn := func(context.Context) { _ = client.Close() }
		return credis.NewTokenStore(client, cfg.RedisKeyPrefix), closeFn, nil

	case config.StoreMongo:
		db, err := mongodb.GetDB()
		if err != nil {
			return nil, nil, err
		}
		return mongodb.NewTokenStore(db), func(context.Context) {}, nil

	default:
		store := cache.NewMemoryTokenStore()
		return store, func(context.Context) { _ = store.Close() }, nil
	}
}
