package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/sessiond/internal/sessionkit"
	"github.com/tyemirov/sessiond/internal/sessionkitpg"
	"github.com/tyemirov/sessiond/internal/sessionkitredis"
	"github.com/tyemirov/sessiond/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sessiond",
		Short:   "Session service with password login, JWT access tokens, and capped rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("redis_url", "", "Redis URL for refresh tokens and account events; empty for in-memory")
	flags.String("redis_prefix", defaultRedisPrefix, "Key and channel prefix in Redis")
	flags.String("database_url", "", "User database URL (postgres:// or sqlite://; empty for in-memory)")
	flags.String("directory_driver", directoryDriverGORM, "User directory driver for postgres URLs: gorm or pgx")
	flags.String("jwt_signing_key", "", "HS256 signing secret for access and refresh JWTs")
	flags.String("jwt_issuer", defaultJWTIssuer, "Issuer claim for minted JWTs")
	flags.Duration("access_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	flags.Int("max_sessions", sessionkit.DefaultMaxConcurrentSessions, "Maximum concurrent sessions per user")
	flags.String("refresh_cookie_name", sessionkit.DefaultRefreshCookieName, "Refresh cookie name")
	flags.String("refresh_cookie_path", sessionkit.DefaultRefreshCookiePath, "Refresh cookie path")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.String("hmac_algorithm", defaultHMACAlgorithm, "Refresh token hash algorithm (HmacSHA256 or HmacSHA512)")
	flags.String("hmac_secret", "", "Secret keying the refresh token hash")
	flags.Duration("operation_timeout", defaultOperationTimeout, "Timeout for each token store call")
	flags.Duration("request_timeout", 10*time.Second, "Deadline for each HTTP request")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (switches the refresh cookie to SameSite=None)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.Bool("enable_metrics", false, "Expose prometheus metrics on /metrics")

	for _, name := range []string{
		"listen_addr", "redis_url", "redis_prefix", "database_url", "directory_driver",
		"jwt_signing_key", "jwt_issuer", "access_ttl", "refresh_ttl", "max_sessions",
		"refresh_cookie_name", "refresh_cookie_path", "cookie_domain", "hmac_algorithm",
		"hmac_secret", "operation_timeout", "request_timeout", "enable_cors",
		"cors_allowed_origins", "enable_metrics",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(appConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)
	router, release, buildErr := buildRouter(commandContext, logger, serverConfig)
	if buildErr != nil {
		return buildErr
	}
	defer release()

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown_failed"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("code", "server.listening"), zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildRouter wires storage, the session service and the HTTP surface. The
// returned release func closes backend connections.
func buildRouter(ctx context.Context, logger *zap.Logger, serverConfig appConfig) (*gin.Engine, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var releasers []func()
	release := func() {
		for index := len(releasers) - 1; index >= 0; index-- {
			releasers[index]()
		}
	}
	fail := func(err error) (*gin.Engine, func(), error) {
		release()
		return nil, func() {}, err
	}

	var metrics sessionkit.MetricsRecorder = sessionkit.NewCounterMetrics()
	var registry *prometheus.Registry
	if serverConfig.EnableMetrics {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prometheusMetrics, metricsErr := sessionkit.NewPrometheusMetrics(registry)
		if metricsErr != nil {
			return fail(fmt.Errorf("metrics.register: %w", metricsErr))
		}
		metrics = prometheusMetrics
	}

	var refreshStore sessionkit.RefreshTokenStore
	var publisher sessionkit.EventPublisher
	if serverConfig.RedisURL != "" {
		redisClient, redisErr := sessionkitredis.NewClient(ctx, serverConfig.RedisURL, serverConfig.OperationTimeout)
		if redisErr != nil {
			return fail(redisErr)
		}
		releasers = append(releasers, func() { _ = redisClient.Close() })
		refreshStore = sessionkitredis.NewRefreshTokenStore(redisClient,
			sessionkitredis.WithKeyPrefix(serverConfig.RedisPrefix),
			sessionkitredis.WithOperationTimeout(serverConfig.OperationTimeout),
			sessionkitredis.WithLogger(logger),
			sessionkitredis.WithMetrics(metrics),
		)
		publisher = sessionkitredis.NewPublisher(redisClient, serverConfig.RedisPrefix, serverConfig.OperationTimeout)
		logger.Info("using redis refresh token store", zap.String("code", "server.store.redis"))
	} else {
		refreshStore = sessionkit.NewMemoryRefreshTokenStore(nil)
		publisher = sessionkit.NewLogPublisher(logger)
		logger.Info("using in-memory refresh token store", zap.String("code", "server.store.memory"))
	}

	directory, directoryRelease, directoryErr := buildUserDirectory(ctx, logger, serverConfig)
	if directoryErr != nil {
		return fail(directoryErr)
	}
	releasers = append(releasers, directoryRelease)

	hasher, hasherErr := sessionkit.NewTokenHasher(serverConfig.HMACAlgorithm, serverConfig.HMACSecret)
	if hasherErr != nil {
		return fail(hasherErr)
	}
	signer, signerErr := sessionkit.NewJWTSigner(sessionkit.JWTSignerConfig{
		SigningKey: serverConfig.JWTSigningKey,
		Issuer:     serverConfig.JWTIssuer,
		AccessTTL:  serverConfig.AccessTTL,
		RefreshTTL: serverConfig.RefreshTTL,
	})
	if signerErr != nil {
		return fail(signerErr)
	}

	service, serviceErr := sessionkit.NewService(serverConfig.Session, sessionkit.Dependencies{
		Store:     refreshStore,
		Hasher:    hasher,
		Verifier:  sessionkit.NewBcryptCredentialVerifier(directory),
		Directory: directory,
		Signer:    signer,
		Publisher: publisher,
	}, sessionkit.WithLogger(logger), sessionkit.WithMetrics(metrics))
	if serviceErr != nil {
		return fail(serviceErr)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(sessionkit.AccessLog(logger))
	router.Use(sessionkit.RequestTimeout(serverConfig.Session.RequestTimeout))
	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return fail(corsErr)
		}
		router.Use(corsMiddleware)
	}

	sessionkit.MountSessionRoutes(router, service, signer.Validator(), logger)

	protected := router.Group("/api")
	protected.Use(signer.Validator().GinMiddleware(""))
	protected.GET("/me", web.HandleWhoAmI(logger, directory))

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	return router, release, nil
}

func buildUserDirectory(ctx context.Context, logger *zap.Logger, serverConfig appConfig) (sessionkit.UserDirectory, func(), error) {
	if serverConfig.DatabaseURL == "" {
		logger.Info("using in-memory user directory", zap.String("code", "server.directory.memory"))
		return sessionkit.NewMemoryUserDirectory(), func() {}, nil
	}
	if serverConfig.DirectoryDriver == directoryDriverPGX {
		pool, poolErr := sessionkitpg.BuildPool(ctx, serverConfig.DatabaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := sessionkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using pgx user directory", zap.String("code", "server.directory.pgx"))
		return sessionkitpg.NewUserDirectory(pool), pool.Close, nil
	}
	directory, directoryErr := sessionkit.NewDatabaseUserDirectory(ctx, serverConfig.DatabaseURL)
	if directoryErr != nil {
		return nil, nil, directoryErr
	}
	logger.Info("using persistent user directory",
		zap.String("code", "server.directory.gorm"),
		zap.String("driver", directory.Driver()))
	release := func() {
		if closeErr := directory.Close(); closeErr != nil {
			logger.Warn("user directory close failed", zap.String("code", "server.directory.close_failed"), zap.Error(closeErr))
		}
	}
	return directory, release, nil
}
