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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/sentinel/internal/authcore"
	"github.com/mprlab/sentinel/internal/authpg"
	"github.com/mprlab/sentinel/internal/web"
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
		Use:     "sentinel",
		Short:   "Session security service with JWT sessions, revocation, lockout, rate limiting, and TOTP second factor",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for session tokens; at least 64 bytes")
	rootCmd.Flags().String("jwt_issuer", "sentinel", "Issuer claim stamped into tokens")
	rootCmd.Flags().String("jwt_audience", "sentinel-api", "Audience claim stamped into tokens")
	rootCmd.Flags().Duration("session_ttl", 15*time.Minute, "Session token TTL")
	rootCmd.Flags().Duration("challenge_ttl", 5*time.Minute, "Second-factor challenge token TTL")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for revocation and MFA state (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("redis_addr", "", "Redis address for shared lockout and rate limiting; leave empty for in-process stores")
	rootCmd.Flags().String("redis_password", "", "Redis password")
	rootCmd.Flags().String("secret_cipher_key", "", "32-byte key for encrypting stored TOTP secrets")
	rootCmd.Flags().Bool("allow_plaintext_secrets", false, "Store TOTP secrets unencrypted; local dev only")
	rootCmd.Flags().Bool("dev_log_email_codes", false, "Write MFA email codes to the log instead of delivering them; local dev only")
	rootCmd.Flags().Int("lockout_threshold", 5, "Failed logins before temporary lockout")
	rootCmd.Flags().Duration("lockout_window", 15*time.Minute, "Window over which failed logins accumulate")
	rootCmd.Flags().Duration("lockout_duration", 15*time.Minute, "How long a lockout lasts")
	rootCmd.Flags().Int("rate_limit", 20, "Requests allowed per client per rate window on the auth surface")
	rootCmd.Flags().Duration("rate_window", time.Minute, "Rate limiting window")
	rootCmd.Flags().Duration("principal_cache_ttl", 60*time.Second, "How long resolved principals stay cached")
	rootCmd.Flags().Int64("principal_cache_size", 4096, "Maximum cached principals")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().StringSlice("seed_users", []string{}, "Demo principals as email:password:ROLE entries loaded at startup")

	for _, flagName := range []string{
		"listen_addr", "cookie_domain", "jwt_signing_key", "jwt_issuer", "jwt_audience",
		"session_ttl", "challenge_ttl", "dev_insecure_http", "database_url",
		"redis_addr", "redis_password", "secret_cipher_key", "allow_plaintext_secrets",
		"dev_log_email_codes",
		"lockout_threshold", "lockout_window", "lockout_duration",
		"rate_limit", "rate_window", "principal_cache_ttl", "principal_cache_size",
		"enable_cors", "cors_allowed_origins", "seed_users",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "sentinel_session"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeShortJWTSigningKey      = "config.short_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidChallengeTTL     = "config.invalid_challenge_ttl"
	configCodeInvalidLockout          = "config.invalid_lockout"
	configCodeInvalidRate             = "config.invalid_rate"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

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

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates configuration from flags and APP_
// environment variables. A short signing key is a fatal misconfiguration,
// not a warning: HS256 offers its design strength only at 64 key bytes.
func LoadServerConfig() (authcore.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authcore.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	if len(jwtSigningKey) < authcore.MinSigningKeyBytes {
		return authcore.ServerConfig{}, configError(configCodeShortJWTSigningKey,
			fmt.Sprintf("jwt_signing_key must be at least %d bytes", authcore.MinSigningKeyBytes))
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authcore.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}
	challengeTTL := viper.GetDuration("challenge_ttl")
	if challengeTTL <= 0 {
		return authcore.ServerConfig{}, configError(configCodeInvalidChallengeTTL, "challenge_ttl must be greater than zero")
	}

	lockout := authcore.LockoutPolicy{
		Threshold:    viper.GetInt("lockout_threshold"),
		Window:       viper.GetDuration("lockout_window"),
		LockDuration: viper.GetDuration("lockout_duration"),
	}
	if lockout.Threshold <= 0 || lockout.Window <= 0 || lockout.LockDuration <= 0 {
		return authcore.ServerConfig{}, configError(configCodeInvalidLockout, "lockout threshold, window, and duration must be greater than zero")
	}

	rate := authcore.RatePolicy{
		Limit:  viper.GetInt("rate_limit"),
		Window: viper.GetDuration("rate_window"),
	}
	if rate.Limit <= 0 || rate.Window <= 0 {
		return authcore.ServerConfig{}, configError(configCodeInvalidRate, "rate limit and window must be greater than zero")
	}

	return authcore.ServerConfig{
		SigningKey:            []byte(jwtSigningKey),
		Issuer:                viper.GetString("jwt_issuer"),
		Audience:              viper.GetString("jwt_audience"),
		CookieDomain:          viper.GetString("cookie_domain"),
		SessionCookieName:     sessionCookieName,
		SessionTTL:            sessionTTL,
		ChallengeTTL:          challengeTTL,
		Lockout:               lockout,
		Rate:                  rate,
		PrincipalCacheTTL:     viper.GetDuration("principal_cache_ttl"),
		PrincipalCacheSize:    viper.GetInt64("principal_cache_size"),
		ExemptPaths:           authcore.DefaultExemptPaths(),
		AllowInsecureHTTP:     viper.GetBool("dev_insecure_http"),
		AllowPlaintextSecrets: viper.GetBool("allow_plaintext_secrets"),
		StoreTimeout:          2 * time.Second,
	}, nil
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
	serverConfig, ok := contextValue.(authcore.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	redisAddr := viper.GetString("redis_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	clock := authcore.NewSystemClock()
	metricsRecorder := authcore.NewCounterMetrics()

	codec, codecErr := authcore.NewTokenCodec(serverConfig.SigningKey, serverConfig.Issuer, serverConfig.Audience, clock)
	if codecErr != nil {
		return codecErr
	}

	cipher, cipherErr := authcore.NewSecretCipher([]byte(viper.GetString("secret_cipher_key")), serverConfig.AllowPlaintextSecrets, logger)
	if cipherErr != nil {
		return cipherErr
	}

	var revocations authcore.RevocationStore
	var mfaConfigs authcore.MfaConfigStore
	var pruneRevoked func(context.Context) (int64, error)
	if databaseURL != "" {
		persistentRevocations, storeErr := authcore.NewDatabaseRevocationStore(context.Background(), databaseURL, clock)
		if storeErr != nil {
			return storeErr
		}
		revocations = persistentRevocations
		pruneRevoked = persistentRevocations.PruneExpired
		persistentMfaConfigs, mfaStoreErr := authcore.NewDatabaseMfaConfigStore(context.Background(), databaseURL)
		if mfaStoreErr != nil {
			return mfaStoreErr
		}
		mfaConfigs = persistentMfaConfigs
		logger.Info("using persistent revocation and mfa stores", zap.String("driver", persistentRevocations.Driver()))
	} else {
		revocations = authcore.NewMemoryRevocationStore(clock)
		mfaConfigs = authcore.NewMemoryMfaConfigStore()
		logger.Info("using in-memory revocation and mfa stores")
	}

	var attemptPrimary authcore.LoginAttemptStore
	var rateLimiter authcore.RateLimiter
	switch {
	case redisAddr != "":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: viper.GetString("redis_password"),
		})
		attemptPrimary = authcore.NewRedisAttemptStore(redisClient, serverConfig.Lockout, clock)
		rateLimiter = authcore.NewRedisRateLimiter(redisClient, serverConfig.Rate, clock)
		logger.Info("using redis lockout and rate stores", zap.String("addr", redisAddr))
	case databaseURL != "" && authpg.IsPostgresURL(databaseURL):
		pool, poolErr := authpg.BuildPool(context.Background(), databaseURL)
		if poolErr != nil {
			return poolErr
		}
		defer pool.Close()
		if schemaErr := authpg.EnsureSchema(context.Background(), pool); schemaErr != nil {
			return schemaErr
		}
		attemptPrimary = authpg.NewPostgresAttemptStore(pool, serverConfig.Lockout, clock)
		rateLimiter = authcore.NewMemoryRateLimiter(serverConfig.Rate, clock)
		logger.Info("using postgres lockout store")
	default:
		attemptPrimary = authcore.NewLocalAttemptStore(serverConfig.Lockout, 4096, clock)
		rateLimiter = authcore.NewMemoryRateLimiter(serverConfig.Rate, clock)
		logger.Info("using in-process lockout and rate stores")
	}
	attemptGuard := authcore.NewLoginAttemptGuard(attemptPrimary, nil, serverConfig.Lockout, clock, logger, metricsRecorder)

	principals := web.NewInMemoryPrincipals()
	if seedErr := web.SeedPrincipals(principals, viper.GetStringSlice("seed_users")); seedErr != nil {
		return seedErr
	}
	principalCache, cacheErr := authcore.NewPrincipalCache(serverConfig.PrincipalCacheSize, serverConfig.PrincipalCacheTTL)
	if cacheErr != nil {
		return cacheErr
	}
	defer principalCache.Close()
	resolver := authcore.NewPrincipalResolver(principalCache, principals)

	var emailSender authcore.EmailCodeSender
	if viper.GetBool("dev_log_email_codes") {
		logger.Warn("mfa email codes will be written to the log; never enable outside local development",
			zap.String("code", "mfa.dev_log_sender"))
		emailSender = logEmailSender{logger: logger}
	}

	mfaService, mfaErr := authcore.NewMfaService(authcore.MfaServiceConfig{
		Codec:        codec,
		Cipher:       cipher,
		Configs:      mfaConfigs,
		Revocations:  revocations,
		EmailSender:  emailSender,
		Clock:        clock,
		Logger:       logger,
		Issuer:       serverConfig.Issuer,
		SessionTTL:   serverConfig.SessionTTL,
		ChallengeTTL: serverConfig.ChallengeTTL,
	})
	if mfaErr != nil {
		return mfaErr
	}

	pipeline := authcore.NewAuthPipeline(codec, revocations, resolver, serverConfig, logger, metricsRecorder)
	router.Use(pipeline.Middleware())

	authRoutes := &authcore.AuthRoutes{
		Config:      serverConfig,
		Codec:       codec,
		Revocations: revocations,
		Guard:       attemptGuard,
		Limiter:     rateLimiter,
		Mfa:         mfaService,
		Verifier:    principals,
		Principals:  resolver,
		Clock:       clock,
		Logger:      logger,
		Metrics:     metricsRecorder,
	}
	authRoutes.Mount(router)

	protected := router.Group("/api")
	protected.Use(authcore.RequireAuthenticated())
	protected.GET("/me", web.HandleWhoAmI(logger))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	if pruneRevoked != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					pruned, pruneErr := pruneRevoked(shutdownCtx)
					if pruneErr != nil {
						logger.Warn("revocation prune failed", zap.Error(pruneErr))
						continue
					}
					if pruned > 0 {
						logger.Info("pruned expired revocations", zap.Int64("count", pruned))
					}
				case <-shutdownCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// logEmailSender writes MFA codes to the log instead of delivering them.
// Reachable only behind the dev_log_email_codes flag.
type logEmailSender struct {
	logger *zap.Logger
}

func (sender logEmailSender) SendCode(ctx context.Context, email string, code string) error {
	sender.logger.Warn("mfa email code",
		zap.String("code", "mfa.dev_email_code"),
		zap.String("email", email),
		zap.String("otp", code))
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
