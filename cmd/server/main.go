package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/socialauth/internal/authkit"
	"github.com/tyemirov/socialauth/internal/authkitpg"
	"github.com/tyemirov/socialauth/internal/web"
	"github.com/tyemirov/socialauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.IDTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "socialauth",
		Short:   "Social login service issuing JWT sessions with rotating refresh tokens and server-side revocation",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.String("jwt_signing_key", "", "HMAC signing secret for access and refresh JWTs")
	flags.String("jwt_algorithm", sessionvalidator.DefaultAlgorithm, "JWT signing algorithm (HS256, HS384, HS512)")
	flags.String("jwt_issuer", "socialauth", "JWT issuer claim")
	flags.Duration("access_token_ttl", authkit.DefaultAccessTokenTTL, "Access token TTL")
	flags.Duration("refresh_token_ttl", authkit.DefaultRefreshTokenTTL, "Refresh token TTL")
	flags.Duration("oauth_state_ttl", authkit.DefaultStateTTL, "OAuth state lifetime")
	flags.Duration("provider_timeout", authkit.DefaultProviderTimeout, "Timeout for calls to identity providers")
	flags.String("database_url", "", "Database URL for users (postgres:// or sqlite://; leave empty for in-memory users)")
	flags.String("user_store", "gorm", "User store driver for postgres URLs (gorm or pgx)")
	flags.String("redis_url", "", "Redis URL for OAuth state, refresh tokens, and the blacklist (leave empty for in-memory)")
	flags.String("redis_key_prefix", authkit.DefaultRedisKeyPrefix, "Prefix for Redis keys")
	for _, provider := range authkit.SupportedProviders() {
		flags.String(provider+"_client_id", "", provider+" OAuth client id; the provider is enabled when set")
		flags.String(provider+"_client_secret", "", provider+" OAuth client secret")
		flags.String(provider+"_redirect_uri", "", provider+" OAuth redirect URI")
		flags.String(provider+"_authorize_url", "", provider+" authorization endpoint override")
		flags.String(provider+"_token_url", "", provider+" token endpoint override")
		flags.String(provider+"_userinfo_url", "", provider+" userinfo endpoint override")
		flags.StringSlice(provider+"_scopes", []string{}, provider+" scopes override")
	}

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidJWTAlgorithm     = "config.invalid_jwt_algorithm"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeInvalidStateTTL         = "config.invalid_oauth_state_ttl"
	configCodeInvalidProviderTime     = "config.invalid_provider_timeout"
	configCodeMissingProvider         = "config.missing_provider"
	configCodeMissingRedirectURI      = "config.missing_redirect_uri"
	configCodeInvalidUserStore        = "config.invalid_user_store"
	configCodeInvalidCORS             = "config.invalid_cors"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
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

func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	jwtAlgorithm := viper.GetString("jwt_algorithm")
	if jwtAlgorithm == "" {
		jwtAlgorithm = sessionvalidator.DefaultAlgorithm
	}
	if _, algorithmErr := sessionvalidator.SigningMethod(jwtAlgorithm); algorithmErr != nil {
		return authkit.ServerConfig{}, configError(configCodeInvalidJWTAlgorithm, "jwt_algorithm must be one of HS256, HS384, HS512")
	}

	jwtIssuer := viper.GetString("jwt_issuer")
	if jwtIssuer == "" {
		jwtIssuer = "socialauth"
	}

	accessTTL := durationSetting("access_token_ttl", authkit.DefaultAccessTokenTTL)
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}
	refreshTTL := durationSetting("refresh_token_ttl", authkit.DefaultRefreshTokenTTL)
	if refreshTTL <= accessTTL {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl must be greater than access_token_ttl")
	}
	stateTTL := durationSetting("oauth_state_ttl", authkit.DefaultStateTTL)
	if stateTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "oauth_state_ttl must be greater than zero")
	}
	providerTimeout := durationSetting("provider_timeout", authkit.DefaultProviderTimeout)
	if providerTimeout <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidProviderTime, "provider_timeout must be greater than zero")
	}

	providers := make([]authkit.ProviderConfig, 0, len(authkit.SupportedProviders()))
	for _, name := range authkit.SupportedProviders() {
		clientID := viper.GetString(name + "_client_id")
		if clientID == "" {
			continue
		}
		redirectURI := viper.GetString(name + "_redirect_uri")
		if redirectURI == "" {
			return authkit.ServerConfig{}, configError(configCodeMissingRedirectURI, name+"_redirect_uri must be provided when "+name+"_client_id is set")
		}
		providers = append(providers, authkit.ProviderConfig{
			Name:         name,
			ClientID:     clientID,
			ClientSecret: viper.GetString(name + "_client_secret"),
			RedirectURI:  redirectURI,
			AuthorizeURL: viper.GetString(name + "_authorize_url"),
			TokenURL:     viper.GetString(name + "_token_url"),
			UserInfoURL:  viper.GetString(name + "_userinfo_url"),
			Scopes:       nonEmpty(viper.GetStringSlice(name + "_scopes")),
		}.WithDefaults())
	}
	if len(providers) == 0 {
		return authkit.ServerConfig{}, configError(configCodeMissingProvider, "at least one of google_client_id, naver_client_id, kakao_client_id must be provided")
	}

	return authkit.ServerConfig{
		JWTSigningKey:     []byte(jwtSigningKey),
		JWTAlgorithm:      jwtAlgorithm,
		JWTIssuer:         jwtIssuer,
		CookieDomain:      viper.GetString("cookie_domain"),
		AccessCookieName:  authkit.DefaultAccessCookieName,
		RefreshCookieName: authkit.DefaultRefreshCookieName,
		AccessTokenTTL:    accessTTL,
		RefreshTokenTTL:   refreshTTL,
		StateTTL:          stateTTL,
		ProviderTimeout:   providerTimeout,
		Providers:         providers,
	}, nil
}

func durationSetting(key string, fallback time.Duration) time.Duration {
	if !viper.IsSet(key) {
		return fallback
	}
	return viper.GetDuration(key)
}

func nonEmpty(values []string) []string {
	kept := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return kept
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
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var middlewares []gin.HandlerFunc
	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return fmt.Errorf("%s: %w", configCodeInvalidCORS, corsErr)
		}
		middlewares = append(middlewares, corsMiddleware)
	}

	router, cleanup, buildErr := buildRouter(commandContext, serverConfig, logger, registry, middlewares...)
	defer cleanup()
	if buildErr != nil {
		return buildErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr), zap.Strings("providers", providerNames(serverConfig)))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildRouter wires stores, providers, and the auth service into a gin engine.
// The returned cleanup releases every opened store and is safe to call on error.
func buildRouter(ctx context.Context, serverConfig authkit.ServerConfig, logger *zap.Logger, registry *prometheus.Registry, middlewares ...gin.HandlerFunc) (*gin.Engine, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var closers []io.Closer
	var poolClosers []func()
	cleanup := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			_ = closers[index].Close()
		}
		for _, closePool := range poolClosers {
			closePool()
		}
	}

	credentials, credentialsErr := buildCredentialStore(ctx, logger)
	if credentialsErr != nil {
		return nil, cleanup, credentialsErr
	}
	if closer, ok := credentials.(io.Closer); ok {
		closers = append(closers, closer)
	}

	users, closeUsers, usersErr := buildUserDirectory(ctx, logger)
	if usersErr != nil {
		return nil, cleanup, usersErr
	}
	if closeUsers != nil {
		poolClosers = append(poolClosers, closeUsers)
	}

	issuer, issuerErr := authkit.NewTokenIssuer(authkit.TokenIssuerConfig{
		SigningKey: serverConfig.JWTSigningKey,
		Algorithm:  serverConfig.JWTAlgorithm,
		Issuer:     serverConfig.JWTIssuer,
		AccessTTL:  serverConfig.AccessTokenTTL,
		RefreshTTL: serverConfig.RefreshTokenTTL,
	})
	if issuerErr != nil {
		return nil, cleanup, issuerErr
	}

	providers := make([]authkit.IdentityProvider, 0, len(serverConfig.Providers))
	for _, providerConfig := range serverConfig.Providers {
		options := authkit.ProviderClientOptions{
			States:   credentials,
			StateTTL: serverConfig.StateTTL,
			Timeout:  serverConfig.ProviderTimeout,
			Logger:   logger,
		}
		if providerConfig.Name == authkit.ProviderGoogle {
			validator, validatorErr := buildGoogleTokenValidator(ctx)
			if validatorErr != nil {
				return nil, cleanup, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
			}
			options.IDTokenValidator = validator
		}
		client, clientErr := authkit.NewProviderClient(providerConfig, options)
		if clientErr != nil {
			return nil, cleanup, clientErr
		}
		providers = append(providers, client)
	}

	service, serviceErr := authkit.NewService(authkit.ServiceDependencies{
		Issuer:      issuer,
		Credentials: credentials,
		Users:       users,
		Providers:   providers,
		Logger:      logger,
		Metrics:     authkit.NewPrometheusMetrics(registry),
	})
	if serviceErr != nil {
		return nil, cleanup, serviceErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	router.Use(middlewares...)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	authkit.MountAuthRoutes(router, serverConfig, service, logger)
	return router, cleanup, nil
}

func buildCredentialStore(ctx context.Context, logger *zap.Logger) (authkit.CredentialStore, error) {
	redisURL := viper.GetString("redis_url")
	if redisURL == "" {
		logger.Info("using in-memory credential store")
		return authkit.NewMemoryCredentialStore(), nil
	}
	store, err := authkit.NewRedisCredentialStore(ctx, authkit.RedisConfig{
		URL:       redisURL,
		KeyPrefix: viper.GetString("redis_key_prefix"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("using redis credential store")
	return store, nil
}

func buildUserDirectory(ctx context.Context, logger *zap.Logger) (authkit.UserDirectory, func(), error) {
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		logger.Info("using in-memory user directory")
		return web.NewInMemoryUsers(), nil, nil
	}
	userStore := strings.ToLower(viper.GetString("user_store"))
	switch userStore {
	case "", "gorm":
		directory, err := authkit.NewDatabaseUserDirectory(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent user directory", zap.String("driver", directory.Driver()))
		return directory, func() { _ = directory.Close() }, nil
	case "pgx":
		pool, err := authkitpg.BuildPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using persistent user directory", zap.String("driver", "pgx"))
		return authkitpg.NewPostgresUserDirectory(pool), pool.Close, nil
	default:
		return nil, nil, configError(configCodeInvalidUserStore, "user_store must be gorm or pgx")
	}
}

func providerNames(serverConfig authkit.ServerConfig) []string {
	names := make([]string, 0, len(serverConfig.Providers))
	for _, provider := range serverConfig.Providers {
		names = append(names, provider.Name)
	}
	return names
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
