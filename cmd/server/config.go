package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tyemirov/sessiond/internal/sessionkit"
)

const (
	defaultJWTIssuer        = "sessiond"
	defaultRedisPrefix      = "sessiond:"
	defaultHMACAlgorithm    = "HmacSHA256"
	defaultOperationTimeout = 2 * time.Second

	directoryDriverGORM = "gorm"
	directoryDriverPGX  = "pgx"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingHMACSecret       = "config.missing_hmac_secret"
	configCodeInvalidHMACAlgorithm    = "config.invalid_hmac_algorithm"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidMaxSessions      = "config.invalid_max_sessions"
	configCodeInvalidOperationTimeout = "config.invalid_operation_timeout"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeInvalidDirectoryDriver  = "config.invalid_directory_driver"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

// appConfig is the validated process configuration.
type appConfig struct {
	Session            sessionkit.ServerConfig
	ListenAddr         string
	RedisURL           string
	RedisPrefix        string
	DatabaseURL        string
	DirectoryDriver    string
	JWTSigningKey      []byte
	JWTIssuer          string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	HMACAlgorithm      string
	HMACSecret         string
	OperationTimeout   time.Duration
	EnableCORS         bool
	CORSAllowedOrigins []string
	EnableMetrics      bool
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads viper and returns an error coded config.<field> for the first invalid knob.
func LoadServerConfig() (appConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return appConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	hmacSecret := viper.GetString("hmac_secret")
	if hmacSecret == "" {
		return appConfig{}, configError(configCodeMissingHMACSecret, "hmac_secret must be provided")
	}
	hmacAlgorithm := viper.GetString("hmac_algorithm")
	if strings.TrimSpace(hmacAlgorithm) == "" {
		hmacAlgorithm = defaultHMACAlgorithm
	}
	if _, err := sessionkit.NewTokenHasher(hmacAlgorithm, hmacSecret); err != nil {
		return appConfig{}, configError(configCodeInvalidHMACAlgorithm, fmt.Sprintf("hmac_algorithm %q is not supported", hmacAlgorithm))
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return appConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return appConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	maxSessions := sessionkit.DefaultMaxConcurrentSessions
	if viper.IsSet("max_sessions") {
		maxSessions = viper.GetInt("max_sessions")
	}
	if maxSessions < 1 {
		return appConfig{}, configError(configCodeInvalidMaxSessions, "max_sessions must be at least one")
	}

	operationTimeout := defaultOperationTimeout
	if viper.IsSet("operation_timeout") {
		operationTimeout = viper.GetDuration("operation_timeout")
	}
	if operationTimeout <= 0 {
		return appConfig{}, configError(configCodeInvalidOperationTimeout, "operation_timeout must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return appConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	directoryDriver := strings.ToLower(strings.TrimSpace(viper.GetString("directory_driver")))
	switch directoryDriver {
	case "":
		directoryDriver = directoryDriverGORM
	case directoryDriverGORM, directoryDriverPGX:
	default:
		return appConfig{}, configError(configCodeInvalidDirectoryDriver, "directory_driver must be gorm or pgx")
	}

	jwtIssuer := viper.GetString("jwt_issuer")
	if jwtIssuer == "" {
		jwtIssuer = defaultJWTIssuer
	}
	redisPrefix := defaultRedisPrefix
	if viper.IsSet("redis_prefix") {
		redisPrefix = viper.GetString("redis_prefix")
	}

	// Cross-site browser clients only send the refresh cookie when SameSite=None.
	sameSiteMode := http.SameSiteStrictMode
	if enableCORS {
		sameSiteMode = http.SameSiteNoneMode
	}

	return appConfig{
		Session: sessionkit.ServerConfig{
			MaxConcurrentSessions: maxSessions,
			RefreshCookieName:     viper.GetString("refresh_cookie_name"),
			RefreshCookiePath:     viper.GetString("refresh_cookie_path"),
			CookieDomain:          viper.GetString("cookie_domain"),
			SameSiteMode:          sameSiteMode,
			RequestTimeout:        viper.GetDuration("request_timeout"),
		},
		ListenAddr:         viper.GetString("listen_addr"),
		RedisURL:           viper.GetString("redis_url"),
		RedisPrefix:        redisPrefix,
		DatabaseURL:        viper.GetString("database_url"),
		DirectoryDriver:    directoryDriver,
		JWTSigningKey:      []byte(jwtSigningKey),
		JWTIssuer:          jwtIssuer,
		AccessTTL:          accessTTL,
		RefreshTTL:         refreshTTL,
		HMACAlgorithm:      hmacAlgorithm,
		HMACSecret:         hmacSecret,
		OperationTimeout:   operationTimeout,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		EnableMetrics:      viper.GetBool("enable_metrics"),
	}, nil
}
