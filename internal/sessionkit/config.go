package sessionkit

import (
	"net/http"
	"time"
)

// ServerConfig configures session issuance, cookies, and caps.
type ServerConfig struct {
	MaxConcurrentSessions int
	RefreshCookieName     string
	RefreshCookiePath     string
	CookieDomain          string
	SameSiteMode          http.SameSite
	RequestTimeout        time.Duration
}

const (
	// DefaultRefreshCookieName is used when ServerConfig.RefreshCookieName is empty.
	DefaultRefreshCookieName = "app_refresh"
	// DefaultRefreshCookiePath scopes the refresh cookie to the auth routes.
	DefaultRefreshCookiePath = "/auth"
	// DefaultMaxConcurrentSessions is applied when the configured cap is below one.
	DefaultMaxConcurrentSessions = 5
)

func (configuration ServerConfig) withDefaults() ServerConfig {
	if configuration.RefreshCookieName == "" {
		configuration.RefreshCookieName = DefaultRefreshCookieName
	}
	if configuration.RefreshCookiePath == "" {
		configuration.RefreshCookiePath = DefaultRefreshCookiePath
	}
	if configuration.MaxConcurrentSessions < 1 {
		configuration.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteStrictMode
	}
	return configuration
}
