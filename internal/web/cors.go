package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.wildcard_with_credentials")
	errEmptyAllowedOrigins = errors.New("cors.no_origins")
	errInvalidOrigin       = errors.New("cors.invalid_origin")
)

// ConfigureCORS enables credentialed cross-origin requests for the supplied
// origins so browser clients on another host can carry the refresh cookie.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

// sanitizeOrigins reduces each entry to scheme://host, dropping blanks and
// duplicates. Plain http is accepted but logged unless it targets localhost.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowed))
	sanitized := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		normalized, skip, err := normalizeOrigin(origin)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		if strings.HasPrefix(normalized, "http://") && !isDevelopmentOrigin(normalized) {
			logger.Warn("plain http cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", normalized))
		}
		seen[normalized] = struct{}{}
		sanitized = append(sanitized, normalized)
	}
	if len(sanitized) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	sort.Strings(sanitized)
	return sanitized, nil
}

func normalizeOrigin(origin string) (string, bool, error) {
	trimmed := strings.TrimSpace(origin)
	switch trimmed {
	case "":
		return "", true, nil
	case "*":
		return "", false, errWildcardOrigin
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", false, fmt.Errorf("%w: %s must not carry a path, query or fragment", errInvalidOrigin, trimmed)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", false, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, trimmed)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), false, nil
}

func isDevelopmentOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
