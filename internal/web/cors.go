package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.origin.wildcard")
	errEmptyAllowedOrigins = errors.New("cors.origin.empty")
	errInvalidOrigin       = errors.New("cors.origin.invalid")
)

const corsPreflightMaxAge = 12 * time.Hour

// ConfigureCORS lets the listed origins call the auth endpoints with credentials.
// Session cookies are Secure and SameSite=None under CORS, so every origin must be
// https unless it is a loopback host used for local development.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := parseAllowedOrigins(allowedOrigins)
	if err != nil {
		return nil, err
	}
	logger.Info("cors enabled", zap.Strings("origins", origins))
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           corsPreflightMaxAge,
	}), nil
}

// parseAllowedOrigins normalizes, deduplicates and sorts the configured origins.
func parseAllowedOrigins(allowed []string) ([]string, error) {
	unique := make(map[string]struct{}, len(allowed))
	for _, raw := range allowed {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		unique[origin] = struct{}{}
	}
	if len(unique) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	origins := make([]string, 0, len(unique))
	for origin := range unique {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins, nil
}

// normalizeOrigin reduces an origin to scheme://host[:port] and rejects anything
// that could not receive a Secure session cookie.
func normalizeOrigin(origin string) (string, error) {
	if origin == "*" {
		return "", errWildcardOrigin
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, origin)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return "", fmt.Errorf("%w: %s must not carry a path, query, fragment or credentials", errInvalidOrigin, origin)
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)
	switch scheme {
	case "https":
	case "http":
		if !isLoopbackHost(parsed.Hostname()) {
			return "", fmt.Errorf("%w: %s must use https to receive session cookies", errInvalidOrigin, origin)
		}
	default:
		return "", fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, origin)
	}
	return scheme + "://" + host, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
