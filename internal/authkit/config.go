package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures token signing, cookies, TTLs, and identity providers.
type ServerConfig struct {
	JWTSigningKey     []byte
	JWTAlgorithm      string
	JWTIssuer         string
	CookieDomain      string
	AccessCookieName  string
	RefreshCookieName string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	StateTTL          time.Duration
	ProviderTimeout   time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	Providers         []ProviderConfig
}

// Default cookie names and lifetimes.
const (
	DefaultAccessCookieName  = "access_token"
	DefaultRefreshCookieName = "refresh_token"
	DefaultAccessTokenTTL    = 30 * time.Minute
	DefaultRefreshTokenTTL   = 7 * 24 * time.Hour
	DefaultStateTTL          = 5 * time.Minute
	DefaultProviderTimeout   = 10 * time.Second
)

func (configuration ServerConfig) accessCookieName() string {
	if configuration.AccessCookieName == "" {
		return DefaultAccessCookieName
	}
	return configuration.AccessCookieName
}

func (configuration ServerConfig) refreshCookieName() string {
	if configuration.RefreshCookieName == "" {
		return DefaultRefreshCookieName
	}
	return configuration.RefreshCookieName
}
