// Package sessionvalidator verifies access and refresh tokens minted by socialauth.
//
// Downstream Go services can import it to validate the access_token cookie (or a
// bearer header) without calling back into the auth service. Supplying a
// RevocationChecker makes the validator honour the server-side blacklist.
package sessionvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

// RevocationChecker reports whether an otherwise valid token has been revoked.
type RevocationChecker interface {
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

// Config configures the Validator.
type Config struct {
	SigningKey  []byte
	Algorithm   string
	Issuer      string
	CookieName  string
	Clock       Clock
	Revocations RevocationChecker
}

// Token types carried in the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "access_token"

// DefaultAlgorithm is used when Config.Algorithm is empty.
const DefaultAlgorithm = "HS256"

const bearerPrefix = "bearer "

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey    = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer        = errors.New("session.validator.missing_issuer")
	ErrUnsupportedAlgorithm = errors.New("session.validator.unsupported_algorithm")
	ErrMissingToken         = errors.New("session.validator.missing_token")
	ErrInvalidToken         = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer        = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired         = errors.New("session.validator.expired")
	ErrUnexpectedTokenType  = errors.New("session.validator.unexpected_token_type")
	ErrTokenRevoked         = errors.New("session.validator.revoked")
)

// Validator validates socialauth tokens.
type Validator struct {
	signingKey  []byte
	method      *jwt.SigningMethodHMAC
	issuer      string
	cookieName  string
	clock       Clock
	revocations RevocationChecker
}

// Claims represent the payload embedded inside socialauth tokens. The subject is the user's email.
type Claims struct {
	UserID    int64  `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// GetUserID returns the numeric user identifier.
func (claims *Claims) GetUserID() int64 {
	if claims == nil {
		return 0
	}
	return claims.UserID
}

// GetUserEmail returns the email carried as the token subject.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetTokenType returns access or refresh.
func (claims *Claims) GetTokenType() string {
	if claims == nil {
		return ""
	}
	return claims.TokenType
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// SigningMethod resolves a supported HMAC algorithm name.
func SigningMethod(algorithm string) (*jwt.SigningMethodHMAC, error) {
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case "", jwt.SigningMethodHS256.Alg():
		return jwt.SigningMethodHS256, nil
	case jwt.SigningMethodHS384.Alg():
		return jwt.SigningMethodHS384, nil
	case jwt.SigningMethodHS512.Alg():
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	method, methodErr := SigningMethod(configuration.Algorithm)
	if methodErr != nil {
		return nil, fmt.Errorf("session.validator.new: %w", methodErr)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey:  configuration.SigningKey,
		method:      method,
		issuer:      configuration.Issuer,
		cookieName:  cookieName,
		clock:       clock,
		revocations: configuration.Revocations,
	}, nil
}

// ValidateToken validates the JWT string and returns the parsed claims.
// An empty expectedType accepts either token type.
func (validator *Validator) ValidateToken(tokenString string, expectedType string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{validator.method.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	current := validator.clock.Now()
	if !current.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if expectedType != "" && claims.TokenType != expectedType {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrUnexpectedTokenType)
	}
	return claims, nil
}

// ValidateRequest reads the access token from the request and validates it,
// consulting the revocation checker when one is configured.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	token, found := TokenFromRequest(request, validator.cookieName)
	if !found {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	claims, err := validator.ValidateToken(token, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if validator.revocations != nil {
		revoked, checkErr := validator.revocations.IsBlacklisted(request.Context(), token)
		if checkErr != nil {
			return nil, fmt.Errorf("session.validator.validate_request: %w", checkErr)
		}
		if revoked {
			return nil, fmt.Errorf("session.validator.validate_request: %w", ErrTokenRevoked)
		}
	}
	return claims, nil
}

// GinMiddleware returns a Gin middleware that validates the access token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// TokenFromRequest extracts a token from the named cookie, falling back to an
// Authorization bearer header. A "Bearer " prefix inside the cookie value is tolerated.
func TokenFromRequest(request *http.Request, cookieName string) (string, bool) {
	if request == nil {
		return "", false
	}
	if cookie, cookieErr := request.Cookie(cookieName); cookieErr == nil && cookie != nil {
		if token := stripBearer(cookie.Value); token != "" {
			return token, true
		}
	}
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
			return token, true
		}
	}
	return "", false
}

func stripBearer(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) > len(bearerPrefix) && strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(trimmed[len(bearerPrefix):])
	}
	return trimmed
}
