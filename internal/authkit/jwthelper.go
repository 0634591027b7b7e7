package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/socialauth/pkg/sessionvalidator"
)

// Clock provides the current time.
type Clock = sessionvalidator.Clock

// NewSystemClock returns the wall clock.
func NewSystemClock() Clock {
	return sessionvalidator.SystemClock()
}

var errEmptySubject = errors.New("jwt.mint.failure: subject must be non-empty")

// TokenIssuer mints and verifies access and refresh JWTs.
type TokenIssuer struct {
	method     *jwt.SigningMethodHMAC
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
	validator  *sessionvalidator.Validator
}

// TokenIssuerConfig configures a TokenIssuer.
type TokenIssuerConfig struct {
	SigningKey []byte
	Algorithm  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      Clock
}

// NewTokenIssuer validates the configuration and builds an issuer.
func NewTokenIssuer(configuration TokenIssuerConfig) (*TokenIssuer, error) {
	if configuration.AccessTTL <= 0 {
		return nil, errors.New("jwt.issuer.invalid_access_ttl")
	}
	if configuration.RefreshTTL <= 0 {
		return nil, errors.New("jwt.issuer.invalid_refresh_ttl")
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	method, methodErr := sessionvalidator.SigningMethod(configuration.Algorithm)
	if methodErr != nil {
		return nil, fmt.Errorf("jwt.issuer: %w", methodErr)
	}
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Algorithm:  method.Alg(),
		Issuer:     configuration.Issuer,
		Clock:      clock,
	})
	if validatorErr != nil {
		return nil, fmt.Errorf("jwt.issuer: %w", validatorErr)
	}
	return &TokenIssuer{
		method:     method,
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		accessTTL:  configuration.AccessTTL,
		refreshTTL: configuration.RefreshTTL,
		clock:      clock,
		validator:  validator,
	}, nil
}

// IssueAccessToken mints a short-lived access token for the user.
func (issuer *TokenIssuer) IssueAccessToken(userID int64, email string) (string, time.Time, error) {
	return issuer.mint(userID, email, sessionvalidator.TokenTypeAccess, issuer.accessTTL)
}

// IssueRefreshToken mints a long-lived refresh token for the user.
func (issuer *TokenIssuer) IssueRefreshToken(userID int64, email string) (string, time.Time, error) {
	return issuer.mint(userID, email, sessionvalidator.TokenTypeRefresh, issuer.refreshTTL)
}

// Verify checks signature, issuer, and expiry. Every failure maps to an authentication error.
func (issuer *TokenIssuer) Verify(token string) (*sessionvalidator.Claims, error) {
	claims, err := issuer.validator.ValidateToken(token, "")
	if err != nil {
		return nil, authenticationError("auth.token_invalid", "invalid credentials", err)
	}
	return claims, nil
}

// RefreshTTL returns the configured refresh-token lifetime.
func (issuer *TokenIssuer) RefreshTTL() time.Duration {
	return issuer.refreshTTL
}

func (issuer *TokenIssuer) mint(userID int64, email string, tokenType string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(email) == "" {
		return "", time.Time{}, errEmptySubject
	}
	issuedAt := issuer.clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(issuer.method, sessionvalidator.Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(issuer.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}
