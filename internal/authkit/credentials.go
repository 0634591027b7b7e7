package authkit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStateNotFound indicates the OAuth state was never issued, already consumed, or expired.
	ErrStateNotFound = errors.New("credential_store.state_not_found")
	// ErrRefreshTokenNotFound indicates no refresh token is stored for the user.
	ErrRefreshTokenNotFound = errors.New("credential_store.refresh_token_not_found")
	// ErrRefreshTokenMismatch indicates the stored refresh token differs from the presented one.
	ErrRefreshTokenMismatch = errors.New("credential_store.refresh_token_mismatch")
	// ErrEmptyToken indicates an empty token or state value.
	ErrEmptyToken = errors.New("credential_store.empty_token")
)

// StateStore persists short-lived OAuth state values keyed by the nonce.
type StateStore interface {
	// SaveState records which provider issued the state.
	SaveState(ctx context.Context, state string, provider string, ttl time.Duration) error
	// ConsumeState atomically reads and deletes the state, returning the issuing provider.
	ConsumeState(ctx context.Context, state string) (string, error)
}

// RefreshTokenStore keeps the single trusted refresh token per user.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, userID int64, token string, ttl time.Duration) error
	RefreshToken(ctx context.Context, userID int64) (string, error)
	// RotateRefreshToken replaces presented with next only if presented is the stored token,
	// and blacklists presented until presentedExpiresAt in the same transaction.
	RotateRefreshToken(ctx context.Context, userID int64, presented string, next string, ttl time.Duration, presentedExpiresAt time.Time) error
	// DeleteRefreshToken is idempotent.
	DeleteRefreshToken(ctx context.Context, userID int64) error
}

// TokenBlacklist records revoked tokens until their natural expiry.
type TokenBlacklist interface {
	Blacklist(ctx context.Context, token string, expiresAt time.Time) error
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

// CredentialStore is the cache-backed store for OAuth state, refresh tokens, and the blacklist.
type CredentialStore interface {
	StateStore
	RefreshTokenStore
	TokenBlacklist
}

// minimumBlacklistTTL keeps an entry alive for tokens that are at, or just past, expiry.
const minimumBlacklistTTL = time.Second

func blacklistTTL(now time.Time, expiresAt time.Time) time.Duration {
	remaining := expiresAt.Sub(now)
	if remaining < minimumBlacklistTTL {
		return minimumBlacklistTTL
	}
	return remaining
}
