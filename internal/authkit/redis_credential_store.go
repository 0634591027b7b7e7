package authkit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
)

// DefaultRedisKeyPrefix namespaces every key written by the store.
const DefaultRedisKeyPrefix = "socialauth:"

var errEmptyRedisURL = errors.New("credential_store.redis.empty_url")

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	URL          string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisCredentialStore keeps OAuth state, refresh tokens, and the blacklist in Redis.
type RedisCredentialStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ CredentialStore = (*RedisCredentialStore)(nil)

// NewRedisCredentialStore connects to Redis and fails fast when the server is unreachable.
func NewRedisCredentialStore(ctx context.Context, configuration RedisConfig) (*RedisCredentialStore, error) {
	if strings.TrimSpace(configuration.URL) == "" {
		return nil, fmt.Errorf("credential_store.redis.open: %w", errEmptyRedisURL)
	}
	options, parseErr := redis.ParseURL(configuration.URL)
	if parseErr != nil {
		return nil, fmt.Errorf("credential_store.redis.parse_url: %w", parseErr)
	}
	options.DialTimeout = durationOrDefault(configuration.DialTimeout, DefaultRedisDialTimeout)
	options.ReadTimeout = durationOrDefault(configuration.ReadTimeout, DefaultRedisReadTimeout)
	options.WriteTimeout = durationOrDefault(configuration.WriteTimeout, DefaultRedisWriteTimeout)

	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credential_store.redis.ping: %w", pingErr)
	}
	return NewRedisCredentialStoreWithClient(client, configuration.KeyPrefix), nil
}

// NewRedisCredentialStoreWithClient wraps an existing client.
func NewRedisCredentialStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisCredentialStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisCredentialStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Close releases the underlying client.
func (store *RedisCredentialStore) Close() error {
	return store.client.Close()
}

// Ping reports whether Redis is reachable.
func (store *RedisCredentialStore) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}

func (store *RedisCredentialStore) stateKey(state string) string {
	return store.keyPrefix + "oauth_state:" + state
}

func (store *RedisCredentialStore) refreshKey(userID int64) string {
	return store.keyPrefix + "refresh_token:" + strconv.FormatInt(userID, 10)
}

func (store *RedisCredentialStore) blacklistKey(token string) string {
	return store.keyPrefix + "token_blacklist:" + hashToken(token)
}

func (store *RedisCredentialStore) SaveState(ctx context.Context, state string, provider string, ttl time.Duration) error {
	if state == "" {
		return ErrEmptyToken
	}
	if err := store.client.Set(ctx, store.stateKey(state), provider, ttl).Err(); err != nil {
		return fmt.Errorf("credential_store.redis.save_state: %w", err)
	}
	return nil
}

func (store *RedisCredentialStore) ConsumeState(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", ErrStateNotFound
	}
	provider, err := store.client.GetDel(ctx, store.stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credential_store.redis.consume_state: %w", err)
	}
	return provider, nil
}

func (store *RedisCredentialStore) SaveRefreshToken(ctx context.Context, userID int64, token string, ttl time.Duration) error {
	if token == "" {
		return ErrEmptyToken
	}
	if err := store.client.Set(ctx, store.refreshKey(userID), token, ttl).Err(); err != nil {
		return fmt.Errorf("credential_store.redis.save_refresh: %w", err)
	}
	return nil
}

func (store *RedisCredentialStore) RefreshToken(ctx context.Context, userID int64) (string, error) {
	token, err := store.client.Get(ctx, store.refreshKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRefreshTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credential_store.redis.get_refresh: %w", err)
	}
	return token, nil
}

func (store *RedisCredentialStore) RotateRefreshToken(ctx context.Context, userID int64, presented string, next string, ttl time.Duration, presentedExpiresAt time.Time) error {
	if next == "" {
		return ErrEmptyToken
	}
	refreshKey := store.refreshKey(userID)
	blacklistKey := store.blacklistKey(presented)
	revokeFor := blacklistTTL(store.now(), presentedExpiresAt)

	rotate := func(tx *redis.Tx) error {
		stored, getErr := tx.Get(ctx, refreshKey).Result()
		if errors.Is(getErr, redis.Nil) {
			return ErrRefreshTokenMismatch
		}
		if getErr != nil {
			return getErr
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
			return ErrRefreshTokenMismatch
		}
		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, refreshKey, next, ttl)
			pipe.Set(ctx, blacklistKey, "1", revokeFor)
			return nil
		})
		return pipeErr
	}

	err := store.client.Watch(ctx, rotate, refreshKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRefreshTokenMismatch), errors.Is(err, redis.TxFailedErr):
		return ErrRefreshTokenMismatch
	default:
		return fmt.Errorf("credential_store.redis.rotate_refresh: %w", err)
	}
}

func (store *RedisCredentialStore) DeleteRefreshToken(ctx context.Context, userID int64) error {
	if err := store.client.Del(ctx, store.refreshKey(userID)).Err(); err != nil {
		return fmt.Errorf("credential_store.redis.delete_refresh: %w", err)
	}
	return nil
}

func (store *RedisCredentialStore) Blacklist(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return ErrEmptyToken
	}
	ttl := blacklistTTL(store.now(), expiresAt)
	if err := store.client.Set(ctx, store.blacklistKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("credential_store.redis.blacklist: %w", err)
	}
	return nil
}

func (store *RedisCredentialStore) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	count, err := store.client.Exists(ctx, store.blacklistKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("credential_store.redis.is_blacklisted: %w", err)
	}
	return count > 0, nil
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
