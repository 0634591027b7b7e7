package authkit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type credentialStoreHarness struct {
	store   CredentialStore
	now     func() time.Time
	advance func(time.Duration)
}

func newMemoryHarness(t *testing.T) credentialStoreHarness {
	t.Helper()
	store := NewMemoryCredentialStore()
	var mutex sync.Mutex
	current := time.Unix(1700000000, 0)
	store.now = func() time.Time {
		mutex.Lock()
		defer mutex.Unlock()
		return current
	}
	return credentialStoreHarness{
		store: store,
		now:   store.now,
		advance: func(duration time.Duration) {
			mutex.Lock()
			defer mutex.Unlock()
			current = current.Add(duration)
		},
	}
}

func newRedisHarness(t *testing.T) credentialStoreHarness {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return credentialStoreHarness{
		store:   NewRedisCredentialStoreWithClient(client, "test:"),
		now:     time.Now,
		advance: server.FastForward,
	}
}

func credentialStoreHarnesses() map[string]func(t *testing.T) credentialStoreHarness {
	return map[string]func(t *testing.T) credentialStoreHarness{
		"memory": newMemoryHarness,
		"redis":  newRedisHarness,
	}
}

func TestCredentialStoreStateIsSingleUse(t *testing.T) {
	for name, build := range credentialStoreHarnesses() {
		build := build
		t.Run(name, func(t *testing.T) {
			harness := build(t)
			ctx := context.Background()

			require.NoError(t, harness.store.SaveState(ctx, "state-1", "google", time.Minute))

			provider, err := harness.store.ConsumeState(ctx, "state-1")
			require.NoError(t, err)
			require.Equal(t, "google", provider)

			_, err = harness.store.ConsumeState(ctx, "state-1")
			require.ErrorIs(t, err, ErrStateNotFound)

			_, err = harness.store.ConsumeState(ctx, "never-issued")
			require.ErrorIs(t, err, ErrStateNotFound)
		})
	}
}

func TestCredentialStoreStateExpires(t *testing.T) {
	for name, build := range credentialStoreHarnesses() {
		build := build
		t.Run(name, func(t *testing.T) {
			harness := build(t)
			ctx := context.Background()

			require.NoError(t, harness.store.SaveState(ctx, "state-2", "kakao", time.Minute))
			harness.advance(2 * time.Minute)

			_, err := harness.store.ConsumeState(ctx, "state-2")
			require.ErrorIs(t, err, ErrStateNotFound)
		})
	}
}

func TestCredentialStoreRefreshRotation(t *testing.T) {
	for name, build := range credentialStoreHarnesses() {
		build := build
		t.Run(name, func(t *testing.T) {
			harness := build(t)
			ctx := context.Background()
			expiresAt := harness.now().Add(time.Hour)

			_, err := harness.store.RefreshToken(ctx, 7)
			require.ErrorIs(t, err, ErrRefreshTokenNotFound)

			require.NoError(t, harness.store.SaveRefreshToken(ctx, 7, "refresh-a", time.Hour))
			stored, err := harness.store.RefreshToken(ctx, 7)
			require.NoError(t, err)
			require.Equal(t, "refresh-a", stored)

			require.NoError(t, harness.store.RotateRefreshToken(ctx, 7, "refresh-a", "refresh-b", time.Hour, expiresAt))

			stored, err = harness.store.RefreshToken(ctx, 7)
			require.NoError(t, err)
			require.Equal(t, "refresh-b", stored)

			blacklisted, err := harness.store.IsBlacklisted(ctx, "refresh-a")
			require.NoError(t, err)
			require.True(t, blacklisted, "superseded token must be blacklisted")

			err = harness.store.RotateRefreshToken(ctx, 7, "refresh-a", "refresh-c", time.Hour, expiresAt)
			require.ErrorIs(t, err, ErrRefreshTokenMismatch)

			stored, err = harness.store.RefreshToken(ctx, 7)
			require.NoError(t, err)
			require.Equal(t, "refresh-b", stored, "failed rotation must not overwrite the live token")

			err = harness.store.RotateRefreshToken(ctx, 99, "refresh-a", "refresh-c", time.Hour, expiresAt)
			require.ErrorIs(t, err, ErrRefreshTokenMismatch)
		})
	}
}

func TestCredentialStoreDeleteRefreshTokenIsIdempotent(t *testing.T) {
	for name, build := range credentialStoreHarnesses() {
		build := build
		t.Run(name, func(t *testing.T) {
			harness := build(t)
			ctx := context.Background()

			require.NoError(t, harness.store.SaveRefreshToken(ctx, 3, "refresh", time.Hour))
			require.NoError(t, harness.store.DeleteRefreshToken(ctx, 3))
			require.NoError(t, harness.store.DeleteRefreshToken(ctx, 3))

			_, err := harness.store.RefreshToken(ctx, 3)
			require.ErrorIs(t, err, ErrRefreshTokenNotFound)
		})
	}
}

func TestCredentialStoreBlacklistLivesUntilTokenExpiry(t *testing.T) {
	for name, build := range credentialStoreHarnesses() {
		build := build
		t.Run(name, func(t *testing.T) {
			harness := build(t)
			ctx := context.Background()

			blacklisted, err := harness.store.IsBlacklisted(ctx, "access-token")
			require.NoError(t, err)
			require.False(t, blacklisted)

			require.NoError(t, harness.store.Blacklist(ctx, "access-token", harness.now().Add(10*time.Minute)))
			require.NoError(t, harness.store.Blacklist(ctx, "access-token", harness.now().Add(10*time.Minute)))

			blacklisted, err = harness.store.IsBlacklisted(ctx, "access-token")
			require.NoError(t, err)
			require.True(t, blacklisted)

			harness.advance(time.Hour)

			blacklisted, err = harness.store.IsBlacklisted(ctx, "access-token")
			require.NoError(t, err)
			require.False(t, blacklisted, "entries lapse once the token could no longer verify")
		})
	}
}

func TestCredentialStoreRejectsEmptyValues(t *testing.T) {
	for name, build := range credentialStoreHarnesses() {
		build := build
		t.Run(name, func(t *testing.T) {
			harness := build(t)
			ctx := context.Background()

			require.ErrorIs(t, harness.store.SaveState(ctx, "", "google", time.Minute), ErrEmptyToken)
			require.ErrorIs(t, harness.store.SaveRefreshToken(ctx, 1, "", time.Minute), ErrEmptyToken)
			require.ErrorIs(t, harness.store.Blacklist(ctx, "", harness.now()), ErrEmptyToken)
		})
	}
}

func TestRedisCredentialStoreKeysUsePrefixAndHash(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()
	store := NewRedisCredentialStoreWithClient(client, "")
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, "abc", "naver", time.Minute))
	require.NoError(t, store.SaveRefreshToken(ctx, 5, "refresh", time.Hour))
	require.NoError(t, store.Blacklist(ctx, "raw-token", time.Now().Add(time.Minute)))

	require.True(t, server.Exists(DefaultRedisKeyPrefix+"oauth_state:abc"))
	require.True(t, server.Exists(DefaultRedisKeyPrefix+"refresh_token:5"))
	require.True(t, server.Exists(DefaultRedisKeyPrefix+"token_blacklist:"+hashToken("raw-token")))
	require.False(t, server.Exists(DefaultRedisKeyPrefix+"token_blacklist:raw-token"))

	ttl := server.TTL(DefaultRedisKeyPrefix + "refresh_token:5")
	require.Equal(t, time.Hour, ttl)
}

func TestNewRedisCredentialStoreFailsFast(t *testing.T) {
	_, err := NewRedisCredentialStore(context.Background(), RedisConfig{})
	require.Error(t, err)

	server, runErr := miniredis.Run()
	require.NoError(t, runErr)
	store, err := NewRedisCredentialStore(context.Background(), RedisConfig{URL: "redis://" + server.Addr() + "/0"})
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())

	server.Close()
	_, err = NewRedisCredentialStore(context.Background(), RedisConfig{URL: "redis://" + server.Addr() + "/0", DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
}

func TestMemoryCredentialStorePurgesEveryExpiredEntry(t *testing.T) {
	harness := newMemoryHarness(t)
	store := harness.store.(*MemoryCredentialStore)
	ctx := context.Background()

	for index := 0; index < 1000; index++ {
		token := fmt.Sprintf("token-%d", index)
		require.NoError(t, store.Blacklist(ctx, token, harness.now().Add(time.Minute)))
		require.NoError(t, store.SaveRefreshToken(ctx, int64(index), token, time.Minute))
	}
	states, refreshTokens, blacklisted := store.Len()
	require.Equal(t, 0, states)
	require.Equal(t, 1000, refreshTokens)
	require.Equal(t, 1000, blacklisted)

	harness.advance(2 * time.Minute)
	require.NoError(t, store.SaveState(ctx, "fresh-state", "google", time.Minute))
	_, err := store.ConsumeState(ctx, "fresh-state")
	require.NoError(t, err)

	states, refreshTokens, blacklisted = store.Len()
	require.Equal(t, 0, states)
	require.Equal(t, 0, refreshTokens)
	require.Equal(t, 0, blacklisted)
}
