package authkit

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCredentialStore is an in-memory CredentialStore intended for tests and dev.
type MemoryCredentialStore struct {
	mutex     sync.Mutex
	states    map[string]memoryEntry
	refresh   map[int64]memoryEntry
	blacklist map[string]time.Time
	now       func() time.Time
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)

// NewMemoryCredentialStore constructs an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		states:    make(map[string]memoryEntry),
		refresh:   make(map[int64]memoryEntry),
		blacklist: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (store *MemoryCredentialStore) SaveState(ctx context.Context, state string, provider string, ttl time.Duration) error {
	if state == "" {
		return ErrEmptyToken
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.states[state] = memoryEntry{value: provider, expiresAt: store.now().Add(ttl)}
	return nil
}

func (store *MemoryCredentialStore) ConsumeState(ctx context.Context, state string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.states[state]
	if !ok {
		store.purgeExpiredLocked()
		return "", ErrStateNotFound
	}
	delete(store.states, state)
	if !store.now().Before(entry.expiresAt) {
		store.purgeExpiredLocked()
		return "", ErrStateNotFound
	}
	return entry.value, nil
}

func (store *MemoryCredentialStore) SaveRefreshToken(ctx context.Context, userID int64, token string, ttl time.Duration) error {
	if token == "" {
		return ErrEmptyToken
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.refresh[userID] = memoryEntry{value: token, expiresAt: store.now().Add(ttl)}
	return nil
}

func (store *MemoryCredentialStore) RefreshToken(ctx context.Context, userID int64) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.refreshTokenLocked(userID)
}

func (store *MemoryCredentialStore) RotateRefreshToken(ctx context.Context, userID int64, presented string, next string, ttl time.Duration, presentedExpiresAt time.Time) error {
	if next == "" {
		return ErrEmptyToken
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored, err := store.refreshTokenLocked(userID)
	if err != nil {
		return ErrRefreshTokenMismatch
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return ErrRefreshTokenMismatch
	}
	now := store.now()
	store.refresh[userID] = memoryEntry{value: next, expiresAt: now.Add(ttl)}
	store.blacklist[hashToken(presented)] = now.Add(blacklistTTL(now, presentedExpiresAt))
	return nil
}

func (store *MemoryCredentialStore) DeleteRefreshToken(ctx context.Context, userID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.refresh, userID)
	return nil
}

func (store *MemoryCredentialStore) Blacklist(ctx context.Context, token string, expiresAt time.Time) error {
	if token == "" {
		return ErrEmptyToken
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	now := store.now()
	store.blacklist[hashToken(token)] = now.Add(blacklistTTL(now, expiresAt))
	return nil
}

func (store *MemoryCredentialStore) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.blacklist[hashToken(token)]
	if !ok {
		return false, nil
	}
	if !store.now().Before(expiry) {
		delete(store.blacklist, hashToken(token))
		return false, nil
	}
	return true, nil
}

func (store *MemoryCredentialStore) refreshTokenLocked(userID int64) (string, error) {
	entry, ok := store.refresh[userID]
	if !ok {
		return "", ErrRefreshTokenNotFound
	}
	if !store.now().Before(entry.expiresAt) {
		delete(store.refresh, userID)
		return "", ErrRefreshTokenNotFound
	}
	return entry.value, nil
}

// purgeExpiredLocked drops every expired state, refresh token and blacklist entry.
func (store *MemoryCredentialStore) purgeExpiredLocked() {
	now := store.now()
	for state, entry := range store.states {
		if !now.Before(entry.expiresAt) {
			delete(store.states, state)
		}
	}
	for userID, entry := range store.refresh {
		if !now.Before(entry.expiresAt) {
			delete(store.refresh, userID)
		}
	}
	for tokenHash, expiresAt := range store.blacklist {
		if !now.Before(expiresAt) {
			delete(store.blacklist, tokenHash)
		}
	}
}

// Len reports how many states, refresh tokens and blacklist entries are held.
func (store *MemoryCredentialStore) Len() (states int, refreshTokens int, blacklisted int) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.states), len(store.refresh), len(store.blacklist)
}
