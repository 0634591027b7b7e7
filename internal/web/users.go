package web

import (
	"context"
	"sync"
	"time"

	"github.com/tyemirov/socialauth/internal/authkit"
)

// InMemoryUsers is a user directory for local runs without a database.
type InMemoryUsers struct {
	mutex   sync.RWMutex
	byID    map[int64]authkit.User
	byEmail map[string]int64
	nextID  int64
	now     func() time.Time
}

var _ authkit.UserDirectory = (*InMemoryUsers)(nil)

// NewInMemoryUsers constructs an empty directory.
func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		byID:    make(map[int64]authkit.User),
		byEmail: make(map[string]int64),
		now:     time.Now,
	}
}

func (store *InMemoryUsers) GetByEmail(ctx context.Context, email string) (authkit.User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	id, ok := store.byEmail[authkit.NormalizeEmail(email)]
	if !ok {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	return store.byID[id], nil
}

func (store *InMemoryUsers) GetByID(ctx context.Context, id int64) (authkit.User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.byID[id]
	if !ok {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	return user, nil
}

// Create enforces email uniqueness the way a unique index would.
func (store *InMemoryUsers) Create(ctx context.Context, profile authkit.UserProfile) (authkit.User, error) {
	user, err := authkit.NewUserFromProfile(profile, store.now())
	if err != nil {
		return authkit.User{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[user.Email]; exists {
		return authkit.User{}, authkit.ErrUserExists
	}
	store.nextID++
	user.ID = store.nextID
	store.byID[user.ID] = user
	store.byEmail[user.Email] = user.ID
	return user, nil
}

func (store *InMemoryUsers) GetOrCreate(ctx context.Context, profile authkit.UserProfile) (authkit.User, error) {
	return authkit.GetOrCreateUser(ctx, store, profile)
}

func (store *InMemoryUsers) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.byID[id]
	if !ok {
		return authkit.ErrUserNotFound
	}
	loginAt := at.UTC()
	user.LastLogin = &loginAt
	store.byID[id] = user
	return nil
}

// Count returns the number of stored users.
func (store *InMemoryUsers) Count() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.byID)
}
