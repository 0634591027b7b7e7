package authkit

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUserNotFound indicates that no user matches the lookup.
	ErrUserNotFound = errors.New("user_directory.not_found")
	// ErrUserExists indicates that the email is already registered.
	ErrUserExists = errors.New("user_directory.exists")

	errEmptyEmail = errors.New("user_directory.empty_email")
)

// User is a registered account.
type User struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Email        string     `gorm:"column:email;uniqueIndex;not null" json:"email"`
	Name         string     `gorm:"column:name;not null;default:''" json:"name"`
	ProfileImage *string    `gorm:"column:profile_image" json:"profile_image"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true" json:"is_active"`
	LastLogin    *time.Time `gorm:"column:last_login" json:"last_login"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

// UserProfile is the provider-neutral identity returned by a login.
type UserProfile struct {
	Email   string
	Name    string
	Picture *string
}

// UserDirectory persists users keyed by email.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id int64) (User, error)
	Create(ctx context.Context, profile UserProfile) (User, error)
	GetOrCreate(ctx context.Context, profile UserProfile) (User, error)
	RecordLogin(ctx context.Context, id int64, at time.Time) error
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewUserFromProfile builds an active, unsaved user.
func NewUserFromProfile(profile UserProfile, createdAt time.Time) (User, error) {
	email := NormalizeEmail(profile.Email)
	if email == "" {
		return User{}, errEmptyEmail
	}
	return User{
		Email:        email,
		Name:         profile.Name,
		ProfileImage: profile.Picture,
		IsActive:     true,
		CreatedAt:    createdAt.UTC(),
	}, nil
}

// GetOrCreateUser implements the read, create, re-read sequence shared by every directory.
// A concurrent insert of the same email surfaces as ErrUserExists and is resolved by the re-read.
func GetOrCreateUser(ctx context.Context, directory UserDirectory, profile UserProfile) (User, error) {
	existing, err := directory.GetByEmail(ctx, profile.Email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}
	created, createErr := directory.Create(ctx, profile)
	if createErr == nil {
		return created, nil
	}
	if !errors.Is(createErr, ErrUserExists) {
		return User{}, createErr
	}
	return directory.GetByEmail(ctx, profile.Email)
}
