package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/socialauth/internal/authkit"
)

const userColumns = `id, email, name, profile_image, is_active, last_login, created_at`

// PostgresUserDirectory stores users in PostgreSQL through pgx.
type PostgresUserDirectory struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ authkit.UserDirectory = (*PostgresUserDirectory)(nil)

// NewPostgresUserDirectory constructs a Postgres directory. Call EnsureSchema first.
func NewPostgresUserDirectory(pool *pgxpool.Pool) *PostgresUserDirectory {
	return &PostgresUserDirectory{pool: pool, now: time.Now}
}

func (directory *PostgresUserDirectory) GetByEmail(ctx context.Context, email string) (authkit.User, error) {
	row := directory.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, authkit.NormalizeEmail(email))
	user, err := scanUser(row)
	if err != nil {
		return authkit.User{}, wrapLookupError("user_directory.pg.get_by_email", err)
	}
	return user, nil
}

func (directory *PostgresUserDirectory) GetByID(ctx context.Context, id int64) (authkit.User, error) {
	row := directory.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return authkit.User{}, wrapLookupError("user_directory.pg.get_by_id", err)
	}
	return user, nil
}

func (directory *PostgresUserDirectory) Create(ctx context.Context, profile authkit.UserProfile) (authkit.User, error) {
	candidate, err := authkit.NewUserFromProfile(profile, directory.now())
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_directory.pg.create: %w", err)
	}
	row := directory.pool.QueryRow(ctx, `
INSERT INTO users (email, name, profile_image, is_active, created_at)
VALUES ($1, $2, $3, TRUE, $4)
RETURNING `+userColumns, candidate.Email, candidate.Name, candidate.ProfileImage, candidate.CreatedAt)
	user, scanErr := scanUser(row)
	if scanErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return authkit.User{}, authkit.ErrUserExists
		}
		return authkit.User{}, fmt.Errorf("user_directory.pg.create: %w", scanErr)
	}
	return user, nil
}

// GetOrCreate inserts the user unless the email exists and then reads the surviving row.
func (directory *PostgresUserDirectory) GetOrCreate(ctx context.Context, profile authkit.UserProfile) (authkit.User, error) {
	candidate, err := authkit.NewUserFromProfile(profile, directory.now())
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_directory.pg.get_or_create: %w", err)
	}
	row := directory.pool.QueryRow(ctx, `
INSERT INTO users (email, name, profile_image, is_active, created_at)
VALUES ($1, $2, $3, TRUE, $4)
ON CONFLICT (email) DO NOTHING
RETURNING `+userColumns, candidate.Email, candidate.Name, candidate.ProfileImage, candidate.CreatedAt)
	user, scanErr := scanUser(row)
	if scanErr == nil {
		return user, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return authkit.User{}, fmt.Errorf("user_directory.pg.get_or_create: %w", scanErr)
	}
	return directory.GetByEmail(ctx, candidate.Email)
}

func (directory *PostgresUserDirectory) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	tag, err := directory.pool.Exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("user_directory.pg.record_login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authkit.ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (authkit.User, error) {
	var user authkit.User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.ProfileImage, &user.IsActive, &user.LastLogin, &user.CreatedAt)
	return user, err
}

func wrapLookupError(code string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return authkit.ErrUserNotFound
	}
	return fmt.Errorf("%s: %w", code, err)
}
