package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_directory.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_directory.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_directory.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_directory.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_directory.unsupported_no_scheme")
)

// DatabaseUserDirectory stores users through GORM on Postgres or SQLite.
type DatabaseUserDirectory struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

var _ UserDirectory = (*DatabaseUserDirectory)(nil)

// NewDatabaseUserDirectory opens the database and migrates the users table.
func NewDatabaseUserDirectory(ctx context.Context, databaseURL string) (*DatabaseUserDirectory, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_directory.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_directory.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("user_directory.open.%s: %w", driverLabel, sqlErr)
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&User{}); migrateErr != nil {
		return nil, fmt.Errorf("user_directory.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserDirectory{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         time.Now,
	}, nil
}

// Driver exposes the selected database driver label.
func (directory *DatabaseUserDirectory) Driver() string {
	return directory.driverLabel
}

// Close releases the underlying connection pool.
func (directory *DatabaseUserDirectory) Close() error {
	sqlDB, err := directory.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (directory *DatabaseUserDirectory) GetByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := directory.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user_directory.get_by_email.%s: %w", directory.driverLabel, err)
	}
	return user, nil
}

func (directory *DatabaseUserDirectory) GetByID(ctx context.Context, id int64) (User, error) {
	var user User
	err := directory.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user_directory.get_by_id.%s: %w", directory.driverLabel, err)
	}
	return user, nil
}

func (directory *DatabaseUserDirectory) Create(ctx context.Context, profile UserProfile) (User, error) {
	user, err := NewUserFromProfile(profile, directory.now())
	if err != nil {
		return User{}, fmt.Errorf("user_directory.create.%s: %w", directory.driverLabel, err)
	}
	if createErr := directory.db.WithContext(ctx).Create(&user).Error; createErr != nil {
		if isUniqueViolation(createErr) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("user_directory.create.%s: %w", directory.driverLabel, createErr)
	}
	return user, nil
}

func (directory *DatabaseUserDirectory) GetOrCreate(ctx context.Context, profile UserProfile) (User, error) {
	return GetOrCreateUser(ctx, directory, profile)
}

func (directory *DatabaseUserDirectory) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	result := directory.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("last_login", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("user_directory.record_login.%s: %w", directory.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_directory.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_directory.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_directory.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_directory.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
