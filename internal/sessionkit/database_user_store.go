package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
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

// DatabaseUserDirectory persists users using GORM.
type DatabaseUserDirectory struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (directory *DatabaseUserDirectory) Driver() string {
	return directory.driverLabel
}

// Close releases the underlying connection pool.
func (directory *DatabaseUserDirectory) Close() error {
	sqlDB, err := directory.db.DB()
	if err != nil {
		return fmt.Errorf("user_directory.close.%s: %w", directory.driverLabel, err)
	}
	if closeErr := sqlDB.Close(); closeErr != nil {
		return fmt.Errorf("user_directory.close.%s: %w", directory.driverLabel, closeErr)
	}
	return nil
}

type userRecord struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	Enabled      bool      `gorm:"column:enabled;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	LastActive   time.Time `gorm:"column:last_active"`
}

func (userRecord) TableName() string {
	return "users"
}

// NewDatabaseUserDirectory opens databaseURL (postgres:// or sqlite:) and migrates the users table.
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
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_directory.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserDirectory{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FindByEmail returns the user with the given email.
func (directory *DatabaseUserDirectory) FindByEmail(ctx context.Context, email string) (User, error) {
	var record userRecord
	err := directory.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&record).Error
	if err != nil {
		return User{}, directory.wrapLookupErr("find_by_email", err)
	}
	return record.toUser()
}

// FindByID returns the user with the given id.
func (directory *DatabaseUserDirectory) FindByID(ctx context.Context, userID uuid.UUID) (User, error) {
	var record userRecord
	err := directory.db.WithContext(ctx).Where("id = ?", userID.String()).Take(&record).Error
	if err != nil {
		return User{}, directory.wrapLookupErr("find_by_id", err)
	}
	return record.toUser()
}

// Save inserts or updates user. An email held by a different id is a conflict.
func (directory *DatabaseUserDirectory) Save(ctx context.Context, user User) error {
	if user.ID == uuid.Nil {
		return fmt.Errorf("user_directory.save.%s: %w", directory.driverLabel, ErrInvalidUserID)
	}
	record := userRecordFromUser(user)
	err := directory.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner userRecord
		lookupErr := tx.Where("email = ? AND id <> ?", record.Email, record.ID).Take(&owner).Error
		if lookupErr == nil {
			return ErrUserExists
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		return tx.Save(&record).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("user_directory.save.%s: %w", directory.driverLabel, err)
	}
	return nil
}

// Delete removes user; deleting an absent user is not an error.
func (directory *DatabaseUserDirectory) Delete(ctx context.Context, user User) error {
	if err := directory.db.WithContext(ctx).Where("id = ?", user.ID.String()).Delete(&userRecord{}).Error; err != nil {
		return fmt.Errorf("user_directory.delete.%s: %w", directory.driverLabel, err)
	}
	return nil
}

func (directory *DatabaseUserDirectory) wrapLookupErr(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("user_directory.%s.%s: %w", operation, directory.driverLabel, ErrUserNotFound)
	}
	return fmt.Errorf("user_directory.%s.%s: %w", operation, directory.driverLabel, err)
}

func userRecordFromUser(user User) userRecord {
	return userRecord{
		ID:           user.ID.String(),
		Email:        NormalizeEmail(user.Email),
		PasswordHash: user.PasswordHash,
		Enabled:      user.Enabled,
		CreatedAt:    user.CreatedAt.UTC(),
		LastActive:   user.LastActive.UTC(),
	}
}

func (record userRecord) toUser() (User, error) {
	userID, parseErr := uuid.Parse(record.ID)
	if parseErr != nil {
		return User{}, fmt.Errorf("user_directory.decode: %w", parseErr)
	}
	return User{
		ID:           userID,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
		Enabled:      record.Enabled,
		CreatedAt:    record.CreatedAt.UTC(),
		LastActive:   record.LastActive.UTC(),
	}, nil
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
