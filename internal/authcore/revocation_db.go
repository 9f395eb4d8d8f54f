package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("revocation_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("revocation_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("revocation_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("revocation_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("revocation_store.unsupported_no_scheme")
)

// DatabaseRevocationStore persists revoked token identifiers using GORM.
type DatabaseRevocationStore struct {
	db          *gorm.DB
	clock       Clock
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseRevocationStore) Driver() string {
	return store.driverLabel
}

type revokedTokenRecord struct {
	JTI         string `gorm:"column:jti;primaryKey"`
	ExpiresUnix int64  `gorm:"column:expires_unix;index;not null"`
}

func (revokedTokenRecord) TableName() string {
	return "revoked_tokens"
}

// NewDatabaseRevocationStore constructs a GORM-backed store from a
// postgres:// or sqlite:// URL.
func NewDatabaseRevocationStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseRevocationStore, error) {
	gormDB, driverLabel, err := openDialect(ctx, databaseURL, &revokedTokenRecord{})
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseRevocationStore{
		db:          gormDB,
		clock:       clock,
		driverLabel: driverLabel,
	}, nil
}

// Revoke inserts the jti with expiry equal to the token's remaining lifetime.
// Re-revoking an already-revoked jti is a no-op.
func (store *DatabaseRevocationStore) Revoke(ctx context.Context, jti string, remainingTTL time.Duration) error {
	if remainingTTL <= 0 {
		return nil
	}
	record := revokedTokenRecord{
		JTI:         jti,
		ExpiresUnix: store.clock.Now().Add(remainingTTL).Unix(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "jti"}}, DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("revocation_store.revoke.%s: %w", store.driverLabel, err)
	}
	return nil
}

// IsRevoked reports whether the jti has an unexpired revocation entry.
func (store *DatabaseRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var record revokedTokenRecord
	err := store.db.WithContext(ctx).Where("jti = ?", jti).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("revocation_store.lookup.%s: %w", store.driverLabel, err)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.clock.Now()) {
		return false, nil
	}
	return true, nil
}

// PruneExpired removes entries at or after the revoked token's natural
// expiry. Called periodically from the server loop.
func (store *DatabaseRevocationStore) PruneExpired(ctx context.Context) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_unix < ?", store.clock.Now().Unix()).
		Delete(&revokedTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("revocation_store.prune.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func openDialect(ctx context.Context, databaseURL string, models ...interface{}) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(models...); migrateErr != nil {
		return nil, "", fmt.Errorf("store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return gormDB, driverLabel, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
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
