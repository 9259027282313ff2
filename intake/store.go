package intake

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DBOptions struct {
	Debug bool
	// MaxOpenConns applies to Postgres only; SQLite is pinned to one connection
	// so concurrent workers serialize instead of failing with SQLITE_BUSY.
	MaxOpenConns int
}

// OpenDB opens the intake database and migrates the schema. The dialect is chosen
// by DSN scheme: postgres:// and postgresql:// use Postgres, anything else is
// treated as a SQLite path (optionally prefixed with sqlite:// or file:).
func OpenDB(dsn string, opts DBOptions) (*gorm.DB, error) {
	dialector, isSQLite, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if opts.Debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if isSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	if err := db.AutoMigrate(&Delivery{}, &Contact{}, &AuditEntry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(dsn string) (gorm.Dialector, bool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, false, fmt.Errorf("database DSN is required")
	}
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(dsn), false, nil
	}

	path := dsn
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		path = dsn[len("sqlite://"):]
	case strings.HasPrefix(lower, "file:"):
		parsed, err := url.Parse(dsn)
		if err != nil {
			return nil, false, err
		}
		path = parsed.Opaque
		if path == "" {
			path = parsed.Path
		}
	}
	if path == "" {
		return nil, false, fmt.Errorf("sqlite path is empty in DSN %q", dsn)
	}
	if !strings.Contains(path, "?") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, false, err
			}
		}
		path += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	return sqlite.Open(path), true, nil
}

// isUniqueViolation reports whether err is a unique-constraint failure. Drivers that
// do not translate errors are matched by message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
