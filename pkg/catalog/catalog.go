package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teivault/teivault/internal/logger"
)

// DatabaseType defines the supported catalog backends.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses SQLite with WAL journaling (default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL.
	DatabaseTypePostgres DatabaseType = "postgres"
)

// Config contains catalog database configuration.
type Config struct {
	Type DatabaseType `mapstructure:"type" yaml:"type"`

	// Path is the SQLite database file (sqlite only).
	Path string `mapstructure:"path" yaml:"path"`

	// DSN is the PostgreSQL connection string (postgres only).
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// Migrations carries runtime-only migration options (blob access
	// for content-inspecting migrations, backup opt-out for tests).
	Migrations MigrationConfig `mapstructure:"-" yaml:"-"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.Path == "" {
			return fmt.Errorf("%w: sqlite path is required", ErrInvalidArgument)
		}
	case DatabaseTypePostgres:
		if c.DSN == "" {
			return fmt.Errorf("%w: postgres dsn is required", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unsupported database type %q", ErrInvalidArgument, c.Type)
	}
	return nil
}

// Catalog is the relational metadata store. It owns the file entries,
// the blob reference counts, and the sync metadata. One Catalog exists
// per database path; Open returns the existing handle for a path that
// was already opened.
type Catalog struct {
	db  *gorm.DB
	cfg Config

	ids *StableIDAllocator

	// now is injectable for tests that need a simulated clock.
	now func() time.Time
}

var (
	openMu   sync.Mutex
	openByID = map[string]*Catalog{}
)

// Connection retry bounds for transient "database is locked" errors.
const (
	busyRetryAttempts = 5
	busyRetryBase     = 50 * time.Millisecond
)

// Open opens (or returns the already-open) catalog for the configured
// database. Schema initialization runs exactly once per database path,
// guarded by a per-path registry.
func Open(cfg Config) (*Catalog, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key := openKey(cfg)

	openMu.Lock()
	defer openMu.Unlock()

	if c, ok := openByID[key]; ok {
		return c, nil
	}

	db, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	c := &Catalog{db: db, cfg: cfg, now: time.Now}

	runner := NewMigrationRunnerWithConfig(c, cfg.Migrations)
	if err := runner.Run(context.Background()); err != nil {
		return nil, fmt.Errorf("catalog migration failed: %w", err)
	}

	ids, err := LoadStableIDs(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load stable IDs: %w", err)
	}
	c.ids = ids

	openByID[key] = c
	return c, nil
}

// connect dials the database with bounded retries on transient busy
// errors.
func connect(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case DatabaseTypeSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// journal_mode(WAL) gives concurrent readers with a single
		// writer; busy_timeout makes the driver wait instead of
		// failing immediately on contention.
		dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		dialector = sqlite.Open(dsn)
	case DatabaseTypePostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported database type %q", ErrInvalidArgument, cfg.Type)
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var db *gorm.DB
	var err error
	for attempt := 1; attempt <= busyRetryAttempts; attempt++ {
		db, err = gorm.Open(dialector, gormCfg)
		if err == nil {
			return db, nil
		}
		if !isBusyError(err) || attempt == busyRetryAttempts {
			break
		}
		backoff := busyRetryBase << (attempt - 1)
		logger.Warn("catalog open busy, retrying",
			logger.KeyAttempt, attempt, "backoff", backoff.String())
		time.Sleep(backoff)
	}
	return nil, fmt.Errorf("failed to open catalog database: %w", err)
}

func openKey(cfg Config) string {
	if cfg.Type == DatabaseTypePostgres {
		return "postgres:" + cfg.DSN
	}
	if abs, err := filepath.Abs(cfg.Path); err == nil {
		return "sqlite:" + abs
	}
	return "sqlite:" + cfg.Path
}

// DB returns the underlying GORM handle. Useful for advanced queries
// and tests.
func (c *Catalog) DB() *gorm.DB {
	return c.db
}

// IDs returns the stable ID allocator bound to this catalog.
func (c *Catalog) IDs() *StableIDAllocator {
	return c.ids
}

// SetClock overrides the catalog clock. Tests only.
func (c *Catalog) SetClock(now func() time.Time) {
	c.now = now
}

// Transaction runs fn inside a database transaction. The transaction
// commits when fn returns nil and rolls back when it returns an error.
func (c *Catalog) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return c.db.WithContext(ctx).Transaction(fn)
}

// Close closes the catalog connection and removes it from the open
// registry so a subsequent Open re-initializes it.
func (c *Catalog) Close() error {
	openMu.Lock()
	delete(openByID, openKey(c.cfg))
	openMu.Unlock()

	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isBusyError reports whether err is a transient lock/busy condition
// worth retrying.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "connection refused")
}

// isUniqueConstraintError checks for a unique constraint violation in
// either backend.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the domain
// error, passing other errors through.
func convertNotFoundError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
