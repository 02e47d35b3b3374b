// Package locks implements pessimistic edit locks keyed by stable ID.
//
// Because the key is the entry's stable ID rather than its content
// hash, an edit that rewrites the content does not invalidate a held
// lock; ownership simply follows the entry. Locks live in their own
// SQLite file opened with IMMEDIATE transactions so concurrent
// acquisitions serialize at the database layer.
package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/catalog"
)

// DefaultTTL is how long a lock survives without a refresh before any
// session may take it over.
const DefaultTTL = 90 * time.Second

// Lock is one row in the lock table.
type Lock struct {
	FileID      string    `gorm:"column:file_id;primaryKey;size:16" json:"file_id"`
	Session     string    `gorm:"not null;size:128" json:"session"`
	RefreshedAt time.Time `gorm:"not null" json:"refreshed_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Lock.
func (Lock) TableName() string {
	return "locks"
}

// Status is the answer to a non-mutating lock probe.
type Status struct {
	IsLocked bool   `json:"is_locked"`
	LockedBy string `json:"locked_by,omitempty"`
}

// Config configures the lock manager.
type Config struct {
	// Path is the lock database file.
	Path string `mapstructure:"path" yaml:"path"`

	// TTL overrides the stale threshold. Zero means DefaultTTL.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Manager owns the lock table.
type Manager struct {
	db  *gorm.DB
	ttl time.Duration

	// now is injectable for TTL takeover tests.
	now func() time.Time
}

// Open opens (or creates) the lock database.
func Open(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: lock database path is required", catalog.ErrInvalidArgument)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock database directory: %w", err)
	}

	// _txlock=immediate makes every write transaction grab the write
	// lock up front, turning concurrent acquires into a clean
	// first-committer-wins race instead of deferred-lock deadlocks.
	dsn := cfg.Path + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open lock database: %w", err)
	}
	if err := db.AutoMigrate(&Lock{}); err != nil {
		return nil, fmt.Errorf("failed to migrate lock table: %w", err)
	}

	return &Manager{db: db, ttl: cfg.TTL, now: time.Now}, nil
}

// TTL returns the configured stale threshold.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// SetClock overrides the manager clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Close closes the lock database.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Acquire tries to take the lock for fileID on behalf of session.
// It returns true when the caller now holds the lock: fresh, reentrant
// refresh, or takeover of a lock stale past the TTL. It returns false
// when another session holds a live lock.
//
// Locks may reference a stable ID whose catalog row is gone; that lock
// is meaningless but not an error.
func (m *Manager) Acquire(ctx context.Context, fileID, session string) (bool, error) {
	if fileID == "" || session == "" {
		return false, fmt.Errorf("%w: file id and session are required", catalog.ErrInvalidArgument)
	}

	acquired := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock Lock
		err := tx.Where("file_id = ?", fileID).First(&lock).Error

		now := m.now()
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			acquired = true
			return tx.Create(&Lock{FileID: fileID, Session: session, RefreshedAt: now}).Error

		case err != nil:
			return err

		case lock.Session == session:
			// Reentrant: refresh our own lock.
			acquired = true
			return tx.Model(&Lock{}).Where("file_id = ?", fileID).
				Update("refreshed_at", now).Error

		case now.Sub(lock.RefreshedAt) > m.ttl:
			logger.Info("taking over stale lock",
				logger.KeyStableID, fileID,
				"previous_session", lock.Session, logger.KeySession, session)
			acquired = true
			return tx.Model(&Lock{}).Where("file_id = ?", fileID).
				Updates(map[string]any{"session": session, "refreshed_at": now}).Error

		default:
			return nil // held by someone else
		}
	})
	return acquired, err
}

// Release drops the lock for fileID if session owns it. Releasing an
// absent lock succeeds; releasing someone else's fails with
// catalog.ErrConflict.
func (m *Manager) Release(ctx context.Context, fileID, session string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock Lock
		err := tx.Where("file_id = ?", fileID).First(&lock).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // idempotent
		}
		if err != nil {
			return err
		}
		if lock.Session != session {
			return fmt.Errorf("%w: held by session %s", catalog.ErrConflict, lock.Session)
		}
		return tx.Where("file_id = ?", fileID).Delete(&Lock{}).Error
	})
}

// Check reports the lock state without mutating it. A lock past the
// TTL reports as unlocked, matching what Acquire would do with it.
func (m *Manager) Check(ctx context.Context, fileID string) (*Status, error) {
	var lock Lock
	err := m.db.WithContext(ctx).Where("file_id = ?", fileID).First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}
	if m.now().Sub(lock.RefreshedAt) > m.ttl {
		return &Status{}, nil
	}
	return &Status{IsLocked: true, LockedBy: lock.Session}, nil
}

// ActiveLocks returns the non-stale locks, optionally filtered to one
// session. The staleness filter matches Acquire's takeover threshold
// so the published set is exactly the takeable complement.
func (m *Manager) ActiveLocks(ctx context.Context, session string) ([]Lock, error) {
	threshold := m.now().Add(-m.ttl)
	q := m.db.WithContext(ctx).Where("refreshed_at > ?", threshold)
	if session != "" {
		q = q.Where("session = ?", session)
	}
	var locks []Lock
	err := q.Order("file_id ASC").Find(&locks).Error
	return locks, err
}

// CleanupStale purges every lock older than the TTL and returns the
// number removed.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	threshold := m.now().Add(-m.ttl)
	res := m.db.WithContext(ctx).
		Where("refreshed_at <= ?", threshold).
		Delete(&Lock{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logger.Info("purged stale locks", logger.KeyCount, res.RowsAffected)
	}
	return int(res.RowsAffected), nil
}
