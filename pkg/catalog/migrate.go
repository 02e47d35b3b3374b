package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/tei"
)

// ============================================================================
// Schema migrations
// ============================================================================

// BlobReader opens the blob for a content hash. The catalog uses it in
// migrations that need to inspect blob contents; it is optional, and
// migrations fall back gracefully when it is nil or the blob is gone.
type BlobReader func(hash string) (io.ReadCloser, error)

// MigrationConfig tunes the migration runner. Zero value is production
// behavior.
type MigrationConfig struct {
	// Blobs lets content-inspecting migrations read blob data.
	Blobs BlobReader `mapstructure:"-" yaml:"-"`

	// SkipBackup disables the pre-migration database file backup.
	// Tests opt out; production should not.
	SkipBackup bool `mapstructure:"-" yaml:"-"`
}

// schemaVersion is the single-row table recording the highest applied
// migration version.
type schemaVersion struct {
	ID        int       `gorm:"primaryKey"`
	Version   int       `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (schemaVersion) TableName() string {
	return "schema_version"
}

// migration is one (version, up, down) step. Ups and downs must be
// idempotent: each detects its own prior application and exits cleanly.
type migration struct {
	version int
	name    string

	// destructive migrations trigger a database file backup first.
	destructive bool

	up   func(r *MigrationRunner, tx *gorm.DB) error
	down func(r *MigrationRunner, tx *gorm.DB) error
}

// MigrationRunner applies catalog schema migrations in order, one
// transaction per step.
type MigrationRunner struct {
	c          *Catalog
	cfg        MigrationConfig
	migrations []migration
}

// NewMigrationRunner returns a runner with the built-in migration list.
func NewMigrationRunner(c *Catalog) *MigrationRunner {
	return NewMigrationRunnerWithConfig(c, MigrationConfig{})
}

// NewMigrationRunnerWithConfig returns a runner with explicit options.
func NewMigrationRunnerWithConfig(c *Catalog, cfg MigrationConfig) *MigrationRunner {
	return &MigrationRunner{c: c, cfg: cfg, migrations: builtinMigrations()}
}

// Version returns the highest applied migration version.
func (r *MigrationRunner) Version(ctx context.Context) (int, error) {
	if !r.c.db.Migrator().HasTable(&schemaVersion{}) {
		return 0, nil
	}
	var row schemaVersion
	err := r.c.db.WithContext(ctx).First(&row, 1).Error
	if convertNotFoundError(err) == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Version, nil
}

// Latest returns the highest registered migration version.
func (r *MigrationRunner) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].version
}

// Run applies all pending migrations in ascending order.
func (r *MigrationRunner) Run(ctx context.Context) error {
	if err := r.c.db.WithContext(ctx).AutoMigrate(&schemaVersion{}); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := r.Version(ctx)
	if err != nil {
		return err
	}

	for _, m := range r.migrations {
		if m.version <= current {
			continue
		}
		if m.destructive {
			if err := r.backup(m.version); err != nil {
				return err
			}
		}
		logger.Info("applying catalog migration", "version", m.version, "name", m.name)
		start := time.Now()

		err := r.c.Transaction(ctx, func(tx *gorm.DB) error {
			if err := m.up(r, tx); err != nil {
				return err
			}
			return setSchemaVersion(tx, m.version)
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		logger.Info("catalog migration applied",
			"version", m.version, logger.KeyDurationMs, time.Since(start).Milliseconds())
	}
	return nil
}

// RollbackTo applies down migrations in reverse order until the
// recorded version equals target.
func (r *MigrationRunner) RollbackTo(ctx context.Context, target int) error {
	current, err := r.Version(ctx)
	if err != nil {
		return err
	}
	if target > current {
		return fmt.Errorf("%w: cannot roll back from %d to %d", ErrInvalidArgument, current, target)
	}

	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if m.version > current || m.version <= target {
			continue
		}
		logger.Info("rolling back catalog migration", "version", m.version, "name", m.name)

		err := r.c.Transaction(ctx, func(tx *gorm.DB) error {
			if err := m.down(r, tx); err != nil {
				return err
			}
			return setSchemaVersion(tx, m.version-1)
		})
		if err != nil {
			return fmt.Errorf("rollback of migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

// backup copies the SQLite database file aside before a destructive
// migration. Postgres backends are expected to have their own backup
// regime and are skipped.
func (r *MigrationRunner) backup(version int) error {
	if r.cfg.SkipBackup || r.c.cfg.Type != DatabaseTypeSQLite {
		return nil
	}
	src := r.c.cfg.Path
	if _, err := os.Stat(src); err != nil {
		return nil // nothing to back up yet
	}
	dst := fmt.Sprintf("%s.backup-v%d-%s", src, version, time.Now().Format("20060102-150405"))

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	logger.Info("database backed up before migration", logger.KeyPath, dst)
	return nil
}

func setSchemaVersion(tx *gorm.DB, version int) error {
	res := tx.Model(&schemaVersion{}).Where("id = ?", 1).Update("version", version)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return tx.Create(&schemaVersion{ID: 1, Version: version}).Error
	}
	return nil
}

// ----------------------------------------------------------------------------
// Built-in migrations
// ----------------------------------------------------------------------------

func builtinMigrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "base schema",
			up: func(r *MigrationRunner, tx *gorm.DB) error {
				return tx.AutoMigrate(AllModels()...)
			},
			down: func(r *MigrationRunner, tx *gorm.DB) error {
				for _, model := range AllModels() {
					if err := tx.Migrator().DropTable(model); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			version:     2,
			name:        "populate last_revision from TEI headers",
			destructive: true,
			up:          migrateLastRevisionUp,
			down: func(r *MigrationRunner, tx *gorm.DB) error {
				if !tx.Migrator().HasColumn(&FileEntry{}, "last_revision") {
					return nil
				}
				return tx.Model(&FileEntry{}).Where("1 = 1").
					Update("last_revision", "").Error
			},
		},
		{
			version: 3,
			name:    "index files on (doc_id, variant)",
			up: func(r *MigrationRunner, tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&FileEntry{}, "idx_files_doc_variant") {
					return nil
				}
				return tx.Exec(
					"CREATE INDEX idx_files_doc_variant ON files (doc_id, variant)").Error
			},
			down: func(r *MigrationRunner, tx *gorm.DB) error {
				if !tx.Migrator().HasIndex(&FileEntry{}, "idx_files_doc_variant") {
					return nil
				}
				return tx.Exec("DROP INDEX idx_files_doc_variant").Error
			},
		},
		{
			version:     4,
			name:        "rename legacy locks column file_hash to file_id",
			destructive: true,
			up: func(r *MigrationRunner, tx *gorm.DB) error {
				return renameLockColumn(tx, "file_hash", "file_id")
			},
			down: func(r *MigrationRunner, tx *gorm.DB) error {
				return renameLockColumn(tx, "file_id", "file_hash")
			},
		},
	}
}

// migrateLastRevisionUp backfills last_revision for TEI entries by
// parsing the revision description out of each blob. Entries whose
// blob is unreadable keep an empty revision; the parse is best-effort
// and the migration never fails on individual blobs.
func migrateLastRevisionUp(r *MigrationRunner, tx *gorm.DB) error {
	if !tx.Migrator().HasColumn(&FileEntry{}, "last_revision") {
		if err := tx.Migrator().AddColumn(&FileEntry{}, "last_revision"); err != nil {
			return err
		}
	}
	if r.cfg.Blobs == nil {
		logger.Warn("no blob reader configured, skipping last_revision backfill")
		return nil
	}

	var entries []FileEntry
	if err := tx.Where("file_type = ? AND (last_revision IS NULL OR last_revision = '')",
		FileTypeTEI).Find(&entries).Error; err != nil {
		return err
	}

	filled, missing := 0, 0
	for _, e := range entries {
		rev, err := revisionFromBlob(r.cfg.Blobs, e.ContentHash)
		if err != nil || rev == "" {
			missing++
			continue
		}
		if err := tx.Model(&FileEntry{}).Where("id = ?", e.ID).
			Update("last_revision", rev).Error; err != nil {
			return err
		}
		filled++
	}
	logger.Info("last_revision backfill complete",
		"filled", filled, "skipped", missing)
	return nil
}

func revisionFromBlob(read BlobReader, hash string) (string, error) {
	rc, err := read(hash)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	hdr, err := tei.ParseHeader(rc)
	if err != nil {
		return "", err
	}
	return hdr.LastRevision, nil
}

// renameLockColumn migrates the legacy lock table that older databases
// carried inside the catalog file. Databases without the table (locks
// moved to their own file) are untouched.
func renameLockColumn(tx *gorm.DB, from, to string) error {
	if !tx.Migrator().HasTable("locks") {
		return nil
	}
	var cols []string
	rows, err := tx.Raw("SELECT name FROM pragma_table_info('locks')").Rows()
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err == nil {
				cols = append(cols, name)
			}
		}
	}
	hasFrom, hasTo := false, false
	for _, c := range cols {
		if c == from {
			hasFrom = true
		}
		if c == to {
			hasTo = true
		}
	}
	if !hasFrom || hasTo {
		return nil // already renamed or never existed
	}
	return tx.Exec(fmt.Sprintf(
		"ALTER TABLE locks RENAME COLUMN %s TO %s", from, to)).Error
}
