package remote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/catalog"
)

// File is the remote schema row: a catalog entry stripped of the
// local-only sync columns (sync_status, sync_hash, local_modified_at).
// StableID is the replication identity; a content edit updates the row
// in place with the new hash instead of inserting a sibling.
type File struct {
	ID             string             `gorm:"primaryKey;size:36" json:"id"`
	StableID       string             `gorm:"uniqueIndex;not null;size:16" json:"stable_id"`
	ContentHash    string             `gorm:"index;not null;size:64" json:"content_hash"`
	Filename       string             `gorm:"size:512" json:"filename"`
	DocID          string             `gorm:"index;size:512" json:"doc_id"`
	DocIDType      string             `gorm:"size:32" json:"doc_id_type"`
	FileType       catalog.FileType   `gorm:"not null;size:8" json:"file_type"`
	MimeType       string             `gorm:"size:64" json:"mime_type"`
	FileSize       int64              `json:"file_size"`
	Label          string             `gorm:"size:512" json:"label"`
	Variant        *string            `gorm:"size:64" json:"variant,omitempty"`
	Version        *int               `json:"version,omitempty"`
	IsGoldStandard bool               `gorm:"default:false" json:"is_gold_standard"`
	Deleted        bool               `gorm:"index;default:false" json:"deleted"`
	RemoteVersion  int                `gorm:"default:0" json:"remote_version"`
	CreatedAt      time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	Status         string             `gorm:"size:32" json:"status"`
	LastRevision   string             `gorm:"size:128" json:"last_revision"`
	CreatedBy      string             `gorm:"size:128" json:"created_by"`
	DocCollections catalog.StringList `gorm:"type:text" json:"doc_collections"`
	DocMetadata    catalog.MetaMap    `gorm:"type:text" json:"doc_metadata"`
	FileMetadata   catalog.MetaMap    `gorm:"type:text" json:"file_metadata"`
}

// TableName returns the table name for File.
func (File) TableName() string {
	return "files"
}

// metaRow is the remote key/value table carrying the version counter.
type metaRow struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (metaRow) TableName() string {
	return "meta"
}

const metaKeyVersion = "version"

// Temp database files can outlive the SQLite handle for a moment on
// some platforms; deletion retries with a brief backoff.
const (
	cleanupAttempts = 3
	cleanupBackoff  = 100 * time.Millisecond
)

// MetaDB is a local working copy of the shared remote metadata
// database, staged in a private temp directory. Callers must always
// reach Cleanup so the staging directory is removed.
type MetaDB struct {
	db     *gorm.DB
	path   string
	closed bool
}

// openMetaDB opens (and if fresh, initializes) a remote-schema SQLite
// file. The rollback journal is used instead of WAL so the database
// stays a single uploadable file.
func openMetaDB(path string, fresh bool) (*MetaDB, error) {
	dsn := path + "?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open remote metadata database: %w", err)
	}

	if err := db.AutoMigrate(&File{}, &metaRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate remote metadata database: %w", err)
	}

	m := &MetaDB{db: db, path: path}
	if fresh {
		if err := m.SetVersion(1); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Path returns the staged database file, for upload after Close.
func (m *MetaDB) Path() string {
	return m.path
}

// AllFiles returns every remote row, optionally including deleted ones.
func (m *MetaDB) AllFiles(includeDeleted bool) ([]File, error) {
	q := m.db.Model(&File{})
	if !includeDeleted {
		q = q.Where("deleted = ?", false)
	}
	var files []File
	err := q.Order("stable_id ASC").Find(&files).Error
	return files, err
}

// DeletedFiles returns the rows flagged as deleted.
func (m *MetaDB) DeletedFiles() ([]File, error) {
	var files []File
	err := m.db.Where("deleted = ?", true).Order("stable_id ASC").Find(&files).Error
	return files, err
}

// ByHash returns the row holding a content hash, or ErrNotFound.
func (m *MetaDB) ByHash(hash string) (*File, error) {
	var f File
	if err := m.db.Where("content_hash = ?", hash).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, catalog.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// ByStableID returns the row with a stable ID, or ErrNotFound.
func (m *MetaDB) ByStableID(stableID string) (*File, error) {
	var f File
	if err := m.db.Where("stable_id = ?", stableID).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, catalog.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// Upsert inserts or replaces a row keyed by stable_id. A content edit
// therefore swaps the hash on the existing row rather than leaving a
// stale sibling behind. Re-publishing a deleted row revives it.
func (m *MetaDB) Upsert(f *File) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		var existing File
		err := tx.Where("stable_id = ?", f.StableID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(f).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&File{}).
			Where("stable_id = ?", f.StableID).
			Updates(map[string]any{
				"content_hash":     f.ContentHash,
				"filename":         f.Filename,
				"doc_id":           f.DocID,
				"doc_id_type":      f.DocIDType,
				"file_type":        f.FileType,
				"mime_type":        f.MimeType,
				"file_size":        f.FileSize,
				"label":            f.Label,
				"variant":          f.Variant,
				"version":          f.Version,
				"is_gold_standard": f.IsGoldStandard,
				"deleted":          f.Deleted,
				"remote_version":   f.RemoteVersion,
				"status":           f.Status,
				"last_revision":    f.LastRevision,
				"created_by":       f.CreatedBy,
				"doc_collections":  f.DocCollections,
				"doc_metadata":     f.DocMetadata,
				"file_metadata":    f.FileMetadata,
			}).Error
	})
}

// MarkDeleted flags every row holding a content hash as deleted at the
// given replica version.
func (m *MetaDB) MarkDeleted(hash string, version int) error {
	return m.db.Model(&File{}).
		Where("content_hash = ?", hash).
		Updates(map[string]any{"deleted": true, "remote_version": version}).Error
}

// Version returns the replica version recorded in the database, 0 when
// absent.
func (m *MetaDB) Version() (int, error) {
	var row metaRow
	if err := m.db.Where("key = ?", metaKeyVersion).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(row.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed version %q", catalog.ErrIntegrity, row.Value)
	}
	return n, nil
}

// SetVersion records the replica version in the database.
func (m *MetaDB) SetVersion(n int) error {
	return m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{"value": strconv.Itoa(n)}),
	}).Create(&metaRow{Key: metaKeyVersion, Value: strconv.Itoa(n)}).Error
}

// IncrementVersion bumps the recorded version and returns the new
// value.
func (m *MetaDB) IncrementVersion() (int, error) {
	n, err := m.Version()
	if err != nil {
		return 0, err
	}
	if err := m.SetVersion(n + 1); err != nil {
		return 0, err
	}
	return n + 1, nil
}

// Close releases the database handle, leaving the staged file in place
// for upload. Safe to call more than once.
func (m *MetaDB) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Cleanup closes the handle and removes the staging directory,
// retrying deletion to tolerate delayed handle release.
func (m *MetaDB) Cleanup() {
	if err := m.Close(); err != nil {
		logger.Warn("failed to close staged metadata database", logger.Err(err))
	}

	dir := filepath.Dir(m.path)
	var err error
	for attempt := 1; attempt <= cleanupAttempts; attempt++ {
		if err = os.RemoveAll(dir); err == nil {
			return
		}
		time.Sleep(cleanupBackoff * time.Duration(attempt))
	}
	logger.Warn("failed to remove staged metadata directory",
		logger.KeyPath, dir, logger.Err(err))
}
