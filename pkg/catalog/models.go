// Package catalog implements the relational metadata catalog: file
// entries, blob reference counts, sync metadata, stable ID allocation,
// schema migrations, and the integrity maintenance routines used by
// garbage collection.
package catalog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FileType classifies a blob for extension routing. It is not an
// inheritance hierarchy: all entries share one row schema and differ
// only in behavioral rules (PDFs own doc metadata, TEIs inherit it).
type FileType string

const (
	FileTypePDF FileType = "pdf"
	FileTypeTEI FileType = "tei"
	FileTypeRNG FileType = "rng"
)

// Ext returns the on-disk file extension for the type.
func (t FileType) Ext() string {
	switch t {
	case FileTypePDF:
		return ".pdf"
	case FileTypeTEI:
		return ".tei.xml"
	case FileTypeRNG:
		return ".rng"
	default:
		return ""
	}
}

// MimeType returns the declared media type for the type.
func (t FileType) MimeType() string {
	switch t {
	case FileTypePDF:
		return "application/pdf"
	case FileTypeTEI:
		return "application/tei+xml"
	case FileTypeRNG:
		return "application/xml"
	default:
		return "application/octet-stream"
	}
}

// Valid reports whether the type is one of the known tags.
func (t FileType) Valid() bool {
	switch t {
	case FileTypePDF, FileTypeTEI, FileTypeRNG:
		return true
	}
	return false
}

// ParseFileType converts a string to a FileType.
func ParseFileType(s string) (FileType, error) {
	t := FileType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown file type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// FileTypeForExt maps a filename extension back to a FileType.
// Returns false for unrecognized extensions.
func FileTypeForExt(name string) (FileType, bool) {
	switch {
	case hasSuffixFold(name, ".tei.xml"):
		return FileTypeTEI, true
	case hasSuffixFold(name, ".pdf"):
		return FileTypePDF, true
	case hasSuffixFold(name, ".rng"):
		return FileTypeRNG, true
	}
	return "", false
}

// SyncStatus is the local synchronization state machine for a file entry.
type SyncStatus string

const (
	SyncStatusSynced         SyncStatus = "synced"
	SyncStatusModified       SyncStatus = "modified"
	SyncStatusPendingDelete  SyncStatus = "pending_delete"
	SyncStatusDeletionSynced SyncStatus = "deletion_synced"
	SyncStatusError          SyncStatus = "error"
)

// InboxCollection is the reserved collection auto-assigned to entries
// with an empty collection set. Every entry belongs to at least one
// collection.
const InboxCollection = "_inbox"

// StringList is an ordered set of strings stored as a JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// Contains reports whether the list contains s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// MetaMap is a structured key/value bag stored as a JSON text column.
type MetaMap map[string]any

// Value implements driver.Valuer.
func (m MetaMap) Value() (driver.Value, error) {
	if m == nil {
		m = MetaMap{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *MetaMap) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

// FileEntry is a catalog row naming a blob for user-visible purposes.
//
// ContentHash is deliberately not unique across rows: deduplicated
// blobs may be referenced by several entries (one per document), and
// the aggregate ownership of a blob is ReferenceEntry.RefCount > 0.
// StableID is the permanent public identifier: it is allocated at
// first insertion and survives any content mutation.
type FileEntry struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	StableID        string     `gorm:"uniqueIndex;not null;size:16" json:"stable_id"`
	ContentHash     string     `gorm:"index;not null;size:64" json:"content_hash"`
	Filename        string     `gorm:"size:512" json:"filename"`
	DocID           string     `gorm:"index;size:512" json:"doc_id"`
	DocIDType       string     `gorm:"size:32" json:"doc_id_type"`
	FileType        FileType   `gorm:"not null;size:8" json:"file_type"`
	MimeType        string     `gorm:"size:64" json:"mime_type"`
	FileSize        int64      `json:"file_size"`
	Label           string     `gorm:"size:512" json:"label"`
	Variant         *string    `gorm:"size:64" json:"variant,omitempty"`
	Version         *int       `json:"version,omitempty"`
	IsGoldStandard  bool       `gorm:"default:false" json:"is_gold_standard"`
	Deleted         bool       `gorm:"index;default:false" json:"deleted"`
	LocalModifiedAt *time.Time `json:"local_modified_at,omitempty"`
	RemoteVersion   int        `gorm:"default:0" json:"remote_version"`
	SyncStatus      SyncStatus `gorm:"size:24;default:modified" json:"sync_status"`
	SyncHash        string     `gorm:"size:64" json:"sync_hash"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	Status          string     `gorm:"size:32" json:"status"`
	LastRevision    string     `gorm:"size:128" json:"last_revision"`
	CreatedBy       string     `gorm:"size:128" json:"created_by"`
	DocCollections  StringList `gorm:"type:text" json:"doc_collections"`
	DocMetadata     MetaMap    `gorm:"type:text" json:"doc_metadata"`
	FileMetadata    MetaMap    `gorm:"type:text" json:"file_metadata"`
}

// TableName returns the table name for FileEntry.
func (FileEntry) TableName() string {
	return "files"
}

// VariantKey returns the variant as a comparable string, with NULL
// normalized to "".
func (e *FileEntry) VariantKey() string {
	if e.Variant == nil {
		return ""
	}
	return *e.Variant
}

// IsUnsynced reports whether the entry still needs publication.
func (e *FileEntry) IsUnsynced() bool {
	return e.SyncStatus != SyncStatusSynced && e.SyncStatus != SyncStatusDeletionSynced
}

// ReferenceEntry tracks how many live catalog rows point at a blob.
// It is kept separate from FileEntry so that a content-hash change of
// a single entry is representable as (increment new, decrement old).
type ReferenceEntry struct {
	FileHash  string    `gorm:"primaryKey;size:64" json:"file_hash"`
	FileType  FileType  `gorm:"not null;size:8" json:"file_type"`
	RefCount  int       `gorm:"not null;default:0;check:ref_count >= 0" json:"ref_count"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for ReferenceEntry.
func (ReferenceEntry) TableName() string {
	return "file_refs"
}

// SyncMetaRow is a key/value bag holding remote_version,
// last_sync_time, and sync_in_progress.
type SyncMetaRow struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for SyncMetaRow.
func (SyncMetaRow) TableName() string {
	return "sync_meta"
}

// Well-known sync meta keys.
const (
	MetaRemoteVersion  = "remote_version"
	MetaLastSyncTime   = "last_sync_time"
	MetaSyncInProgress = "sync_in_progress"
)

// AllModels returns all catalog GORM models for migration.
func AllModels() []any {
	return []any{
		&FileEntry{},
		&ReferenceEntry{},
		&SyncMetaRow{},
	}
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := 0; i < len(suffix); i++ {
		a, b := tail[i], suffix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
