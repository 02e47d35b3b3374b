package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================================================
// File entry CRUD
// ============================================================================

// CreateEntry inserts a new file entry and increments the reference
// count for its content hash, in one transaction. The caller must have
// written the blob before the row becomes visible.
//
// A missing StableID is allocated; a missing ID gets a fresh UUID.
// Entries with an empty collection set are assigned the reserved
// _inbox collection. When the entry is gold, any previous gold for the
// same (doc_id, variant) is demoted so the gold-uniqueness invariant
// holds.
func (c *Catalog) CreateEntry(ctx context.Context, e *FileEntry) error {
	if e.ContentHash == "" {
		return fmt.Errorf("%w: content hash is required", ErrInvalidArgument)
	}
	if !e.FileType.Valid() {
		return fmt.Errorf("%w: unknown file type %q", ErrInvalidArgument, e.FileType)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StableID == "" {
		id, err := c.ids.Allocate()
		if err != nil {
			return err
		}
		e.StableID = id
	}
	if e.MimeType == "" {
		e.MimeType = e.FileType.MimeType()
	}
	if len(e.DocCollections) == 0 {
		e.DocCollections = StringList{InboxCollection}
	}
	if e.SyncStatus == "" {
		e.SyncStatus = SyncStatusModified
	}
	now := c.now()
	if e.LocalModifiedAt == nil {
		e.LocalModifiedAt = &now
	}

	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		if e.IsGoldStandard {
			if err := demoteGold(tx, e.DocID, e.Variant, e.ID); err != nil {
				return err
			}
		}
		if err := tx.Create(e).Error; err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: stable_id %s", ErrAlreadyExists, e.StableID)
			}
			return err
		}
		_, err := incrementRef(tx, e.ContentHash, e.FileType)
		return err
	})
	if err != nil {
		return err
	}

	c.ids.Remember(e.StableID)
	return nil
}

// GetByStableID returns the entry with the given stable ID.
func (c *Catalog) GetByStableID(ctx context.Context, stableID string) (*FileEntry, error) {
	var e FileEntry
	if err := c.db.WithContext(ctx).Where("stable_id = ?", stableID).First(&e).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &e, nil
}

// GetByID returns the entry with the given row ID.
func (c *Catalog) GetByID(ctx context.Context, id string) (*FileEntry, error) {
	var e FileEntry
	if err := c.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &e, nil
}

// ListByHash returns all entries referencing a content hash,
// oldest first.
func (c *Catalog) ListByHash(ctx context.Context, hash string) ([]FileEntry, error) {
	var entries []FileEntry
	err := c.db.WithContext(ctx).
		Where("content_hash = ?", hash).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// ListByDocID returns live entries grouped under a document.
func (c *Catalog) ListByDocID(ctx context.Context, docID string) ([]FileEntry, error) {
	var entries []FileEntry
	err := c.db.WithContext(ctx).
		Where("doc_id = ? AND deleted = ?", docID, false).
		Order("file_type ASC, version ASC").
		Find(&entries).Error
	return entries, err
}

// ListOptions filters List.
type ListOptions struct {
	Collection     string
	Variant        *string // nil: any; pointer to "": primary (NULL variant)
	FileType       FileType
	IncludeDeleted bool
}

// List returns catalog entries matching the options.
func (c *Catalog) List(ctx context.Context, opts ListOptions) ([]FileEntry, error) {
	q := c.db.WithContext(ctx).Model(&FileEntry{})
	if !opts.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}
	if opts.FileType != "" {
		q = q.Where("file_type = ?", opts.FileType)
	}
	if opts.Variant != nil {
		if *opts.Variant == "" {
			q = q.Where("variant IS NULL")
		} else {
			q = q.Where("variant = ?", *opts.Variant)
		}
	}
	if opts.Collection != "" {
		// Collections are a JSON array column; match the quoted member.
		q = q.Where("doc_collections LIKE ?", "%\""+opts.Collection+"\"%")
	}

	var entries []FileEntry
	err := q.Order("doc_id ASC, file_type ASC, version ASC").Find(&entries).Error
	return entries, err
}

// Gold returns the live gold entry for (docID, variant), or
// ErrNotFound when the tolerated zero-gold state holds.
func (c *Catalog) Gold(ctx context.Context, docID string, variant *string) (*FileEntry, error) {
	var e FileEntry
	q := c.db.WithContext(ctx).
		Where("doc_id = ? AND is_gold_standard = ? AND deleted = ?", docID, true, false)
	q = whereVariant(q, variant)
	if err := q.First(&e).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &e, nil
}

// LatestVersion returns the live entry with the highest version for
// (docID, variant).
func (c *Catalog) LatestVersion(ctx context.Context, docID string, variant *string) (*FileEntry, error) {
	var e FileEntry
	q := c.db.WithContext(ctx).
		Where("doc_id = ? AND deleted = ? AND version IS NOT NULL", docID, false)
	q = whereVariant(q, variant)
	if err := q.Order("version DESC").First(&e).Error; err != nil {
		return nil, convertNotFoundError(err)
	}
	return &e, nil
}

// NextVersion returns count(existing live versioned entries) + 1 for
// (docID, variant). Version sets may have gaps; they are never
// renumbered.
func (c *Catalog) NextVersion(ctx context.Context, docID string, variant *string) (int, error) {
	var n int64
	q := c.db.WithContext(ctx).Model(&FileEntry{}).
		Where("doc_id = ? AND deleted = ? AND version IS NOT NULL", docID, false)
	q = whereVariant(q, variant)
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n) + 1, nil
}

// ListDeletedBefore returns soft-deleted entries whose last local
// modification is older than the cutoff, optionally filtered by sync
// status.
func (c *Catalog) ListDeletedBefore(ctx context.Context, cutoff time.Time, statuses []SyncStatus) ([]FileEntry, error) {
	q := c.db.WithContext(ctx).
		Where("deleted = ? AND updated_at < ?", true, cutoff)
	if len(statuses) > 0 {
		q = q.Where("sync_status IN ?", statuses)
	}
	var entries []FileEntry
	err := q.Find(&entries).Error
	return entries, err
}

// CountUnsynced returns the number of entries whose sync status is
// neither synced nor deletion_synced. This is the O(1) fast-path probe
// used by the sync engine.
func (c *Catalog) CountUnsynced(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&FileEntry{}).
		Where("sync_status NOT IN ?", []SyncStatus{SyncStatusSynced, SyncStatusDeletionSynced}).
		Count(&n).Error
	return n, err
}

// UpdateMetadata persists the user-editable metadata fields of an
// entry and marks it modified.
func (c *Catalog) UpdateMetadata(ctx context.Context, e *FileEntry) error {
	now := c.now()
	res := c.db.WithContext(ctx).Model(&FileEntry{}).
		Where("id = ?", e.ID).
		Updates(map[string]any{
			"filename":          e.Filename,
			"label":             e.Label,
			"variant":           e.Variant,
			"version":           e.Version,
			"is_gold_standard":  e.IsGoldStandard,
			"doc_collections":   e.DocCollections,
			"doc_metadata":      e.DocMetadata,
			"file_metadata":     e.FileMetadata,
			"sync_status":       SyncStatusModified,
			"local_modified_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// Content mutation and deletion
// ============================================================================

// HashSwap reports the outcome of a content-hash update.
type HashSwap struct {
	OldHash string
	NewHash string

	// ShouldDeleteBlob is true when the old hash's reference count
	// reached zero and the physical blob may be removed. The caller
	// deletes the blob and then calls RemoveRefEntry.
	ShouldDeleteBlob bool
}

// UpdateContentHash records an edit-in-place: the entry keeps its
// stable ID while content_hash, size, and timestamps change. The new
// hash's count is incremented and the old one decremented in the same
// transaction. The new blob must already be on disk.
func (c *Catalog) UpdateContentHash(ctx context.Context, stableID, newHash string, newSize int64) (*HashSwap, error) {
	swap := &HashSwap{NewHash: newHash}

	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var e FileEntry
		if err := tx.Where("stable_id = ?", stableID).First(&e).Error; err != nil {
			return convertNotFoundError(err)
		}
		swap.OldHash = e.ContentHash
		if e.ContentHash == newHash {
			return nil // no content change
		}

		now := c.now()
		if err := tx.Model(&FileEntry{}).Where("id = ?", e.ID).
			Updates(map[string]any{
				"content_hash":      newHash,
				"file_size":         newSize,
				"sync_status":       SyncStatusModified,
				"local_modified_at": now,
			}).Error; err != nil {
			return err
		}

		if _, err := incrementRef(tx, newHash, e.FileType); err != nil {
			return err
		}
		_, shouldDelete, err := decrementRef(tx, e.ContentHash)
		if err != nil {
			return err
		}
		swap.ShouldDeleteBlob = shouldDelete
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swap, nil
}

// SoftDelete marks the entry deleted, moves it to pending_delete, and
// decrements the blob reference. The returned swap tells the caller
// whether the physical blob may now be removed.
func (c *Catalog) SoftDelete(ctx context.Context, stableID string) (*HashSwap, error) {
	swap := &HashSwap{}

	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var e FileEntry
		if err := tx.Where("stable_id = ?", stableID).First(&e).Error; err != nil {
			return convertNotFoundError(err)
		}
		if e.Deleted {
			swap.OldHash = e.ContentHash
			return nil // idempotent
		}
		swap.OldHash = e.ContentHash

		now := c.now()
		if err := tx.Model(&FileEntry{}).Where("id = ?", e.ID).
			Updates(map[string]any{
				"deleted":           true,
				"sync_status":       SyncStatusPendingDelete,
				"local_modified_at": now,
			}).Error; err != nil {
			return err
		}

		_, shouldDelete, err := decrementRef(tx, e.ContentHash)
		if err != nil {
			return err
		}
		swap.ShouldDeleteBlob = shouldDelete
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swap, nil
}

// Undelete reverses a soft delete, re-incrementing the blob reference.
// The caller must restore the blob first if it was reclaimed.
func (c *Catalog) Undelete(ctx context.Context, stableID string) error {
	return c.Transaction(ctx, func(tx *gorm.DB) error {
		var e FileEntry
		if err := tx.Where("stable_id = ?", stableID).First(&e).Error; err != nil {
			return convertNotFoundError(err)
		}
		if !e.Deleted {
			return nil // idempotent
		}

		now := c.now()
		if err := tx.Model(&FileEntry{}).Where("id = ?", e.ID).
			Updates(map[string]any{
				"deleted":           false,
				"sync_status":       SyncStatusModified,
				"local_modified_at": now,
			}).Error; err != nil {
			return err
		}

		_, err := incrementRef(tx, e.ContentHash, e.FileType)
		return err
	})
}

// HardDelete permanently removes a catalog row. Reference bookkeeping
// is the caller's concern (garbage collection decrements before calling
// this for rows that were never soft-deleted).
func (c *Catalog) HardDelete(ctx context.Context, id string) error {
	res := c.db.WithContext(ctx).Where("id = ?", id).Delete(&FileEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// Gold designation
// ============================================================================

// SetGold designates the entry as the gold standard for its
// (doc_id, variant) pair, demoting any previous gold in the same
// transaction so at most one live gold exists.
func (c *Catalog) SetGold(ctx context.Context, stableID string) error {
	return c.Transaction(ctx, func(tx *gorm.DB) error {
		var e FileEntry
		if err := tx.Where("stable_id = ?", stableID).First(&e).Error; err != nil {
			return convertNotFoundError(err)
		}
		if err := demoteGold(tx, e.DocID, e.Variant, e.ID); err != nil {
			return err
		}
		now := c.now()
		return tx.Model(&FileEntry{}).Where("id = ?", e.ID).
			Updates(map[string]any{
				"is_gold_standard":  true,
				"version":           nil,
				"sync_status":       SyncStatusModified,
				"local_modified_at": now,
			}).Error
	})
}

// demoteGold clears the gold flag on all live entries for
// (docID, variant) except keepID.
func demoteGold(tx *gorm.DB, docID string, variant *string, keepID string) error {
	q := tx.Model(&FileEntry{}).
		Where("doc_id = ? AND is_gold_standard = ? AND deleted = ? AND id <> ?",
			docID, true, false, keepID)
	q = whereVariant(q, variant)
	return q.Update("is_gold_standard", false).Error
}

// ============================================================================
// Sync bookkeeping
// ============================================================================

// MarkSynced records a successful publication of the entry at the
// given remote version.
func (c *Catalog) MarkSynced(ctx context.Context, id string, remoteVersion int, syncHash string) error {
	return c.db.WithContext(ctx).Model(&FileEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sync_status":    SyncStatusSynced,
			"sync_hash":      syncHash,
			"remote_version": remoteVersion,
		}).Error
}

// MarkDeletionSynced records that the entry's deletion was published.
func (c *Catalog) MarkDeletionSynced(ctx context.Context, id string, remoteVersion int) error {
	return c.db.WithContext(ctx).Model(&FileEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sync_status":    SyncStatusDeletionSynced,
			"remote_version": remoteVersion,
		}).Error
}

// MarkSyncError flags the entry after a failed transfer.
func (c *Catalog) MarkSyncError(ctx context.Context, id string) error {
	return c.db.WithContext(ctx).Model(&FileEntry{}).
		Where("id = ?", id).
		Update("sync_status", SyncStatusError).Error
}

// ApplyRemoteMetadata updates the metadata bags and classification of
// a local entry from its remote counterpart without touching
// sync_status (the change is applied silently, not re-published).
func (c *Catalog) ApplyRemoteMetadata(ctx context.Context, id string, remote *FileEntry) error {
	return c.db.WithContext(ctx).Model(&FileEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"label":            remote.Label,
			"variant":          remote.Variant,
			"version":          remote.Version,
			"is_gold_standard": remote.IsGoldStandard,
			"doc_metadata":     remote.DocMetadata,
			"file_metadata":    remote.FileMetadata,
			"doc_collections":  remote.DocCollections,
			"remote_version":   remote.RemoteVersion,
		}).Error
}

func whereVariant(q *gorm.DB, variant *string) *gorm.DB {
	if variant == nil || *variant == "" {
		return q.Where("variant IS NULL")
	}
	return q.Where("variant = ?", *variant)
}
