// Package vault is the storage core's service layer. It composes the
// metadata catalog, the blob store, and the lock manager into the
// entry lifecycle operations: create, save (edit-in-place), delete,
// undelete, and content retrieval.
//
// Writer operations always order catalog and disk the same way: on
// insert the blob is written before the catalog row becomes visible;
// on delete the reference is released first and the blob removed after,
// with the counter row cleaned up only once the physical delete
// succeeded. A crash between the steps leaves an orphan blob for
// garbage collection, never a dangling row.
package vault

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/blob"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/locks"
)

// Vault bundles the storage core components.
type Vault struct {
	catalog *catalog.Catalog
	blobs   *blob.Store
	locks   *locks.Manager
}

// New assembles a vault from its parts.
func New(c *catalog.Catalog, b *blob.Store, l *locks.Manager) *Vault {
	return &Vault{catalog: c, blobs: b, locks: l}
}

// Catalog exposes the metadata catalog.
func (v *Vault) Catalog() *catalog.Catalog { return v.catalog }

// Blobs exposes the blob store.
func (v *Vault) Blobs() *blob.Store { return v.blobs }

// Locks exposes the lock manager.
func (v *Vault) Locks() *locks.Manager { return v.locks }

// CreateOptions carries the caller-supplied fields for a new entry.
type CreateOptions struct {
	Filename       string
	DocID          string
	DocIDType      string
	FileType       catalog.FileType
	Label          string
	Variant        *string
	Version        *int
	IsGoldStandard bool
	Collections    []string
	DocMetadata    catalog.MetaMap
	FileMetadata   catalog.MetaMap
	CreatedBy      string
}

// Create stores content as a new catalog entry: blob first, then the
// row with its reference, in that order. Returns the created entry.
func (v *Vault) Create(ctx context.Context, content []byte, opts CreateOptions) (*catalog.FileEntry, error) {
	if !opts.FileType.Valid() {
		return nil, fmt.Errorf("%w: unknown file type %q", catalog.ErrInvalidArgument, opts.FileType)
	}

	hash, _, err := v.blobs.Put(content, opts.FileType)
	if err != nil {
		return nil, err
	}

	entry := &catalog.FileEntry{
		ContentHash:    hash,
		Filename:       opts.Filename,
		DocID:          opts.DocID,
		DocIDType:      opts.DocIDType,
		FileType:       opts.FileType,
		FileSize:       int64(len(content)),
		Label:          opts.Label,
		Variant:        opts.Variant,
		Version:        opts.Version,
		IsGoldStandard: opts.IsGoldStandard,
		DocCollections: opts.Collections,
		DocMetadata:    opts.DocMetadata,
		FileMetadata:   opts.FileMetadata,
		CreatedBy:      opts.CreatedBy,
	}
	if err := v.catalog.CreateEntry(ctx, entry); err != nil {
		// The blob may now be an orphan; garbage collection will
		// reclaim it.
		return nil, err
	}

	logger.InfoCtx(ctx, "entry created",
		logger.StableID(entry.StableID), logger.Hash(hash),
		logger.KeyFileType, string(opts.FileType))
	return entry, nil
}

// Save replaces the content of an existing entry in place. The stable
// ID is the entry's identity and never changes; only content_hash,
// size, and timestamps move. The caller's session must not collide
// with a live lock held by someone else.
//
// When the old hash's reference count reaches zero its blob is deleted
// and the counter row removed afterwards.
func (v *Vault) Save(ctx context.Context, stableID, session string, content []byte) (*catalog.FileEntry, error) {
	if err := v.guardLock(ctx, stableID, session); err != nil {
		return nil, err
	}

	entry, err := v.catalog.GetByStableID(ctx, stableID)
	if err != nil {
		return nil, err
	}
	if entry.Deleted {
		return nil, fmt.Errorf("%w: entry %s is deleted", catalog.ErrNotFound, stableID)
	}

	// Blob before row, as on create.
	newHash, _, err := v.blobs.Put(content, entry.FileType)
	if err != nil {
		return nil, err
	}

	swap, err := v.catalog.UpdateContentHash(ctx, stableID, newHash, int64(len(content)))
	if err != nil {
		return nil, err
	}
	v.reclaimIfOrphaned(ctx, swap, entry.FileType)

	logger.InfoCtx(ctx, "entry content saved",
		logger.StableID(stableID), logger.Hash(newHash),
		logger.KeySession, session)
	return v.catalog.GetByStableID(ctx, stableID)
}

// Delete soft-deletes an entry and reclaims its blob when the last
// reference is gone. Idempotent.
func (v *Vault) Delete(ctx context.Context, stableID, session string) error {
	if err := v.guardLock(ctx, stableID, session); err != nil {
		return err
	}

	entry, err := v.catalog.GetByStableID(ctx, stableID)
	if err != nil {
		return err
	}

	swap, err := v.catalog.SoftDelete(ctx, stableID)
	if err != nil {
		return err
	}
	v.reclaimIfOrphaned(ctx, swap, entry.FileType)

	logger.InfoCtx(ctx, "entry deleted", logger.StableID(stableID))
	return nil
}

// Undelete restores a soft-deleted entry. The blob must still exist;
// an entry whose blob was already reclaimed cannot come back.
func (v *Vault) Undelete(ctx context.Context, stableID string) error {
	entry, err := v.catalog.GetByStableID(ctx, stableID)
	if err != nil {
		return err
	}
	if !entry.Deleted {
		return nil
	}
	if !v.blobs.Exists(entry.ContentHash, entry.FileType) {
		return fmt.Errorf("%w: blob %s was reclaimed", catalog.ErrNotFound, entry.ContentHash)
	}
	if err := v.catalog.Undelete(ctx, stableID); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "entry restored", logger.StableID(stableID))
	return nil
}

// Get returns the entry and its content.
func (v *Vault) Get(ctx context.Context, stableID string) (*catalog.FileEntry, []byte, error) {
	entry, err := v.catalog.GetByStableID(ctx, stableID)
	if err != nil {
		return nil, nil, err
	}
	content, err := v.blobs.Get(entry.ContentHash, entry.FileType)
	if err != nil {
		return nil, nil, err
	}
	return entry, content, nil
}

// OpenContent returns the entry and a streaming reader over its blob.
func (v *Vault) OpenContent(ctx context.Context, stableID string) (*catalog.FileEntry, io.ReadCloser, error) {
	entry, err := v.catalog.GetByStableID(ctx, stableID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := v.blobs.Open(entry.ContentHash, entry.FileType)
	if err != nil {
		return nil, nil, err
	}
	return entry, rc, nil
}

// UpdateMetadata persists the user-editable fields of an entry under
// the same lock discipline as content edits.
func (v *Vault) UpdateMetadata(ctx context.Context, stableID, session string, mutate func(*catalog.FileEntry)) (*catalog.FileEntry, error) {
	if err := v.guardLock(ctx, stableID, session); err != nil {
		return nil, err
	}

	entry, err := v.catalog.GetByStableID(ctx, stableID)
	if err != nil {
		return nil, err
	}
	mutate(entry)
	if err := v.catalog.UpdateMetadata(ctx, entry); err != nil {
		return nil, err
	}
	return v.catalog.GetByStableID(ctx, stableID)
}

// Stats describes the vault for status surfaces.
type Stats struct {
	Entries     int64       `json:"entries"`
	Deleted     int64       `json:"deleted"`
	Unsynced    int64       `json:"unsynced"`
	ActiveLocks int         `json:"active_locks"`
	Blobs       *blob.Stats `json:"blobs"`
	LastSync    time.Time   `json:"last_sync"`
}

// Stats aggregates counts across the catalog, the lock table, and the
// blob store.
func (v *Vault) Stats(ctx context.Context) (*Stats, error) {
	var s Stats

	if err := v.catalog.DB().WithContext(ctx).Model(&catalog.FileEntry{}).
		Where("deleted = ?", false).Count(&s.Entries).Error; err != nil {
		return nil, err
	}
	if err := v.catalog.DB().WithContext(ctx).Model(&catalog.FileEntry{}).
		Where("deleted = ?", true).Count(&s.Deleted).Error; err != nil {
		return nil, err
	}

	unsynced, err := v.catalog.CountUnsynced(ctx)
	if err != nil {
		return nil, err
	}
	s.Unsynced = unsynced

	active, err := v.locks.ActiveLocks(ctx, "")
	if err != nil {
		return nil, err
	}
	s.ActiveLocks = len(active)

	blobStats, err := v.blobs.Stats()
	if err != nil {
		return nil, err
	}
	s.Blobs = blobStats

	s.LastSync, err = v.catalog.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// guardLock rejects mutations when another session holds a live lock
// on the entry. Holding no lock at all is fine; locking is advisory
// for humans, mandatory against each other.
func (v *Vault) guardLock(ctx context.Context, stableID, session string) error {
	status, err := v.locks.Check(ctx, stableID)
	if err != nil {
		return err
	}
	if status.IsLocked && status.LockedBy != session {
		return fmt.Errorf("%w: %s held by %s", catalog.ErrConflict, stableID, status.LockedBy)
	}
	return nil
}

// reclaimIfOrphaned deletes the old blob after a swap released its
// last reference, then removes the counter row. Failures are logged,
// not returned; garbage collection is the retry path.
func (v *Vault) reclaimIfOrphaned(ctx context.Context, swap *catalog.HashSwap, ft catalog.FileType) {
	if swap == nil || !swap.ShouldDeleteBlob {
		return
	}
	deleted, err := v.blobs.Delete(swap.OldHash, ft)
	if err != nil {
		logger.WarnCtx(ctx, "failed to reclaim orphaned blob",
			logger.Hash(swap.OldHash), logger.Err(err))
		return
	}
	if err := v.catalog.RemoveRefEntry(ctx, swap.OldHash); err != nil {
		logger.WarnCtx(ctx, "failed to remove reference entry",
			logger.Hash(swap.OldHash), logger.Err(err))
		return
	}
	if deleted {
		logger.DebugCtx(ctx, "reclaimed orphaned blob", logger.Hash(swap.OldHash))
	}
}
