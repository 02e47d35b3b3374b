// Package sync publishes local catalog changes to the shared remote
// replica and pulls back changes published by other instances. The
// protocol is two-tier: a cheap version probe decides whether a full
// pass is needed, and the full pass is serialized across all instances
// by the remote advisory lock.
package sync

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/progress"
	"github.com/teivault/teivault/pkg/remote"
	"github.com/teivault/teivault/pkg/vault"
)

// DefaultLockWait bounds how long a sync waits for the remote
// advisory lock before aborting.
const DefaultLockWait = 300 * time.Second

// Options configures one sync pass.
type Options struct {
	// Force runs the full sequence even when the fast-path check
	// sees nothing to do.
	Force bool

	// Holder tags the remote advisory lock. Defaults to hostname-pid.
	Holder string

	// LockWait bounds remote lock acquisition. Zero takes the default.
	LockWait time.Duration

	// ProgressToken keys progress events; empty disables reporting.
	ProgressToken string
}

// Summary reports what one sync pass did.
type Summary struct {
	Skipped         bool  `json:"skipped"`
	Uploads         int   `json:"uploads"`
	Downloads       int   `json:"downloads"`
	DeletionsLocal  int   `json:"deletions_local"`
	DeletionsRemote int   `json:"deletions_remote"`
	MetadataUpdates int   `json:"metadata_updates"`
	Conflicts       int   `json:"conflicts"`
	Errors          int   `json:"errors"`
	NewVersion      int   `json:"new_version"`
	DurationMs      int64 `json:"duration_ms"`
}

// Engine drives synchronization between a vault and a remote replica.
type Engine struct {
	vault   *vault.Vault
	replica *remote.Replica
	bus     *progress.Bus
}

// New returns a sync engine. The bus may be nil.
func New(v *vault.Vault, r *remote.Replica, bus *progress.Bus) *Engine {
	return &Engine{vault: v, replica: r, bus: bus}
}

// pair couples a local entry with its remote counterpart.
type pair struct {
	local  *catalog.FileEntry
	remote *remote.File
}

// diffSet is the classified difference between the local catalog and
// the remote rows, keyed by content hash.
type diffSet struct {
	localNew       []*catalog.FileEntry
	remoteNew      []*remote.File
	localModified  []*catalog.FileEntry
	remoteDeleted  []pair
	remoteModified []pair

	// remoteContent pairs a synced local entry with a remote row that
	// carries a different hash under the same stable ID: the content
	// was edited elsewhere and must be pulled.
	remoteContent []pair

	conflicts int
}

// Perform runs one sync pass. Single-file transfer failures are
// counted and skipped; any failure before the version bump leaves the
// remote untouched so the next pass retries from scratch.
func (e *Engine) Perform(ctx context.Context, opts Options) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	cat := e.vault.Catalog()

	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.Holder == "" {
		opts.Holder = defaultHolder()
	}

	acquired, err := cat.TrySetSyncInProgress(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: sync already in progress", catalog.ErrConflict)
	}
	defer func() {
		if err := cat.ClearSyncInProgress(context.Background()); err != nil {
			logger.Warn("failed to clear sync-in-progress flag", logger.Err(err))
		}
	}()

	// Fast path: one cheap version probe plus a local count.
	needed, remoteVer, err := e.checkIfSyncNeeded(ctx)
	if err != nil {
		return nil, err
	}
	if !opts.Force && !needed {
		summary.Skipped = true
		summary.NewVersion = remoteVer
		summary.DurationMs = time.Since(start).Milliseconds()
		logger.Debug("sync skipped, nothing to do", logger.KeyRemoteVersion, remoteVer)
		return summary, nil
	}

	e.report(opts.ProgressToken, 5, "acquiring remote lock")
	if err := e.replica.AcquireLock(ctx, opts.Holder, opts.LockWait); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.replica.ReleaseLock(context.Background(), opts.Holder); err != nil {
			logger.Warn("failed to release remote lock", logger.Err(err))
		}
	}()

	e.report(opts.ProgressToken, 10, "downloading remote metadata")
	meta, err := e.replica.DownloadMeta(ctx)
	if err != nil {
		return nil, err
	}
	defer meta.Cleanup()

	baseVersion, err := meta.Version()
	if err != nil {
		return nil, err
	}
	newVersion := baseVersion + 1

	diff, err := e.computeDiff(ctx, meta)
	if err != nil {
		return nil, err
	}
	summary.Conflicts = diff.conflicts
	logger.Info("sync diff computed",
		"local_new", len(diff.localNew), "remote_new", len(diff.remoteNew),
		"local_modified", len(diff.localModified),
		"remote_deleted", len(diff.remoteDeleted),
		"remote_modified", len(diff.remoteModified),
		"remote_content", len(diff.remoteContent),
		"conflicts", diff.conflicts)

	e.report(opts.ProgressToken, 20, "applying remote deletions")
	if err := e.applyRemoteDeletions(ctx, diff.remoteDeleted, summary); err != nil {
		return nil, err
	}

	e.report(opts.ProgressToken, 30, "publishing local deletions")
	if err := e.publishLocalDeletions(ctx, meta, newVersion, summary); err != nil {
		return nil, err
	}

	e.report(opts.ProgressToken, 40, "transferring files")
	e.uploadEntries(ctx, meta, append(diff.localNew, diff.localModified...), newVersion, summary)
	e.downloadEntries(ctx, diff.remoteNew, summary)
	e.pullContentChanges(ctx, diff.remoteContent, summary)

	e.report(opts.ProgressToken, 80, "applying remote metadata changes")
	for _, p := range diff.remoteModified {
		if err := cat.ApplyRemoteMetadata(ctx, p.local.ID, remoteToEntry(p.remote)); err != nil {
			logger.Warn("failed to apply remote metadata",
				logger.StableID(p.local.StableID), logger.Err(err))
			summary.Errors++
			continue
		}
		summary.MetadataUpdates++
	}

	// Point of no return: everything past here changes the remote.
	e.report(opts.ProgressToken, 90, "publishing new version")
	if err := meta.SetVersion(newVersion); err != nil {
		return nil, err
	}
	if err := meta.Close(); err != nil {
		return nil, err
	}
	if err := e.replica.UploadMeta(ctx, meta.Path()); err != nil {
		return nil, err
	}
	if err := e.replica.SetVersion(ctx, newVersion); err != nil {
		return nil, err
	}
	if err := cat.SetLocalRemoteVersion(ctx, newVersion); err != nil {
		return nil, err
	}
	if err := cat.TouchLastSyncTime(ctx); err != nil {
		return nil, err
	}

	summary.NewVersion = newVersion
	summary.DurationMs = time.Since(start).Milliseconds()
	if e.bus != nil && opts.ProgressToken != "" {
		e.bus.Done(opts.ProgressToken, fmt.Sprintf("synced to version %d", newVersion))
	}
	logger.Info("sync finished",
		logger.KeyRemoteVersion, newVersion,
		"uploads", summary.Uploads, "downloads", summary.Downloads,
		"deletions_local", summary.DeletionsLocal,
		"deletions_remote", summary.DeletionsRemote,
		"metadata_updates", summary.MetadataUpdates,
		"conflicts", summary.Conflicts, "errors", summary.Errors,
		logger.KeyDurationMs, summary.DurationMs)
	return summary, nil
}

// checkIfSyncNeeded is the O(1) fast path: any unsynced local row or a
// version mismatch triggers the full sequence.
func (e *Engine) checkIfSyncNeeded(ctx context.Context) (bool, int, error) {
	cat := e.vault.Catalog()

	unsynced, err := cat.CountUnsynced(ctx)
	if err != nil {
		return false, 0, err
	}
	localVer, err := cat.LocalRemoteVersion(ctx)
	if err != nil {
		return false, 0, err
	}
	remoteVer, err := e.replica.GetVersion(ctx)
	if err != nil {
		return false, 0, err
	}
	return unsynced > 0 || localVer != remoteVer, remoteVer, nil
}

// computeDiff classifies every hash present on either side.
func (e *Engine) computeDiff(ctx context.Context, meta *remote.MetaDB) (*diffSet, error) {
	locals, err := e.vault.Catalog().List(ctx, catalog.ListOptions{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	remotes, err := meta.AllFiles(true)
	if err != nil {
		return nil, err
	}

	localByHash := map[string]*catalog.FileEntry{}
	localByStable := map[string]*catalog.FileEntry{}
	for i := range locals {
		localByHash[locals[i].ContentHash] = &locals[i]
		localByStable[locals[i].StableID] = &locals[i]
	}
	remoteByHash := map[string]*remote.File{}
	remoteByStable := map[string]*remote.File{}
	for i := range remotes {
		remoteByHash[remotes[i].ContentHash] = &remotes[i]
		remoteByStable[remotes[i].StableID] = &remotes[i]
	}

	diff := &diffSet{}

	for i := range locals {
		local := &locals[i]
		if local.Deleted {
			continue // published by the deletion phase
		}
		rf, ok := remoteByHash[local.ContentHash]
		switch {
		case !ok && local.SyncStatus == catalog.SyncStatusSynced:
			// The published hash is gone from the remote. If the
			// stable-ID row swapped to a new hash the content was
			// edited elsewhere; if the row was deleted the file was
			// removed elsewhere; otherwise the remote lost the row
			// and it is republished.
			byStable := remoteByStable[local.StableID]
			switch {
			case byStable != nil && byStable.Deleted:
				diff.remoteDeleted = append(diff.remoteDeleted, pair{local: local, remote: byStable})
			case byStable != nil && byStable.ContentHash != local.ContentHash:
				diff.remoteContent = append(diff.remoteContent, pair{local: local, remote: byStable})
			default:
				diff.localNew = append(diff.localNew, local)
			}
		case !ok:
			diff.localNew = append(diff.localNew, local)
		case rf.Deleted && local.IsUnsynced():
			// Deleted remotely while edited locally. The local edit
			// wins and is republished.
			diff.conflicts++
			diff.localModified = append(diff.localModified, local)
		case rf.Deleted:
			diff.remoteDeleted = append(diff.remoteDeleted, pair{local: local, remote: rf})
		case local.SyncStatus != catalog.SyncStatusSynced:
			diff.localModified = append(diff.localModified, local)
		case rf.UpdatedAt.After(local.UpdatedAt):
			diff.remoteModified = append(diff.remoteModified, pair{local: local, remote: rf})
		}
	}

	for i := range remotes {
		rf := &remotes[i]
		if rf.Deleted {
			continue
		}
		if _, ok := localByHash[rf.ContentHash]; ok {
			continue
		}
		// A local entry with the same stable ID holds newer content;
		// the remote row is superseded and will be overwritten by the
		// upload phase.
		if _, ok := localByStable[rf.StableID]; ok {
			continue
		}
		diff.remoteNew = append(diff.remoteNew, rf)
	}

	return diff, nil
}

// applyRemoteDeletions soft-deletes local rows whose hash was deleted
// remotely, reclaiming blobs whose reference count drops to zero.
func (e *Engine) applyRemoteDeletions(ctx context.Context, pairs []pair, summary *Summary) error {
	cat := e.vault.Catalog()
	for _, p := range pairs {
		swap, err := cat.SoftDelete(ctx, p.local.StableID)
		if err != nil {
			return err
		}
		// Already deleted remotely; nothing to publish back.
		if err := cat.MarkDeletionSynced(ctx, p.local.ID, p.remote.RemoteVersion); err != nil {
			return err
		}
		if swap.ShouldDeleteBlob {
			e.reclaimBlob(ctx, swap.OldHash, p.local.FileType)
		}
		summary.DeletionsLocal++
		logger.Info("applied remote deletion",
			logger.StableID(p.local.StableID), logger.Hash(p.local.ContentHash))
	}
	return nil
}

// publishLocalDeletions flags remote rows for locally deleted entries
// and advances those entries to deletion_synced.
func (e *Engine) publishLocalDeletions(ctx context.Context, meta *remote.MetaDB, newVersion int, summary *Summary) error {
	cat := e.vault.Catalog()
	locals, err := cat.List(ctx, catalog.ListOptions{IncludeDeleted: true})
	if err != nil {
		return err
	}
	for i := range locals {
		local := &locals[i]
		if !local.Deleted || local.SyncStatus == catalog.SyncStatusDeletionSynced {
			continue
		}
		// mark_deleted is a no-op for entries the remote never saw.
		if err := meta.MarkDeleted(local.ContentHash, newVersion); err != nil {
			return err
		}
		if err := cat.MarkDeletionSynced(ctx, local.ID, newVersion); err != nil {
			return err
		}
		summary.DeletionsRemote++
		logger.Info("published local deletion",
			logger.StableID(local.StableID), logger.Hash(local.ContentHash))
	}
	return nil
}

// uploadEntries pushes blobs and rows for new and modified local
// entries. Failures are per file; the batch continues.
func (e *Engine) uploadEntries(ctx context.Context, meta *remote.MetaDB, entries []*catalog.FileEntry, newVersion int, summary *Summary) {
	cat := e.vault.Catalog()
	blobs := e.vault.Blobs()

	for _, local := range entries {
		remotePath := remote.BlobPath(local.ContentHash, local.FileType)

		exists, err := e.replica.BlobExists(ctx, remotePath)
		if err != nil {
			e.fileError(ctx, local, "probe remote blob", err, summary)
			continue
		}
		if !exists {
			localPath := blobs.Path(local.ContentHash, local.FileType)
			if err := e.replica.UploadBlob(ctx, localPath, remotePath); err != nil {
				e.fileError(ctx, local, "upload blob", err, summary)
				continue
			}
		}

		rf := entryToRemote(local)
		rf.RemoteVersion = newVersion
		if err := meta.Upsert(rf); err != nil {
			e.fileError(ctx, local, "upsert remote row", err, summary)
			continue
		}
		if err := cat.MarkSynced(ctx, local.ID, newVersion, local.ContentHash); err != nil {
			e.fileError(ctx, local, "mark synced", err, summary)
			continue
		}
		summary.Uploads++
		logger.Debug("uploaded entry",
			logger.StableID(local.StableID), logger.Hash(local.ContentHash))
	}
}

// downloadEntries pulls blobs and inserts local rows for entries that
// exist only on the remote.
func (e *Engine) downloadEntries(ctx context.Context, files []*remote.File, summary *Summary) {
	cat := e.vault.Catalog()
	blobs := e.vault.Blobs()

	for _, rf := range files {
		localPath := blobs.Path(rf.ContentHash, rf.FileType)
		if !blobs.Exists(rf.ContentHash, rf.FileType) {
			remotePath := remote.BlobPath(rf.ContentHash, rf.FileType)
			if err := e.replica.DownloadBlob(ctx, remotePath, localPath); err != nil {
				logger.Warn("failed to download blob",
					logger.StableID(rf.StableID), logger.Err(err))
				summary.Errors++
				continue
			}
		}

		entry := remoteToEntry(rf)
		entry.SyncStatus = catalog.SyncStatusSynced
		entry.SyncHash = rf.ContentHash
		if err := cat.CreateEntry(ctx, entry); err != nil {
			logger.Warn("failed to insert downloaded entry",
				logger.StableID(rf.StableID), logger.Err(err))
			summary.Errors++
			continue
		}
		summary.Downloads++
		logger.Debug("downloaded entry",
			logger.StableID(rf.StableID), logger.Hash(rf.ContentHash))
	}
}

// pullContentChanges downloads content edited elsewhere and swaps the
// hash on the existing local row, preserving its stable ID.
func (e *Engine) pullContentChanges(ctx context.Context, pairs []pair, summary *Summary) {
	cat := e.vault.Catalog()
	blobs := e.vault.Blobs()

	for _, p := range pairs {
		rf := p.remote
		localPath := blobs.Path(rf.ContentHash, rf.FileType)
		if !blobs.Exists(rf.ContentHash, rf.FileType) {
			remotePath := remote.BlobPath(rf.ContentHash, rf.FileType)
			if err := e.replica.DownloadBlob(ctx, remotePath, localPath); err != nil {
				logger.Warn("failed to download changed blob",
					logger.StableID(rf.StableID), logger.Err(err))
				summary.Errors++
				continue
			}
		}

		swap, err := cat.UpdateContentHash(ctx, p.local.StableID, rf.ContentHash, rf.FileSize)
		if err != nil {
			logger.Warn("failed to swap content hash",
				logger.StableID(rf.StableID), logger.Err(err))
			summary.Errors++
			continue
		}
		if err := cat.ApplyRemoteMetadata(ctx, p.local.ID, remoteToEntry(rf)); err != nil {
			logger.Warn("failed to apply remote metadata",
				logger.StableID(rf.StableID), logger.Err(err))
			summary.Errors++
			continue
		}
		if err := cat.MarkSynced(ctx, p.local.ID, rf.RemoteVersion, rf.ContentHash); err != nil {
			logger.Warn("failed to mark synced",
				logger.StableID(rf.StableID), logger.Err(err))
			summary.Errors++
			continue
		}
		if swap.ShouldDeleteBlob {
			e.reclaimBlob(ctx, swap.OldHash, p.local.FileType)
		}
		summary.Downloads++
		logger.Debug("pulled content change",
			logger.StableID(rf.StableID), logger.Hash(rf.ContentHash))
	}
}

// reclaimBlob deletes a zero-reference blob and drops its counter row,
// in that order. Failures are logged; garbage collection recovers.
func (e *Engine) reclaimBlob(ctx context.Context, hash string, ft catalog.FileType) {
	if _, err := e.vault.Blobs().Delete(hash, ft); err != nil {
		logger.Warn("failed to delete reclaimed blob", logger.Hash(hash), logger.Err(err))
		return
	}
	if err := e.vault.Catalog().RemoveRefEntry(ctx, hash); err != nil {
		logger.Warn("failed to remove reference entry", logger.Hash(hash), logger.Err(err))
	}
}

func (e *Engine) fileError(ctx context.Context, local *catalog.FileEntry, op string, err error, summary *Summary) {
	logger.Warn("sync transfer failed",
		logger.KeyOp, op, logger.StableID(local.StableID), logger.Err(err))
	summary.Errors++
	if err := e.vault.Catalog().MarkSyncError(ctx, local.ID); err != nil {
		logger.Warn("failed to flag sync error", logger.StableID(local.StableID), logger.Err(err))
	}
}

func (e *Engine) report(token string, percent int, message string) {
	if e.bus == nil || token == "" {
		return
	}
	e.bus.Publish(token, "sync", percent, message)
}

// entryToRemote strips the local-only sync columns.
func entryToRemote(e *catalog.FileEntry) *remote.File {
	return &remote.File{
		ID:             e.ID,
		StableID:       e.StableID,
		ContentHash:    e.ContentHash,
		Filename:       e.Filename,
		DocID:          e.DocID,
		DocIDType:      e.DocIDType,
		FileType:       e.FileType,
		MimeType:       e.MimeType,
		FileSize:       e.FileSize,
		Label:          e.Label,
		Variant:        e.Variant,
		Version:        e.Version,
		IsGoldStandard: e.IsGoldStandard,
		Deleted:        e.Deleted,
		Status:         e.Status,
		LastRevision:   e.LastRevision,
		CreatedBy:      e.CreatedBy,
		DocCollections: e.DocCollections,
		DocMetadata:    e.DocMetadata,
		FileMetadata:   e.FileMetadata,
	}
}

// remoteToEntry builds a local row from a remote one. Sync columns are
// left for the caller.
func remoteToEntry(rf *remote.File) *catalog.FileEntry {
	return &catalog.FileEntry{
		ID:             rf.ID,
		StableID:       rf.StableID,
		ContentHash:    rf.ContentHash,
		Filename:       rf.Filename,
		DocID:          rf.DocID,
		DocIDType:      rf.DocIDType,
		FileType:       rf.FileType,
		MimeType:       rf.MimeType,
		FileSize:       rf.FileSize,
		Label:          rf.Label,
		Variant:        rf.Variant,
		Version:        rf.Version,
		IsGoldStandard: rf.IsGoldStandard,
		RemoteVersion:  rf.RemoteVersion,
		Status:         rf.Status,
		LastRevision:   rf.LastRevision,
		CreatedBy:      rf.CreatedBy,
		DocCollections: rf.DocCollections,
		DocMetadata:    rf.DocMetadata,
		FileMetadata:   rf.FileMetadata,
	}
}

// defaultHolder tags remote locks with this instance's identity.
func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
