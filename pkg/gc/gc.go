// Package gc implements garbage collection over the catalog and the
// blob store. A run executes a fixed sequence of phases: purge old
// soft-deleted rows, reclaim orphan blobs, collapse duplicate rows,
// reconcile TEI entries with their PDF, assign the inbox collection,
// drop orphaned XML entries, and clear the schema and tmp caches.
//
// Physical blobs are only ever deleted behind the reference-count
// safety check; no phase removes a blob that a live row still owns.
package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/blob"
	"github.com/teivault/teivault/pkg/catalog"
)

// MinCutoffAge is the youngest cutoff non-administrative callers may
// use for the deleted-row purge. The collector enforces it only when
// Options.Admin is false; policy belongs to the caller.
const MinCutoffAge = 24 * time.Hour

// Options tunes one collection run.
type Options struct {
	// Cutoff purges soft-deleted rows whose last modification is
	// older than this. Zero means "everything deleted", which
	// requires Admin.
	Cutoff time.Time

	// Statuses optionally restricts the purge to these sync states.
	// Empty means any.
	Statuses []catalog.SyncStatus

	// Admin lifts the 24 h minimum cutoff age.
	Admin bool

	// DryRun reports what would happen without changing anything.
	// Only the row and blob counting phases run; cache clearing is
	// skipped entirely.
	DryRun bool

	// SchemaCacheDir and TmpDir are cleared (files only, recursive)
	// in the final phase when set.
	SchemaCacheDir string
	TmpDir         string
}

// Stats reports per-phase results of a collection run.
type Stats struct {
	PurgedRows         int   `json:"purged_rows"`
	OrphanBlobsDeleted int   `json:"orphan_blobs_deleted"`
	OrphanBytesFreed   int64 `json:"orphan_bytes_freed"`
	DuplicatesRemoved  int   `json:"duplicates_removed"`
	CollectionsSynced  int   `json:"collections_synced"`
	InboxAssigned      int   `json:"inbox_assigned"`
	OrphanedXMLDeleted int   `json:"orphaned_xml_deleted"`
	CacheFilesCleared  int   `json:"cache_files_cleared"`
	DurationMs         int64 `json:"duration_ms"`
}

// Collector runs garbage collection.
type Collector struct {
	catalog *catalog.Catalog
	blobs   *blob.Store
	now     func() time.Time
}

// New returns a collector over the given catalog and blob store.
func New(c *catalog.Catalog, b *blob.Store) *Collector {
	return &Collector{catalog: c, blobs: b, now: time.Now}
}

// SetClock overrides the collector clock. Tests only.
func (g *Collector) SetClock(now func() time.Time) {
	g.now = now
}

// Run executes all phases in order and returns per-phase statistics.
// Phase errors abort the run; partially applied phases are safe to
// re-run because every phase is idempotent.
func (g *Collector) Run(ctx context.Context, opts Options) (*Stats, error) {
	start := g.now()
	stats := &Stats{}

	cutoff := opts.Cutoff
	if !opts.Admin {
		oldest := g.now().Add(-MinCutoffAge)
		if cutoff.IsZero() || cutoff.After(oldest) {
			cutoff = oldest
		}
	} else if cutoff.IsZero() {
		cutoff = g.now()
	}

	logger.Info("garbage collection started",
		"cutoff", cutoff.Format(time.RFC3339), "dry_run", opts.DryRun)

	if err := g.purgeDeletedRows(ctx, cutoff, opts, stats); err != nil {
		return stats, fmt.Errorf("purge phase failed: %w", err)
	}
	if err := g.deleteOrphanBlobs(ctx, opts, stats); err != nil {
		return stats, fmt.Errorf("orphan blob phase failed: %w", err)
	}

	if !opts.DryRun {
		var err error
		if stats.DuplicatesRemoved, err = g.catalog.RemoveDuplicateEntries(ctx); err != nil {
			return stats, fmt.Errorf("duplicate phase failed: %w", err)
		}
		if stats.CollectionsSynced, err = g.catalog.SyncTEICollectionsWithPDF(ctx); err != nil {
			return stats, fmt.Errorf("collection reconcile phase failed: %w", err)
		}
		if stats.InboxAssigned, err = g.catalog.AssignInboxToCollectionless(ctx); err != nil {
			return stats, fmt.Errorf("inbox phase failed: %w", err)
		}
		if err = g.deleteOrphanedXML(ctx, stats); err != nil {
			return stats, fmt.Errorf("orphaned xml phase failed: %w", err)
		}
		for _, dir := range []string{opts.SchemaCacheDir, opts.TmpDir} {
			n, err := clearCacheFiles(dir)
			if err != nil {
				return stats, fmt.Errorf("cache clear phase failed: %w", err)
			}
			stats.CacheFilesCleared += n
		}
	}

	stats.DurationMs = g.now().Sub(start).Milliseconds()
	logger.Info("garbage collection finished",
		"purged_rows", stats.PurgedRows,
		"orphan_blobs", stats.OrphanBlobsDeleted,
		"duplicates", stats.DuplicatesRemoved,
		"orphaned_xml", stats.OrphanedXMLDeleted,
		logger.KeyDurationMs, stats.DurationMs)
	return stats, nil
}

// purgeDeletedRows permanently removes soft-deleted rows older than
// the cutoff. Rows that never released their reference (deleted before
// a crash) release it here; the orphan blob phase then reclaims disk.
func (g *Collector) purgeDeletedRows(ctx context.Context, cutoff time.Time, opts Options, stats *Stats) error {
	rows, err := g.catalog.ListDeletedBefore(ctx, cutoff, opts.Statuses)
	if err != nil {
		return err
	}
	if opts.DryRun {
		stats.PurgedRows = len(rows)
		return nil
	}

	for _, row := range rows {
		if err := g.catalog.HardDelete(ctx, row.ID); err != nil {
			return err
		}
		stats.PurgedRows++
		logger.Debug("purged deleted row",
			logger.StableID(row.StableID), logger.Hash(row.ContentHash))
	}
	return nil
}

// deleteOrphanBlobs scans the disk for blobs with no counter entry or
// a zero count, deletes them, and cleans up any zero counter rows
// afterwards.
func (g *Collector) deleteOrphanBlobs(ctx context.Context, opts Options, stats *Stats) error {
	refs, err := g.catalog.AllRefEntries(ctx)
	if err != nil {
		return err
	}
	owned := make(map[string]int, len(refs))
	for _, ref := range refs {
		owned[ref.FileHash] = ref.RefCount
	}

	blobs, err := g.blobs.List()
	if err != nil {
		return err
	}

	for _, b := range blobs {
		if count, ok := owned[b.Hash]; ok && count > 0 {
			continue
		}
		if opts.DryRun {
			stats.OrphanBlobsDeleted++
			stats.OrphanBytesFreed += b.Size
			continue
		}

		deleted, err := g.blobs.Delete(b.Hash, b.FileType)
		if err != nil {
			return err
		}
		if !deleted {
			continue
		}
		// Counter row removal only after the physical delete.
		if _, ok := owned[b.Hash]; ok {
			if err := g.catalog.RemoveRefEntry(ctx, b.Hash); err != nil {
				return err
			}
		}
		stats.OrphanBlobsDeleted++
		stats.OrphanBytesFreed += b.Size
		logger.Debug("deleted orphan blob", logger.Hash(b.Hash), logger.KeySize, b.Size)
	}
	return nil
}

// deleteOrphanedXML soft-deletes live TEI entries whose doc_id has no
// PDF, releasing their references and reclaiming newly unowned blobs.
func (g *Collector) deleteOrphanedXML(ctx context.Context, stats *Stats) error {
	orphans, err := g.catalog.OrphanedXMLFiles(ctx)
	if err != nil {
		return err
	}
	for _, o := range orphans {
		swap, err := g.catalog.SoftDelete(ctx, o.StableID)
		if err != nil {
			return err
		}
		if swap.ShouldDeleteBlob {
			deleted, err := g.blobs.Delete(swap.OldHash, o.FileType)
			if err != nil {
				return err
			}
			if deleted {
				if err := g.catalog.RemoveRefEntry(ctx, swap.OldHash); err != nil {
					return err
				}
			}
		}
		stats.OrphanedXMLDeleted++
		logger.Info("deleted orphaned XML entry",
			logger.StableID(o.StableID), logger.DocID(o.DocID))
	}
	return nil
}

// clearCacheFiles removes regular files recursively under dir, leaving
// the directory structure in place. A missing dir is fine.
func clearCacheFiles(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	cleared := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		cleared++
		return nil
	})
	return cleared, err
}
