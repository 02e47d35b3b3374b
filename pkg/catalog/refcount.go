package catalog

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/teivault/teivault/internal/logger"
)

// ============================================================================
// Blob reference counting
// ============================================================================
//
// Every catalog row holds one reference to its content hash. The
// counter table is the single source of truth for "is this blob still
// owned": a blob is reclaimable exactly when its count reaches zero.
// Counter rows outlive their last reference on purpose; the row is
// removed only after the physical blob delete succeeds, so a crash
// between the two leaves an orphan for garbage collection rather than
// a dangling row.

// IncrementRef adds one reference to hash, creating the counter row on
// first use.
func (c *Catalog) IncrementRef(ctx context.Context, hash string, ft FileType) (int, error) {
	var count int
	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		count, err = incrementRef(tx, hash, ft)
		return err
	})
	return count, err
}

// DecrementRef removes one reference from hash. The second return is
// true when the count reached zero and the blob may be deleted.
// Decrementing a missing or zero counter is an integrity violation; it
// is logged and reported but the count is clamped at zero.
func (c *Catalog) DecrementRef(ctx context.Context, hash string) (int, bool, error) {
	var (
		count        int
		shouldDelete bool
	)
	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		count, shouldDelete, err = decrementRef(tx, hash)
		return err
	})
	return count, shouldDelete, err
}

// GetRefCount returns the current count for hash, or ErrNotFound when
// no counter row exists.
func (c *Catalog) GetRefCount(ctx context.Context, hash string) (int, error) {
	var ref ReferenceEntry
	if err := c.db.WithContext(ctx).Where("file_hash = ?", hash).First(&ref).Error; err != nil {
		return 0, convertNotFoundError(err)
	}
	return ref.RefCount, nil
}

// RemoveRefEntry deletes the counter row for hash. Called after the
// physical blob has been deleted, never before.
func (c *Catalog) RemoveRefEntry(ctx context.Context, hash string) error {
	return c.db.WithContext(ctx).Where("file_hash = ?", hash).Delete(&ReferenceEntry{}).Error
}

// ZeroRefHashes returns counter rows whose count is zero. These blobs
// are reclaim candidates for garbage collection.
func (c *Catalog) ZeroRefHashes(ctx context.Context) ([]ReferenceEntry, error) {
	var refs []ReferenceEntry
	err := c.db.WithContext(ctx).Where("ref_count <= 0").Find(&refs).Error
	return refs, err
}

// AllRefEntries returns every counter row, for integrity scans.
func (c *Catalog) AllRefEntries(ctx context.Context) ([]ReferenceEntry, error) {
	var refs []ReferenceEntry
	err := c.db.WithContext(ctx).Find(&refs).Error
	return refs, err
}

// RebuildRefCounts recomputes every counter from the live catalog rows
// in one transaction. This is the recovery path when counters have
// drifted from reality (crash between blob delete and row removal,
// manual database edits). Returns the number of counters that changed.
func (c *Catalog) RebuildRefCounts(ctx context.Context) (int, error) {
	changed := 0

	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		type hashCount struct {
			ContentHash string
			FileType    FileType
			N           int
		}
		var counts []hashCount
		if err := tx.Model(&FileEntry{}).
			Select("content_hash, file_type, COUNT(*) as n").
			Where("deleted = ?", false).
			Group("content_hash, file_type").
			Scan(&counts).Error; err != nil {
			return err
		}

		live := make(map[string]hashCount, len(counts))
		for _, hc := range counts {
			live[hc.ContentHash] = hc
		}

		var refs []ReferenceEntry
		if err := tx.Find(&refs).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(refs))

		for _, ref := range refs {
			seen[ref.FileHash] = struct{}{}
			want := 0
			if hc, ok := live[ref.FileHash]; ok {
				want = hc.N
			}
			if ref.RefCount == want {
				continue
			}
			logger.Warn("correcting drifted reference count",
				logger.KeyHash, ref.FileHash,
				"recorded", ref.RefCount, "actual", want)
			if err := tx.Model(&ReferenceEntry{}).
				Where("file_hash = ?", ref.FileHash).
				Update("ref_count", want).Error; err != nil {
				return err
			}
			changed++
		}

		// Counter rows missing entirely for referenced hashes.
		for hash, hc := range live {
			if _, ok := seen[hash]; ok {
				continue
			}
			logger.Warn("recreating missing reference count",
				logger.KeyHash, hash, "actual", hc.N)
			if err := tx.Create(&ReferenceEntry{
				FileHash: hash,
				FileType: hc.FileType,
				RefCount: hc.N,
			}).Error; err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// incrementRef is the transaction-scoped increment used by entry
// mutations so the counter moves atomically with the row.
func incrementRef(tx *gorm.DB, hash string, ft FileType) (int, error) {
	ref := ReferenceEntry{FileHash: hash, FileType: ft, RefCount: 1}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_hash"}},
		DoUpdates: clause.Assignments(map[string]any{"ref_count": gorm.Expr("ref_count + 1")}),
	}).Create(&ref).Error
	if err != nil {
		return 0, fmt.Errorf("failed to increment reference for %s: %w", hash, err)
	}

	var out ReferenceEntry
	if err := tx.Where("file_hash = ?", hash).First(&out).Error; err != nil {
		return 0, err
	}
	return out.RefCount, nil
}

// decrementRef is the transaction-scoped decrement. Underflow is
// clamped and surfaced as a logged integrity warning rather than an
// error, because the caller's row mutation is still correct.
func decrementRef(tx *gorm.DB, hash string) (int, bool, error) {
	var ref ReferenceEntry
	if err := tx.Where("file_hash = ?", hash).First(&ref).Error; err != nil {
		if convertNotFoundError(err) == ErrNotFound {
			// No counter means the blob is already an orphan; signal
			// the caller to (idempotently) delete it.
			logger.Warn("decrement on missing reference count", logger.KeyHash, hash)
			return 0, true, nil
		}
		return 0, false, err
	}

	if ref.RefCount <= 0 {
		logger.Warn("reference count underflow", logger.KeyHash, hash,
			logger.KeyRefCount, ref.RefCount)
		return 0, true, nil
	}

	newCount := ref.RefCount - 1
	if err := tx.Model(&ReferenceEntry{}).
		Where("file_hash = ?", hash).
		Update("ref_count", newCount).Error; err != nil {
		return 0, false, err
	}
	return newCount, newCount == 0, nil
}
