package catalog

import (
	"context"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============================================================================
// Sync metadata key/value store
// ============================================================================

// GetMeta returns the value for a sync meta key, or ErrNotFound.
func (c *Catalog) GetMeta(ctx context.Context, key string) (string, error) {
	var row SyncMetaRow
	if err := c.db.WithContext(ctx).Where("key = ?", key).First(&row).Error; err != nil {
		return "", convertNotFoundError(err)
	}
	return row.Value, nil
}

// SetMeta upserts a sync meta key.
func (c *Catalog) SetMeta(ctx context.Context, key, value string) error {
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{"value": value}),
	}).Create(&SyncMetaRow{Key: key, Value: value}).Error
}

// LocalRemoteVersion returns the remote dataset version this catalog
// last synchronized against. A catalog that never synced reports 0.
func (c *Catalog) LocalRemoteVersion(ctx context.Context) (int, error) {
	v, err := c.GetMeta(ctx, MetaRemoteVersion)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetLocalRemoteVersion records the remote dataset version after a
// successful sync.
func (c *Catalog) SetLocalRemoteVersion(ctx context.Context, version int) error {
	return c.SetMeta(ctx, MetaRemoteVersion, strconv.Itoa(version))
}

// LastSyncTime returns the completion time of the last successful
// sync, or the zero time when none has run.
func (c *Catalog) LastSyncTime(ctx context.Context) (time.Time, error) {
	v, err := c.GetMeta(ctx, MetaLastSyncTime)
	if err == ErrNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// TouchLastSyncTime stamps the last sync time with the catalog clock.
func (c *Catalog) TouchLastSyncTime(ctx context.Context) error {
	return c.SetMeta(ctx, MetaLastSyncTime, c.now().UTC().Format(time.RFC3339))
}

// TrySetSyncInProgress atomically flips the in-progress flag from off
// to on, returning false when another sync already holds it. This is
// the local re-entrancy guard; cross-process exclusion is the remote
// advisory lock.
func (c *Catalog) TrySetSyncInProgress(ctx context.Context) (bool, error) {
	acquired := false
	err := c.Transaction(ctx, func(tx *gorm.DB) error {
		var row SyncMetaRow
		err := tx.Where("key = ?", MetaSyncInProgress).First(&row).Error
		switch {
		case convertNotFoundError(err) == ErrNotFound:
			// first sync ever
		case err != nil:
			return err
		case row.Value == "true":
			return nil // someone else is syncing
		}
		acquired = true
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{"value": "true"}),
		}).Create(&SyncMetaRow{Key: MetaSyncInProgress, Value: "true"}).Error
	})
	return acquired, err
}

// ClearSyncInProgress releases the in-progress flag.
func (c *Catalog) ClearSyncInProgress(ctx context.Context) error {
	return c.SetMeta(ctx, MetaSyncInProgress, "false")
}
