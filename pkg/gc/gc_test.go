package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teivault/teivault/pkg/blob"
	"github.com/teivault/teivault/pkg/catalog"
)

type fixture struct {
	catalog *catalog.Catalog
	blobs   *blob.Store
	gc      *Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	c, err := catalog.Open(catalog.Config{
		Type:       catalog.DatabaseTypeSQLite,
		Path:       filepath.Join(dir, "metadata.db"),
		Migrations: catalog.MigrationConfig{SkipBackup: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	b, err := blob.New(filepath.Join(dir, "files"))
	require.NoError(t, err)

	return &fixture{catalog: c, blobs: b, gc: New(c, b)}
}

// createEntry writes a blob and a catalog row the way the write path
// does: blob first, then the row with its reference.
func (f *fixture) createEntry(t *testing.T, content []byte, docID string, ft catalog.FileType) *catalog.FileEntry {
	t.Helper()
	hash, _, err := f.blobs.Put(content, ft)
	require.NoError(t, err)
	e := &catalog.FileEntry{ContentHash: hash, DocID: docID, FileType: ft, FileSize: int64(len(content))}
	require.NoError(t, f.catalog.CreateEntry(context.Background(), e))
	return e
}

func TestPurgeDeletedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.createEntry(t, []byte("old pdf"), "old", catalog.FileTypePDF)
	fresh := f.createEntry(t, []byte("fresh pdf"), "fresh", catalog.FileTypePDF)
	_, err := f.catalog.SoftDelete(ctx, old.StableID)
	require.NoError(t, err)
	_, err = f.catalog.SoftDelete(ctx, fresh.StableID)
	require.NoError(t, err)

	t.Run("default cutoff spares recent deletions", func(t *testing.T) {
		stats, err := f.gc.Run(ctx, Options{DryRun: true})
		require.NoError(t, err)
		assert.Zero(t, stats.PurgedRows, "rows deleted seconds ago are younger than 24h")
	})

	t.Run("admin cutoff purges and orphan phase reclaims", func(t *testing.T) {
		stats, err := f.gc.Run(ctx, Options{Admin: true, Cutoff: time.Now().Add(time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.PurgedRows)
		assert.Equal(t, 2, stats.OrphanBlobsDeleted, "purged rows left unowned blobs")

		_, err = f.catalog.GetByStableID(ctx, old.StableID)
		assert.ErrorIs(t, err, catalog.ErrNotFound)
		assert.False(t, f.blobs.Exists(old.ContentHash, catalog.FileTypePDF))
	})

	t.Run("status filter", func(t *testing.T) {
		e := f.createEntry(t, []byte("filtered"), "flt", catalog.FileTypePDF)
		_, err := f.catalog.SoftDelete(ctx, e.StableID)
		require.NoError(t, err)

		stats, err := f.gc.Run(ctx, Options{
			Admin:    true,
			Cutoff:   time.Now().Add(time.Minute),
			Statuses: []catalog.SyncStatus{catalog.SyncStatusDeletionSynced},
		})
		require.NoError(t, err)
		assert.Zero(t, stats.PurgedRows, "pending_delete row excluded by filter")
	})
}

func TestOrphanBlobPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	owned := f.createEntry(t, []byte("owned"), "d", catalog.FileTypePDF)

	// A blob written with no catalog row at all.
	strayHash, _, err := f.blobs.Put([]byte("stray"), catalog.FileTypeTEI)
	require.NoError(t, err)

	// A counter at zero whose blob survived a crash.
	zeroHash, _, err := f.blobs.Put([]byte("zero ref"), catalog.FileTypeTEI)
	require.NoError(t, err)
	_, err = f.catalog.IncrementRef(ctx, zeroHash, catalog.FileTypeTEI)
	require.NoError(t, err)
	_, _, err = f.catalog.DecrementRef(ctx, zeroHash)
	require.NoError(t, err)

	t.Run("dry run only counts", func(t *testing.T) {
		stats, err := f.gc.Run(ctx, Options{DryRun: true, Admin: true})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.OrphanBlobsDeleted)
		assert.True(t, f.blobs.Exists(strayHash, catalog.FileTypeTEI))
	})

	t.Run("live run reclaims", func(t *testing.T) {
		stats, err := f.gc.Run(ctx, Options{Admin: true})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.OrphanBlobsDeleted)
		assert.Equal(t, int64(len("stray")+len("zero ref")), stats.OrphanBytesFreed)

		assert.False(t, f.blobs.Exists(strayHash, catalog.FileTypeTEI))
		assert.False(t, f.blobs.Exists(zeroHash, catalog.FileTypeTEI))
		assert.True(t, f.blobs.Exists(owned.ContentHash, catalog.FileTypePDF),
			"owned blob untouched")

		_, err = f.catalog.GetRefCount(ctx, zeroHash)
		assert.ErrorIs(t, err, catalog.ErrNotFound, "zero counter row cleaned up")
	})
}

func TestMaintenancePhases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createEntry(t, []byte("pdf"), "doc", catalog.FileTypePDF)
	tei := f.createEntry(t, []byte("<TEI/>"), "doc", catalog.FileTypeTEI)
	orphanXML := f.createEntry(t, []byte("<TEI>lost</TEI>"), "pdf-less", catalog.FileTypeTEI)

	// Duplicate of the TEI row.
	dup := &catalog.FileEntry{ContentHash: tei.ContentHash, DocID: "doc", FileType: catalog.FileTypeTEI}
	require.NoError(t, f.catalog.CreateEntry(ctx, dup))

	stats, err := f.gc.Run(ctx, Options{Admin: true})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.DuplicatesRemoved)
	assert.Equal(t, 1, stats.OrphanedXMLDeleted)

	got, err := f.catalog.GetByStableID(ctx, orphanXML.StableID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.False(t, f.blobs.Exists(orphanXML.ContentHash, catalog.FileTypeTEI),
		"orphan XML blob reclaimed")

	kept, err := f.catalog.GetByStableID(ctx, tei.StableID)
	require.NoError(t, err)
	assert.False(t, kept.Deleted)
	assert.True(t, f.blobs.Exists(tei.ContentHash, catalog.FileTypeTEI))
}

func TestCacheClearing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	schemaDir := filepath.Join(t.TempDir(), "schema", "cache")
	nested := filepath.Join(schemaDir, "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "a.rng"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b.rng"), []byte("y"), 0o644))

	stats, err := f.gc.Run(ctx, Options{Admin: true, SchemaCacheDir: schemaDir})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CacheFilesCleared)

	_, err = os.Stat(nested)
	assert.NoError(t, err, "directories stay, only files go")

	t.Run("missing dir is fine", func(t *testing.T) {
		_, err := f.gc.Run(ctx, Options{Admin: true, TmpDir: "/nonexistent/tmp"})
		assert.NoError(t, err)
	})
}
