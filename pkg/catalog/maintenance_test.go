package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSyncTEICollectionsWithPDF(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	mustCreate(t, c, &FileEntry{
		ContentHash:    strings.Repeat("a", 64),
		DocID:          "doc",
		FileType:       FileTypePDF,
		DocCollections: StringList{"corpus-a"},
		DocMetadata:    MetaMap{"title": "A Paper"},
	})
	tei := mustCreate(t, c, &FileEntry{
		ContentHash:    strings.Repeat("b", 64),
		DocID:          "doc",
		FileType:       FileTypeTEI,
		DocCollections: StringList{"stale"},
		DocMetadata:    MetaMap{"title": "Old Title"},
	})
	// TEI without a PDF stays untouched.
	loner := mustCreate(t, c, &FileEntry{
		ContentHash:    strings.Repeat("c", 64),
		DocID:          "pdf-less",
		FileType:       FileTypeTEI,
		DocCollections: StringList{"keep"},
	})

	changed, err := c.SyncTEICollectionsWithPDF(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := c.GetByStableID(ctx, tei.StableID)
	require.NoError(t, err)
	assert.Equal(t, StringList{"corpus-a"}, got.DocCollections)
	assert.Equal(t, "A Paper", got.DocMetadata["title"])

	got, err = c.GetByStableID(ctx, loner.StableID)
	require.NoError(t, err)
	assert.Equal(t, StringList{"keep"}, got.DocCollections)

	// Second pass is a no-op.
	changed, err = c.SyncTEICollectionsWithPDF(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestAssignInboxToCollectionless(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	e := mustCreate(t, c, &FileEntry{
		ContentHash: strings.Repeat("d", 64),
		FileType:    FileTypePDF,
	})
	// Strip the collections the create path assigned.
	require.NoError(t, c.DB().Model(&FileEntry{}).
		Where("id = ?", e.ID).
		Update("doc_collections", StringList{}).Error)

	changed, err := c.AssignInboxToCollectionless(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := c.GetByStableID(ctx, e.StableID)
	require.NoError(t, err)
	assert.Equal(t, StringList{InboxCollection}, got.DocCollections)
}

func TestRemoveDuplicateEntries(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	hash := strings.Repeat("e", 64)
	keep := mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "dup", FileType: FileTypeTEI})
	mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "dup", FileType: FileTypeTEI})
	mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "dup", FileType: FileTypeTEI})
	// Same hash under a different doc is not a duplicate.
	other := mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "other", FileType: FileTypeTEI})

	removed, err := c.RemoveDuplicateEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := c.ListByHash(ctx, hash)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, keep.StableID, entries[0].StableID, "earliest created survives")
	assert.Equal(t, other.StableID, entries[1].StableID)

	count, err := c.GetRefCount(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "removed rows released their references")
}

func TestOrphanedXMLFiles(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	mustCreate(t, c, &FileEntry{
		ContentHash: strings.Repeat("f", 64), DocID: "has-pdf", FileType: FileTypePDF,
	})
	mustCreate(t, c, &FileEntry{
		ContentHash: strings.Repeat("1", 64), DocID: "has-pdf", FileType: FileTypeTEI,
	})
	orphan := mustCreate(t, c, &FileEntry{
		ContentHash: strings.Repeat("2", 64), DocID: "no-pdf", FileType: FileTypeTEI,
	})

	orphans, err := c.OrphanedXMLFiles(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan.StableID, orphans[0].StableID)
}

func TestRebuildRefCounts(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	hash := strings.Repeat("3", 64)
	mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "a", FileType: FileTypePDF})
	mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "b", FileType: FileTypePDF})

	t.Run("consistent counters untouched", func(t *testing.T) {
		changed, err := c.RebuildRefCounts(ctx)
		require.NoError(t, err)
		assert.Zero(t, changed)
	})

	t.Run("drifted counter corrected", func(t *testing.T) {
		require.NoError(t, c.DB().Model(&ReferenceEntry{}).
			Where("file_hash = ?", hash).
			Update("ref_count", 9).Error)

		changed, err := c.RebuildRefCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		count, err := c.GetRefCount(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("missing counter recreated", func(t *testing.T) {
		require.NoError(t, c.RemoveRefEntry(ctx, hash))

		changed, err := c.RebuildRefCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		count, err := c.GetRefCount(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestDecrementUnderflowIsClamped(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	t.Run("missing counter treated as orphan", func(t *testing.T) {
		count, shouldDelete, err := c.DecrementRef(ctx, strings.Repeat("4", 64))
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.True(t, shouldDelete)
	})

	t.Run("zero counter", func(t *testing.T) {
		hash := strings.Repeat("5", 64)
		err := c.Transaction(ctx, func(tx *gorm.DB) error {
			return tx.Create(&ReferenceEntry{FileHash: hash, FileType: FileTypePDF, RefCount: 0}).Error
		})
		require.NoError(t, err)

		count, shouldDelete, err := c.DecrementRef(ctx, hash)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.True(t, shouldDelete, "zero counter still signals reclaimable blob")
	})
}
