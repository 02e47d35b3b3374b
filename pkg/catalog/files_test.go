package catalog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCreate(t *testing.T, c *Catalog, e *FileEntry) *FileEntry {
	t.Helper()
	require.NoError(t, c.CreateEntry(context.Background(), e))
	return e
}

func TestCreateEntry(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	t.Run("assigns identifiers and defaults", func(t *testing.T) {
		e := mustCreate(t, c, &FileEntry{
			ContentHash: strings.Repeat("a", 64),
			Filename:    "paper.pdf",
			DocID:       "10.1000/x1",
			FileType:    FileTypePDF,
			FileSize:    1234,
		})

		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.StableID)
		assert.GreaterOrEqual(t, len(e.StableID), 6)
		assert.Equal(t, "application/pdf", e.MimeType)
		assert.Equal(t, StringList{InboxCollection}, e.DocCollections)
		assert.Equal(t, SyncStatusModified, e.SyncStatus)
		require.NotNil(t, e.LocalModifiedAt)

		count, err := c.GetRefCount(ctx, e.ContentHash)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("rejects missing hash", func(t *testing.T) {
		err := c.CreateEntry(ctx, &FileEntry{FileType: FileTypePDF})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("rejects unknown file type", func(t *testing.T) {
		err := c.CreateEntry(ctx, &FileEntry{
			ContentHash: strings.Repeat("b", 64),
			FileType:    "docx",
		})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("rejects duplicate stable id", func(t *testing.T) {
		e := mustCreate(t, c, &FileEntry{
			ContentHash: strings.Repeat("c", 64),
			FileType:    FileTypeTEI,
		})
		err := c.CreateEntry(ctx, &FileEntry{
			StableID:    e.StableID,
			ContentHash: strings.Repeat("d", 64),
			FileType:    FileTypeTEI,
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("same hash may back several entries", func(t *testing.T) {
		hash := strings.Repeat("e", 64)
		mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "d1", FileType: FileTypePDF})
		mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "d2", FileType: FileTypePDF})

		count, err := c.GetRefCount(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		entries, err := c.ListByHash(ctx, hash)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("gold creation demotes previous gold", func(t *testing.T) {
		first := mustCreate(t, c, &FileEntry{
			ContentHash:    strings.Repeat("f", 64),
			DocID:          "gold-doc",
			FileType:       FileTypeTEI,
			Variant:        strPtr("grobid"),
			IsGoldStandard: true,
		})
		second := mustCreate(t, c, &FileEntry{
			ContentHash:    strings.Repeat("0", 64),
			DocID:          "gold-doc",
			FileType:       FileTypeTEI,
			Variant:        strPtr("grobid"),
			IsGoldStandard: true,
		})

		gold, err := c.Gold(ctx, "gold-doc", strPtr("grobid"))
		require.NoError(t, err)
		assert.Equal(t, second.StableID, gold.StableID)

		demoted, err := c.GetByStableID(ctx, first.StableID)
		require.NoError(t, err)
		assert.False(t, demoted.IsGoldStandard)
	})
}

func TestDeleteLifecycle(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	hash := strings.Repeat("1", 64)
	e1 := mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "d1", FileType: FileTypePDF})
	e2 := mustCreate(t, c, &FileEntry{ContentHash: hash, DocID: "d2", FileType: FileTypePDF})

	t.Run("first delete keeps the blob", func(t *testing.T) {
		swap, err := c.SoftDelete(ctx, e1.StableID)
		require.NoError(t, err)
		assert.Equal(t, hash, swap.OldHash)
		assert.False(t, swap.ShouldDeleteBlob)

		count, err := c.GetRefCount(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		got, err := c.GetByStableID(ctx, e1.StableID)
		require.NoError(t, err)
		assert.True(t, got.Deleted)
		assert.Equal(t, SyncStatusPendingDelete, got.SyncStatus)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		swap, err := c.SoftDelete(ctx, e1.StableID)
		require.NoError(t, err)
		assert.False(t, swap.ShouldDeleteBlob)

		count, err := c.GetRefCount(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "repeated delete must not decrement again")
	})

	t.Run("last delete releases the blob", func(t *testing.T) {
		swap, err := c.SoftDelete(ctx, e2.StableID)
		require.NoError(t, err)
		assert.True(t, swap.ShouldDeleteBlob)

		count, err := c.GetRefCount(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("undelete restores the reference", func(t *testing.T) {
		require.NoError(t, c.Undelete(ctx, e2.StableID))

		got, err := c.GetByStableID(ctx, e2.StableID)
		require.NoError(t, err)
		assert.False(t, got.Deleted)
		assert.Equal(t, SyncStatusModified, got.SyncStatus)

		count, err := c.GetRefCount(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("unknown stable id", func(t *testing.T) {
		_, err := c.SoftDelete(ctx, "nope42")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, c.Undelete(ctx, "nope42"), ErrNotFound)
	})
}

func TestUpdateContentHash(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	oldHash := strings.Repeat("2", 64)
	newHash := strings.Repeat("3", 64)
	e := mustCreate(t, c, &FileEntry{
		ContentHash: oldHash,
		DocID:       "doc",
		FileType:    FileTypeTEI,
		FileSize:    100,
	})

	t.Run("swap preserves stable id", func(t *testing.T) {
		swap, err := c.UpdateContentHash(ctx, e.StableID, newHash, 222)
		require.NoError(t, err)
		assert.Equal(t, oldHash, swap.OldHash)
		assert.True(t, swap.ShouldDeleteBlob, "sole reference to old hash must release it")

		got, err := c.GetByStableID(ctx, e.StableID)
		require.NoError(t, err)
		assert.Equal(t, newHash, got.ContentHash)
		assert.Equal(t, int64(222), got.FileSize)
		assert.Equal(t, SyncStatusModified, got.SyncStatus)

		count, err := c.GetRefCount(ctx, newHash)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		count, err = c.GetRefCount(ctx, oldHash)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("same hash is a no-op", func(t *testing.T) {
		swap, err := c.UpdateContentHash(ctx, e.StableID, newHash, 222)
		require.NoError(t, err)
		assert.False(t, swap.ShouldDeleteBlob)

		count, err := c.GetRefCount(ctx, newHash)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("shared old hash survives", func(t *testing.T) {
		shared := strings.Repeat("4", 64)
		a := mustCreate(t, c, &FileEntry{ContentHash: shared, DocID: "a", FileType: FileTypeTEI})
		mustCreate(t, c, &FileEntry{ContentHash: shared, DocID: "b", FileType: FileTypeTEI})

		swap, err := c.UpdateContentHash(ctx, a.StableID, strings.Repeat("5", 64), 1)
		require.NoError(t, err)
		assert.False(t, swap.ShouldDeleteBlob)

		count, err := c.GetRefCount(ctx, shared)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestVersionsAndGold(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	variant := strPtr("grobid")
	for i, v := range []int{1, 3, 7} {
		mustCreate(t, c, &FileEntry{
			ContentHash: strings.Repeat(string(rune('a'+i)), 64),
			DocID:       "versioned",
			FileType:    FileTypeTEI,
			Variant:     variant,
			Version:     intPtr(v),
		})
	}

	t.Run("latest version wins", func(t *testing.T) {
		latest, err := c.LatestVersion(ctx, "versioned", variant)
		require.NoError(t, err)
		require.NotNil(t, latest.Version)
		assert.Equal(t, 7, *latest.Version)
	})

	t.Run("next version is count plus one", func(t *testing.T) {
		next, err := c.NextVersion(ctx, "versioned", variant)
		require.NoError(t, err)
		assert.Equal(t, 4, next, "gaps in the version set do not matter")
	})

	t.Run("zero gold is tolerated", func(t *testing.T) {
		_, err := c.Gold(ctx, "versioned", variant)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set gold clears version and demotes", func(t *testing.T) {
		latest, err := c.LatestVersion(ctx, "versioned", variant)
		require.NoError(t, err)
		require.NoError(t, c.SetGold(ctx, latest.StableID))

		gold, err := c.Gold(ctx, "versioned", variant)
		require.NoError(t, err)
		assert.Equal(t, latest.StableID, gold.StableID)
		assert.Nil(t, gold.Version)

		other, err := c.LatestVersion(ctx, "versioned", variant)
		require.NoError(t, err)
		assert.Equal(t, 3, *other.Version, "promoted entry left the version set")
	})

	t.Run("variants are independent", func(t *testing.T) {
		_, err := c.Gold(ctx, "versioned", strPtr("cermine"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = c.Gold(ctx, "versioned", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestQueries(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	pdf := mustCreate(t, c, &FileEntry{
		ContentHash:    strings.Repeat("6", 64),
		DocID:          "q-doc",
		FileType:       FileTypePDF,
		DocCollections: StringList{"corpus-a"},
	})
	tei := mustCreate(t, c, &FileEntry{
		ContentHash:    strings.Repeat("7", 64),
		DocID:          "q-doc",
		FileType:       FileTypeTEI,
		Variant:        strPtr("grobid"),
		DocCollections: StringList{"corpus-a", "corpus-b"},
	})

	t.Run("by doc id", func(t *testing.T) {
		entries, err := c.ListByDocID(ctx, "q-doc")
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("by collection", func(t *testing.T) {
		entries, err := c.List(ctx, ListOptions{Collection: "corpus-b"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, tei.StableID, entries[0].StableID)
	})

	t.Run("by variant", func(t *testing.T) {
		entries, err := c.List(ctx, ListOptions{Variant: strPtr("grobid")})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, tei.StableID, entries[0].StableID)

		primary, err := c.List(ctx, ListOptions{Variant: strPtr(""), FileType: FileTypePDF})
		require.NoError(t, err)
		require.Len(t, primary, 1)
		assert.Equal(t, pdf.StableID, primary[0].StableID)
	})

	t.Run("deleted filtered by default", func(t *testing.T) {
		_, err := c.SoftDelete(ctx, tei.StableID)
		require.NoError(t, err)

		entries, err := c.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		all, err := c.List(ctx, ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("count unsynced", func(t *testing.T) {
		n, err := c.CountUnsynced(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		require.NoError(t, c.MarkSynced(ctx, pdf.ID, 3, pdf.ContentHash))
		n, err = c.CountUnsynced(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("deleted before cutoff", func(t *testing.T) {
		entries, err := c.ListDeletedBefore(ctx, time.Now().Add(time.Hour),
			[]SyncStatus{SyncStatusPendingDelete, SyncStatusDeletionSynced})
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		entries, err = c.ListDeletedBefore(ctx, time.Now().Add(-time.Hour), nil)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
