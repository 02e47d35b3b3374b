package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const teiWithRevision = `<?xml version="1.0"?>
<TEI xmlns="http://www.tei-c.org/ns/1.0">
  <teiHeader>
    <fileDesc>
      <titleStmt><title>Sample Paper</title></titleStmt>
    </fileDesc>
    <revisionDesc>
      <change when="2024-01-10">initial conversion</change>
      <change when="2024-06-02">corrected references</change>
    </revisionDesc>
  </teiHeader>
</TEI>`

func TestMigrationRunner(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	runner := NewMigrationRunnerWithConfig(c, MigrationConfig{SkipBackup: true})

	t.Run("open applies all migrations", func(t *testing.T) {
		v, err := runner.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, runner.Latest(), v)
	})

	t.Run("run is idempotent", func(t *testing.T) {
		require.NoError(t, runner.Run(ctx))
		v, err := runner.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, runner.Latest(), v)
	})

	t.Run("doc variant index exists", func(t *testing.T) {
		assert.True(t, c.DB().Migrator().HasIndex(&FileEntry{}, "idx_files_doc_variant"))
	})

	t.Run("rollback and reapply the index migration", func(t *testing.T) {
		require.NoError(t, runner.RollbackTo(ctx, 2))

		v, err := runner.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
		assert.False(t, c.DB().Migrator().HasIndex(&FileEntry{}, "idx_files_doc_variant"))

		require.NoError(t, runner.Run(ctx))
		assert.True(t, c.DB().Migrator().HasIndex(&FileEntry{}, "idx_files_doc_variant"))
	})

	t.Run("rollback above current version rejected", func(t *testing.T) {
		err := runner.RollbackTo(ctx, runner.Latest()+1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestLastRevisionBackfill(t *testing.T) {
	ctx := context.Background()

	teiHash := strings.Repeat("a", 64)
	blobs := func(hash string) (io.ReadCloser, error) {
		if hash == teiHash {
			return io.NopCloser(bytes.NewReader([]byte(teiWithRevision))), nil
		}
		return nil, fmt.Errorf("blob %s not found", hash)
	}

	c, err := Open(Config{
		Type:       DatabaseTypeSQLite,
		Path:       filepath.Join(t.TempDir(), "metadata.db"),
		Migrations: MigrationConfig{SkipBackup: true, Blobs: blobs},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	parsed := mustCreate(t, c, &FileEntry{
		ContentHash: teiHash,
		DocID:       "doc-1",
		FileType:    FileTypeTEI,
	})
	missing := mustCreate(t, c, &FileEntry{
		ContentHash: strings.Repeat("b", 64),
		DocID:       "doc-2",
		FileType:    FileTypeTEI,
	})

	// Simulate a database that predates the revision backfill.
	require.NoError(t, c.DB().Model(&FileEntry{}).
		Where("1 = 1").Update("last_revision", "").Error)
	runner := NewMigrationRunnerWithConfig(c, MigrationConfig{SkipBackup: true, Blobs: blobs})
	require.NoError(t, runner.RollbackTo(ctx, 1))
	require.NoError(t, runner.Run(ctx))

	got, err := c.GetByStableID(ctx, parsed.StableID)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-02: corrected references", got.LastRevision)

	got, err = c.GetByStableID(ctx, missing.StableID)
	require.NoError(t, err)
	assert.Empty(t, got.LastRevision, "absent blob falls back to empty revision")
}

func TestLegacyLockColumnRename(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	runner := NewMigrationRunnerWithConfig(c, MigrationConfig{SkipBackup: true})

	require.NoError(t, runner.RollbackTo(ctx, 3))

	// Fabricate the legacy table shape older databases carried.
	require.NoError(t, c.DB().Exec(
		`CREATE TABLE locks (file_hash TEXT PRIMARY KEY, session TEXT, expires_at TIMESTAMP)`).Error)
	require.NoError(t, c.DB().Exec(
		`INSERT INTO locks (file_hash, session) VALUES ('abc123', 's-1')`).Error)

	require.NoError(t, runner.Run(ctx))

	var fileID string
	require.NoError(t, c.DB().Raw(
		`SELECT file_id FROM locks WHERE session = 's-1'`).Scan(&fileID).Error)
	assert.Equal(t, "abc123", fileID, "row data survives the rename")

	// Re-running the rename must detect prior application.
	require.NoError(t, runner.RollbackTo(ctx, 3))
	require.NoError(t, runner.Run(ctx))
}
