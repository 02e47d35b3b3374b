package exporter

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teivault/teivault/pkg/blob"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/locks"
	"github.com/teivault/teivault/pkg/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
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

	l, err := locks.Open(locks.Config{Path: filepath.Join(dir, "locks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return vault.New(c, b, l)
}

func create(t *testing.T, v *vault.Vault, content string, opts vault.CreateOptions) *catalog.FileEntry {
	t.Helper()
	e, err := v.Create(context.Background(), []byte(content), opts)
	require.NoError(t, err)
	return e
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func listTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestExportByType(t *testing.T) {
	v := newTestVault(t)
	ex := New(v, nil)
	ctx := context.Background()

	create(t, v, "%PDF one", vault.CreateOptions{
		Filename: "one.pdf", DocID: "d1", FileType: catalog.FileTypePDF,
	})
	create(t, v, "<TEI>gold</TEI>", vault.CreateOptions{
		Filename: "one.tei.xml", DocID: "d1", FileType: catalog.FileTypeTEI,
		Variant: strPtr("grobid"), IsGoldStandard: true,
	})
	create(t, v, "<TEI>v1</TEI>", vault.CreateOptions{
		Filename: "one.v1.tei.xml", DocID: "d1", FileType: catalog.FileTypeTEI,
		Variant: strPtr("grobid"), Version: intPtr(1),
	})

	out := t.TempDir()
	stats, err := ex.Run(ctx, Options{OutputDir: out})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesWritten)
	assert.Zero(t, stats.GoldsPromoted)
	assert.Empty(t, stats.Errors)

	tree := listTree(t, out)
	assert.Equal(t, "%PDF one", tree["pdf/one.pdf"])
	assert.Equal(t, "<TEI>gold</TEI>", tree["tei/one.tei.xml"])
	assert.Equal(t, "<TEI>v1</TEI>", tree["versions/one.v1.tei.xml"])
}

func TestGoldPromotionForExport(t *testing.T) {
	v := newTestVault(t)
	ex := New(v, nil)
	ctx := context.Background()

	// Versions 1, 3, 7 and no gold: version 7 must land under tei/
	// and the catalog must stay untouched.
	for _, n := range []int{1, 3, 7} {
		create(t, v, fmt.Sprintf("<TEI>v%d</TEI>", n), vault.CreateOptions{
			Filename: fmt.Sprintf("p.v%d.tei.xml", n),
			DocID:    "d", FileType: catalog.FileTypeTEI,
			Variant: strPtr("v"), Version: intPtr(n),
		})
	}

	out := t.TempDir()
	stats, err := ex.Run(ctx, Options{OutputDir: out})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FilesWritten)
	assert.Equal(t, 1, stats.GoldsPromoted)

	tree := listTree(t, out)
	assert.Equal(t, "<TEI>v7</TEI>", tree["tei/p.v7.tei.xml"])
	assert.Contains(t, tree, "versions/p.v1.tei.xml")
	assert.Contains(t, tree, "versions/p.v3.tei.xml")

	variant := "v"
	_, err = v.Catalog().Gold(ctx, "d", &variant)
	assert.ErrorIs(t, err, catalog.ErrNotFound, "promotion never writes the catalog")
}

func TestExportByCollectionAndVariant(t *testing.T) {
	v := newTestVault(t)
	ex := New(v, nil)
	ctx := context.Background()

	create(t, v, "%PDF a", vault.CreateOptions{
		Filename: "a.pdf", DocID: "a", FileType: catalog.FileTypePDF,
		Collections: []string{"corpus-a"},
	})
	create(t, v, "<TEI>a</TEI>", vault.CreateOptions{
		Filename: "a.tei.xml", DocID: "a", FileType: catalog.FileTypeTEI,
		Variant: strPtr("grobid"), IsGoldStandard: true,
		Collections: []string{"corpus-a"},
	})
	create(t, v, "%PDF b", vault.CreateOptions{
		Filename: "b.pdf", DocID: "b", FileType: catalog.FileTypePDF,
		Collections: []string{"corpus-b"},
	})

	t.Run("by collection", func(t *testing.T) {
		out := t.TempDir()
		_, err := ex.Run(ctx, Options{Mode: ModeByCollection, OutputDir: out})
		require.NoError(t, err)

		tree := listTree(t, out)
		assert.Contains(t, tree, "corpus-a/pdf/a.pdf")
		assert.Contains(t, tree, "corpus-a/tei/a.tei.xml")
		assert.Contains(t, tree, "corpus-b/pdf/b.pdf")
	})

	t.Run("collection filter", func(t *testing.T) {
		out := t.TempDir()
		stats, err := ex.Run(ctx, Options{OutputDir: out, Collection: "corpus-b"})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FilesWritten)
	})

	t.Run("by variant", func(t *testing.T) {
		out := t.TempDir()
		_, err := ex.Run(ctx, Options{Mode: ModeByVariant, OutputDir: out})
		require.NoError(t, err)

		tree := listTree(t, out)
		assert.Contains(t, tree, "grobid/tei/a.tei.xml")
		assert.Contains(t, tree, "primary/pdf/a.pdf", "variant-less entries go under primary")
	})
}

func TestNameTransforms(t *testing.T) {
	v := newTestVault(t)
	ex := New(v, nil)
	ctx := context.Background()

	create(t, v, "%PDF", vault.CreateOptions{
		Filename: "10.1000_abc paper.pdf", DocID: "d", FileType: catalog.FileTypePDF,
	})

	out := t.TempDir()
	_, err := ex.Run(ctx, Options{
		OutputDir: out,
		Transforms: []Transform{
			{Pattern: ` `, Replacement: `_`},
			{Pattern: `^10\.1000_`, Replacement: ``},
		},
	})
	require.NoError(t, err)

	tree := listTree(t, out)
	assert.Contains(t, tree, "pdf/abc_paper.pdf", "transforms apply in order")

	t.Run("bad regex rejected", func(t *testing.T) {
		_, err := ex.Run(ctx, Options{
			OutputDir:  t.TempDir(),
			Transforms: []Transform{{Pattern: `(`, Replacement: ``}},
		})
		assert.ErrorIs(t, err, catalog.ErrInvalidArgument)
	})
}

func TestExportZip(t *testing.T) {
	v := newTestVault(t)
	ex := New(v, nil)
	ctx := context.Background()

	create(t, v, "%PDF z", vault.CreateOptions{
		Filename: "z.pdf", DocID: "z", FileType: catalog.FileTypePDF,
	})

	zipPath := filepath.Join(t.TempDir(), "export.zip")
	stats, err := ex.Run(ctx, Options{ZipPath: zipPath})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesWritten)

	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.File, 1)
	assert.Equal(t, "pdf/z.pdf", r.File[0].Name)
}

func TestOutputTargetValidation(t *testing.T) {
	v := newTestVault(t)
	ex := New(v, nil)
	ctx := context.Background()

	_, err := ex.Run(ctx, Options{})
	assert.ErrorIs(t, err, catalog.ErrInvalidArgument)

	_, err = ex.Run(ctx, Options{OutputDir: "a", ZipPath: "b"})
	assert.ErrorIs(t, err, catalog.ErrInvalidArgument)
}
