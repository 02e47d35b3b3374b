package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/teivault/teivault/pkg/blob"
	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/locks"
	"github.com/teivault/teivault/pkg/remote"
	"github.com/teivault/teivault/pkg/vault"
)

// newTestServer runs an in-memory WebDAV server standing in for the
// shared remote.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	handler := &webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fixture is one instance: a private vault wired to the shared remote.
type fixture struct {
	vault   *vault.Vault
	replica *remote.Replica
	engine  *Engine
	holder  string
}

func newFixture(t *testing.T, srv *httptest.Server, holder string) *fixture {
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

	v := vault.New(c, b, l)

	rep, err := remote.New(remote.Config{
		URL:      srv.URL,
		TmpDir:   t.TempDir(),
		LockPoll: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{
		vault:   v,
		replica: rep,
		engine:  New(v, rep, nil),
		holder:  holder,
	}
}

func (f *fixture) sync(t *testing.T, force bool) *Summary {
	t.Helper()
	s, err := f.engine.Perform(context.Background(), Options{
		Force:    force,
		Holder:   f.holder,
		LockWait: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) create(t *testing.T, content string, opts vault.CreateOptions) *catalog.FileEntry {
	t.Helper()
	e, err := f.vault.Create(context.Background(), []byte(content), opts)
	require.NoError(t, err)
	return e
}

func strPtr(s string) *string { return &s }

func TestSyncFastSkip(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	ctx := context.Background()

	// Quiescent from the start: nothing local, no remote version.
	s := a.sync(t, false)
	assert.True(t, s.Skipped)

	// Force runs the full sequence against an empty remote.
	s = a.sync(t, true)
	assert.False(t, s.Skipped)
	assert.Equal(t, 2, s.NewVersion, "fresh replica starts at 1, first publish bumps to 2")

	localVer, err := a.vault.Catalog().LocalRemoteVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, localVer)

	// Quiescent again: skipped with no version change.
	s = a.sync(t, false)
	assert.True(t, s.Skipped)
	assert.Equal(t, 2, s.NewVersion)
}

func TestSyncRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	b := newFixture(t, srv, "host-b")
	ctx := context.Background()

	pdf := a.create(t, "%PDF round trip", vault.CreateOptions{
		Filename: "paper.pdf", DocID: "10.9/rt", FileType: catalog.FileTypePDF,
		Collections: []string{"corpus"},
	})
	tei := a.create(t, "<TEI>round trip</TEI>", vault.CreateOptions{
		Filename: "paper.tei.xml", DocID: "10.9/rt", FileType: catalog.FileTypeTEI,
		Variant: strPtr("grobid"), IsGoldStandard: true, Label: "Round Trip",
	})

	s := a.sync(t, false)
	assert.False(t, s.Skipped)
	assert.Equal(t, 2, s.Uploads)
	assert.Zero(t, s.Errors)
	assert.Equal(t, 2, s.NewVersion)

	s = b.sync(t, false)
	assert.Equal(t, 2, s.Downloads)
	assert.Zero(t, s.Uploads)
	assert.Equal(t, 3, s.NewVersion, "every non-skipped sync bumps by exactly one")

	t.Run("entries arrive with identity intact", func(t *testing.T) {
		got, content, err := b.vault.Get(ctx, pdf.StableID)
		require.NoError(t, err)
		assert.Equal(t, "%PDF round trip", string(content))
		assert.Equal(t, "paper.pdf", got.Filename)
		assert.Equal(t, catalog.SyncStatusSynced, got.SyncStatus)
		assert.Equal(t, catalog.StringList{"corpus"}, got.DocCollections)

		gotTEI, err := b.vault.Catalog().GetByStableID(ctx, tei.StableID)
		require.NoError(t, err)
		assert.True(t, gotTEI.IsGoldStandard)
		assert.Equal(t, "Round Trip", gotTEI.Label)
	})

	t.Run("quiescent instances skip", func(t *testing.T) {
		assert.True(t, b.sync(t, false).Skipped)
	})
}

func TestDeletionPropagation(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	b := newFixture(t, srv, "host-b")
	ctx := context.Background()

	pdf := a.create(t, "%PDF doomed", vault.CreateOptions{
		Filename: "doomed.pdf", DocID: "10.9/del", FileType: catalog.FileTypePDF,
	})
	a.sync(t, false)
	b.sync(t, false)

	require.NoError(t, b.vault.Delete(ctx, pdf.StableID, "sess-b"))

	s := b.sync(t, false)
	assert.Equal(t, 1, s.DeletionsRemote)

	bEntry, err := b.vault.Catalog().GetByStableID(ctx, pdf.StableID)
	require.NoError(t, err)
	assert.Equal(t, catalog.SyncStatusDeletionSynced, bEntry.SyncStatus)

	t.Run("remote row flagged deleted", func(t *testing.T) {
		m, err := b.replica.DownloadMeta(ctx)
		require.NoError(t, err)
		defer m.Cleanup()

		deleted, err := m.DeletedFiles()
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.Equal(t, pdf.StableID, deleted[0].StableID)
	})

	t.Run("deletion pulled by the other instance", func(t *testing.T) {
		s := a.sync(t, false)
		assert.Equal(t, 1, s.DeletionsLocal)

		aEntry, err := a.vault.Catalog().GetByStableID(ctx, pdf.StableID)
		require.NoError(t, err)
		assert.True(t, aEntry.Deleted)
		assert.Equal(t, catalog.SyncStatusDeletionSynced, aEntry.SyncStatus)

		assert.False(t, a.vault.Blobs().Exists(pdf.ContentHash, catalog.FileTypePDF),
			"sole reference gone, blob reclaimed")
	})
}

func TestMetadataPropagation(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	b := newFixture(t, srv, "host-b")
	ctx := context.Background()

	tei := a.create(t, "<TEI>meta</TEI>", vault.CreateOptions{
		Filename: "m.tei.xml", DocID: "10.9/meta", FileType: catalog.FileTypeTEI,
		Variant: strPtr("grobid"), Label: "before",
	})
	a.sync(t, false)
	b.sync(t, false)

	// Strictly later remote updated_at than B's local row.
	time.Sleep(10 * time.Millisecond)

	_, err := a.vault.UpdateMetadata(ctx, tei.StableID, "", func(e *catalog.FileEntry) {
		e.Label = "after"
	})
	require.NoError(t, err)

	s := a.sync(t, false)
	assert.Equal(t, 1, s.Uploads, "metadata edits republish the row")

	s = b.sync(t, false)
	assert.Equal(t, 1, s.MetadataUpdates)
	assert.Zero(t, s.Downloads, "same hash, no blob transfer")

	got, err := b.vault.Catalog().GetByStableID(ctx, tei.StableID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Label)
	assert.Equal(t, catalog.SyncStatusSynced, got.SyncStatus,
		"remote metadata application never touches sync_status")
}

func TestContentChangePropagation(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	b := newFixture(t, srv, "host-b")
	ctx := context.Background()

	tei := a.create(t, "<TEI>v-old</TEI>", vault.CreateOptions{
		Filename: "c.tei.xml", DocID: "10.9/content", FileType: catalog.FileTypeTEI,
		Variant: strPtr("grobid"),
	})
	oldHash := tei.ContentHash

	a.sync(t, false)
	b.sync(t, false)

	updated, err := a.vault.Save(ctx, tei.StableID, "sess-a", []byte("<TEI>v-new</TEI>"))
	require.NoError(t, err)
	require.NotEqual(t, oldHash, updated.ContentHash)

	s := a.sync(t, false)
	assert.Equal(t, 1, s.Uploads)

	s = b.sync(t, false)
	assert.Equal(t, 1, s.Downloads, "content change pulled in place")

	got, content, err := b.vault.Get(ctx, tei.StableID)
	require.NoError(t, err)
	assert.Equal(t, "<TEI>v-new</TEI>", string(content))
	assert.Equal(t, tei.StableID, got.StableID, "stable identity survives the swap")
	assert.Equal(t, catalog.SyncStatusSynced, got.SyncStatus)

	assert.False(t, b.vault.Blobs().Exists(oldHash, catalog.FileTypeTEI),
		"superseded blob reclaimed")
}

func TestConflictLocalEditWins(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	b := newFixture(t, srv, "host-b")
	ctx := context.Background()

	pdf := a.create(t, "%PDF contested", vault.CreateOptions{
		Filename: "x.pdf", DocID: "10.9/conflict", FileType: catalog.FileTypePDF,
	})
	a.sync(t, false)
	b.sync(t, false)

	// A deletes and publishes; B edits metadata without syncing.
	require.NoError(t, a.vault.Delete(ctx, pdf.StableID, "sess-a"))
	a.sync(t, false)

	_, err := b.vault.UpdateMetadata(ctx, pdf.StableID, "", func(e *catalog.FileEntry) {
		e.Label = "kept"
	})
	require.NoError(t, err)

	s := b.sync(t, false)
	assert.Equal(t, 1, s.Conflicts)
	assert.Equal(t, 1, s.Uploads, "the local edit republishes the entry")

	m, err := b.replica.DownloadMeta(ctx)
	require.NoError(t, err)
	defer m.Cleanup()

	rf, err := m.ByStableID(pdf.StableID)
	require.NoError(t, err)
	assert.False(t, rf.Deleted, "republish revives the remote row")
	assert.Equal(t, "kept", rf.Label)
}

func TestSyncLockContention(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	ctx := context.Background()

	require.NoError(t, a.replica.AcquireLock(ctx, "someone-else", 100*time.Millisecond))

	_, err := a.engine.Perform(ctx, Options{
		Force:    true,
		Holder:   "host-a",
		LockWait: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, catalog.ErrLockFailed)

	// A failed acquisition must not leave the in-progress flag set.
	require.NoError(t, a.replica.ReleaseLock(ctx, "someone-else"))
	s := a.sync(t, true)
	assert.False(t, s.Skipped)
}

func TestSyncInProgressGuard(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	ctx := context.Background()

	acquired, err := a.vault.Catalog().TrySetSyncInProgress(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = a.engine.Perform(ctx, Options{Force: true, Holder: "host-a"})
	assert.ErrorIs(t, err, catalog.ErrConflict)

	require.NoError(t, a.vault.Catalog().ClearSyncInProgress(ctx))
}

func TestSyncRemoteUnavailable(t *testing.T) {
	srv := newTestServer(t)
	a := newFixture(t, srv, "host-a")
	srv.Close()

	_, err := a.engine.Perform(context.Background(), Options{Force: true, Holder: "host-a"})
	assert.ErrorIs(t, err, catalog.ErrRemoteUnavailable)
}
