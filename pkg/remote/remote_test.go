package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/teivault/teivault/pkg/catalog"
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

func newTestReplica(t *testing.T, srv *httptest.Server) *Replica {
	t.Helper()
	rep, err := New(Config{
		URL:      srv.URL,
		TmpDir:   t.TempDir(),
		LockTTL:  DefaultLockTTL,
		LockPoll: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return rep
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.ErrorIs(t, err, catalog.ErrInvalidArgument)
}

func TestFreshMetaInitialization(t *testing.T) {
	srv := newTestServer(t)
	rep := newTestReplica(t, srv)
	ctx := context.Background()

	m, err := rep.DownloadMeta(ctx)
	require.NoError(t, err)
	defer m.Cleanup()

	v, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, 1, v, "fresh replica starts at version 1")

	files, err := m.AllFiles(true)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMetaRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	rep := newTestReplica(t, srv)
	ctx := context.Background()

	m, err := rep.DownloadMeta(ctx)
	require.NoError(t, err)

	f := &File{
		ID:          "id-1",
		StableID:    "AbCdEf",
		ContentHash: "aa11223344556677889900aabbccddeeff00112233445566778899aabbccddee",
		Filename:    "paper.pdf",
		DocID:       "10.1/x",
		FileType:    catalog.FileTypePDF,
	}
	require.NoError(t, m.Upsert(f))
	require.NoError(t, m.SetVersion(7))
	require.NoError(t, m.Close())
	require.NoError(t, rep.UploadMeta(ctx, m.Path()))
	m.Cleanup()

	again, err := rep.DownloadMeta(ctx)
	require.NoError(t, err)
	defer again.Cleanup()

	v, err := again.Version()
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	got, err := again.ByHash(f.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, "AbCdEf", got.StableID)
	assert.Equal(t, "paper.pdf", got.Filename)

	_, err = again.ByHash("0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestMetaUpsertReplacesByStableID(t *testing.T) {
	srv := newTestServer(t)
	rep := newTestReplica(t, srv)

	m, err := rep.DownloadMeta(context.Background())
	require.NoError(t, err)
	defer m.Cleanup()

	oldHash := "1111111111111111111111111111111111111111111111111111111111111111"
	newHash := "2222222222222222222222222222222222222222222222222222222222222222"

	require.NoError(t, m.Upsert(&File{
		ID: "id-1", StableID: "stABLE", ContentHash: oldHash,
		FileType: catalog.FileTypeTEI, Variant: strPtr("grobid"), Version: intPtr(1),
	}))
	require.NoError(t, m.Upsert(&File{
		ID: "id-1", StableID: "stABLE", ContentHash: newHash,
		FileType: catalog.FileTypeTEI, Variant: strPtr("grobid"), Version: intPtr(2),
	}))

	files, err := m.AllFiles(true)
	require.NoError(t, err)
	require.Len(t, files, 1, "content edits swap the row in place")
	assert.Equal(t, newHash, files[0].ContentHash)
	assert.Equal(t, 2, *files[0].Version)

	_, err = m.ByHash(oldHash)
	assert.ErrorIs(t, err, catalog.ErrNotFound, "superseded hash leaves no row")
}

func TestMetaMarkDeleted(t *testing.T) {
	srv := newTestServer(t)
	rep := newTestReplica(t, srv)

	m, err := rep.DownloadMeta(context.Background())
	require.NoError(t, err)
	defer m.Cleanup()

	hash := "3333333333333333333333333333333333333333333333333333333333333333"
	require.NoError(t, m.Upsert(&File{
		ID: "id-2", StableID: "gOnEr1", ContentHash: hash,
		FileType: catalog.FileTypePDF,
	}))

	require.NoError(t, m.MarkDeleted(hash, 9))

	deleted, err := m.DeletedFiles()
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, 9, deleted[0].RemoteVersion)

	live, err := m.AllFiles(false)
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := m.AllFiles(true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestVersionFile(t *testing.T) {
	srv := newTestServer(t)
	rep := newTestReplica(t, srv)
	ctx := context.Background()

	v, err := rep.GetVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v, "missing version.txt reads as 0")

	require.NoError(t, rep.SetVersion(ctx, 41))

	n, err := rep.IncrementVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	v, err = rep.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBlobTransport(t *testing.T) {
	srv := newTestServer(t)
	rep := newTestReplica(t, srv)
	ctx := context.Background()

	hash := "ab11223344556677889900aabbccddeeff00112233445566778899aabbccddee"
	remotePath := BlobPath(hash, catalog.FileTypePDF)
	assert.Equal(t, "ab/"+hash+".pdf", remotePath)

	local := filepath.Join(t.TempDir(), "up.pdf")
	require.NoError(t, os.WriteFile(local, []byte("%PDF payload"), 0o644))

	exists, err := rep.BlobExists(ctx, remotePath)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, rep.UploadBlob(ctx, local, remotePath))

	exists, err = rep.BlobExists(ctx, remotePath)
	require.NoError(t, err)
	assert.True(t, exists)

	target := filepath.Join(t.TempDir(), "down", "blob.pdf")
	require.NoError(t, rep.DownloadBlob(ctx, remotePath, target))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "%PDF payload", string(data))

	err = rep.DownloadBlob(ctx, BlobPath("cd"+hash[2:], catalog.FileTypePDF), target)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestAdvisoryLock(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	t.Run("acquire and reacquire", func(t *testing.T) {
		rep := newTestReplica(t, srv)
		require.NoError(t, rep.AcquireLock(ctx, "host-a", 50*time.Millisecond))
		require.NoError(t, rep.AcquireLock(ctx, "host-a", 50*time.Millisecond), "reentrant for the holder")
		require.NoError(t, rep.ReleaseLock(ctx, "host-a"))
	})

	t.Run("contended acquire times out", func(t *testing.T) {
		rep := newTestReplica(t, srv)
		require.NoError(t, rep.AcquireLock(ctx, "host-a", 50*time.Millisecond))

		err := rep.AcquireLock(ctx, "host-b", 50*time.Millisecond)
		assert.ErrorIs(t, err, catalog.ErrLockFailed)

		require.NoError(t, rep.ReleaseLock(ctx, "host-a"))
	})

	t.Run("stale lock taken over", func(t *testing.T) {
		rep := newTestReplica(t, srv)
		require.NoError(t, rep.AcquireLock(ctx, "host-a", 50*time.Millisecond))

		// A second client whose clock sits past the TTL sees the
		// lock as abandoned.
		late := newTestReplica(t, srv)
		late.SetClock(func() time.Time {
			return time.Now().Add(DefaultLockTTL + 2*time.Second)
		})
		require.NoError(t, late.AcquireLock(ctx, "host-b", 50*time.Millisecond))
		require.NoError(t, late.ReleaseLock(ctx, "host-b"))
	})

	t.Run("release is idempotent and ownership-checked", func(t *testing.T) {
		rep := newTestReplica(t, srv)
		require.NoError(t, rep.ReleaseLock(ctx, "nobody"), "no lock file is fine")

		require.NoError(t, rep.AcquireLock(ctx, "host-a", 50*time.Millisecond))
		require.NoError(t, rep.ReleaseLock(ctx, "host-b"), "foreign lock left alone")

		err := rep.AcquireLock(ctx, "host-c", 50*time.Millisecond)
		assert.ErrorIs(t, err, catalog.ErrLockFailed, "host-a still holds it")

		require.NoError(t, rep.ReleaseLock(ctx, "host-a"))
	})
}

func TestRemoteUnavailable(t *testing.T) {
	srv := newTestServer(t)
	rep := newTestReplica(t, srv)
	srv.Close()

	_, err := rep.GetVersion(context.Background())
	assert.ErrorIs(t, err, catalog.ErrRemoteUnavailable)

	_, err = rep.DownloadMeta(context.Background())
	assert.ErrorIs(t, err, catalog.ErrRemoteUnavailable)
}
