// Package remote implements the shared replica behind sync: a WebDAV
// object store holding sharded blobs, a shared metadata database file,
// an ASCII version counter, and an advisory lock file serializing
// publishers.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/catalog"
)

// Remote root layout.
const (
	metaFileName    = "metadata.db"
	versionFileName = "version.txt"
	lockFileName    = "version.txt.lock"
)

// DefaultLockTTL is the staleness threshold for the remote advisory
// lock: a holder that has not rewritten the lock file for this long is
// presumed dead and may be taken over.
const DefaultLockTTL = 60 * time.Second

const defaultLockPoll = 5 * time.Second

// Config configures a replica connection.
type Config struct {
	// URL is the WebDAV endpoint including the remote root path.
	URL      string `mapstructure:"url" yaml:"url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// TmpDir stages fetched metadata databases. Defaults to the
	// system temp directory.
	TmpDir string `mapstructure:"tmp_dir" yaml:"tmp_dir"`

	// LockTTL and LockPoll tune the advisory lock. Zero values take
	// the defaults.
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	LockPoll time.Duration `mapstructure:"lock_poll" yaml:"lock_poll"`
}

// Replica is a client for the shared remote store.
type Replica struct {
	client *gowebdav.Client
	cfg    Config

	// now is injectable for tests that need a simulated clock.
	now func() time.Time
}

// New connects a replica client. No network traffic happens until the
// first operation.
func New(cfg Config) (*Replica, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: remote url is required", catalog.ErrInvalidArgument)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = defaultLockPoll
	}
	return &Replica{
		client: gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password),
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// SetClock overrides the replica clock. Tests only.
func (r *Replica) SetClock(now func() time.Time) {
	r.now = now
}

// LockTTL returns the configured advisory lock staleness threshold.
func (r *Replica) LockTTL() time.Duration {
	return r.cfg.LockTTL
}

// Ping probes remote reachability.
func (r *Replica) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.client.Connect(); err != nil {
		return unavailable("connect", err)
	}
	return nil
}

// ============================================================================
// Metadata database
// ============================================================================

// DownloadMeta fetches the shared metadata database into a private
// staging directory. A remote without one yet yields a fresh database
// at version 1. The caller must reach Cleanup on the returned handle.
func (r *Replica) DownloadMeta(ctx context.Context) (*MetaDB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(r.cfg.TmpDir, "teivault-meta-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	local := filepath.Join(dir, metaFileName)

	stream, err := r.client.ReadStream(metaFileName)
	if gowebdav.IsErrNotFound(err) {
		logger.Info("remote has no metadata database yet, initializing fresh replica")
		m, err := openMetaDB(local, true)
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, unavailable("download metadata", err)
	}
	defer stream.Close()

	f, err := os.Create(local)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if _, err := io.Copy(f, stream); err != nil {
		f.Close()
		os.RemoveAll(dir)
		return nil, unavailable("download metadata", err)
	}
	if err := f.Close(); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	m, err := openMetaDB(local, false)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return m, nil
}

// UploadMeta publishes a staged metadata database file to the remote.
// The MetaDB handle must be closed first so the file is fully flushed.
func (r *Replica) UploadMeta(ctx context.Context, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := r.client.WriteStream(metaFileName, f, 0o644); err != nil {
		return unavailable("upload metadata", err)
	}
	return nil
}

// ============================================================================
// Version counter
// ============================================================================

// GetVersion reads the remote version.txt. A remote without one
// reports 0.
func (r *Replica) GetVersion(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := r.client.Read(versionFileName)
	if gowebdav.IsErrNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read version", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed version.txt %q", catalog.ErrIntegrity, string(data))
	}
	return n, nil
}

// SetVersion writes the remote version.txt as a bare ASCII integer.
func (r *Replica) SetVersion(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.client.Write(versionFileName, []byte(strconv.Itoa(n)), 0o644); err != nil {
		return unavailable("write version", err)
	}
	return nil
}

// IncrementVersion bumps version.txt and returns the new value.
func (r *Replica) IncrementVersion(ctx context.Context) (int, error) {
	n, err := r.GetVersion(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.SetVersion(ctx, n+1); err != nil {
		return 0, err
	}
	return n + 1, nil
}

// ============================================================================
// Blob transport
// ============================================================================

// BlobPath returns the remote object path for a content hash, using
// the same two-character sharding as the local store.
func BlobPath(hash string, fileType catalog.FileType) string {
	return path.Join(hash[:2], hash+fileType.Ext())
}

// UploadBlob streams a local file to a remote object path.
func (r *Replica) UploadBlob(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := r.client.MkdirAll(path.Dir(remotePath), 0o755); err != nil {
		return unavailable("create remote shard", err)
	}
	if err := r.client.WriteStream(remotePath, f, 0o644); err != nil {
		return unavailable("upload blob", err)
	}
	return nil
}

// DownloadBlob fetches a remote object into a local file, atomically.
func (r *Replica) DownloadBlob(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stream, err := r.client.ReadStream(remotePath)
	if gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("%w: remote blob %s", catalog.ErrNotFound, remotePath)
	}
	if err != nil {
		return unavailable("download blob", err)
	}
	defer stream.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, stream); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return unavailable("download blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// BlobExists reports whether a remote object is present.
func (r *Replica) BlobExists(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := r.client.Stat(remotePath)
	if gowebdav.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("stat blob", err)
	}
	return true, nil
}

// ============================================================================
// Advisory lock
// ============================================================================

// lockInfo is the JSON payload of the remote lock file.
type lockInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Holder    string    `json:"holder"`
}

// AcquireLock claims the remote advisory lock, polling until success
// or the wait deadline. Reentrant for the same holder; locks older
// than the TTL are taken over.
func (r *Replica) AcquireLock(ctx context.Context, holder string, wait time.Duration) error {
	deadline := r.now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := r.readLock(ctx)
		switch {
		case err != nil:
			return err
		case info == nil:
			return r.writeLock(ctx, holder)
		case info.Holder == holder:
			return r.writeLock(ctx, holder)
		case r.now().Sub(info.Timestamp) > r.cfg.LockTTL:
			logger.Warn("taking over stale remote lock",
				"previous_holder", info.Holder,
				"age", r.now().Sub(info.Timestamp).String())
			return r.writeLock(ctx, holder)
		}

		if !r.now().Add(r.cfg.LockPoll).Before(deadline) {
			return fmt.Errorf("%w: remote lock held by %s", catalog.ErrLockFailed, info.Holder)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.LockPoll):
		}
	}
}

// ReleaseLock removes the lock file if this holder owns it. A missing
// file or a foreign holder is not an error; the foreign case is logged
// and left alone.
func (r *Replica) ReleaseLock(ctx context.Context, holder string) error {
	info, err := r.readLock(ctx)
	if err != nil || info == nil {
		return err
	}
	if info.Holder != holder {
		logger.Warn("remote lock no longer ours, leaving it",
			"holder", info.Holder)
		return nil
	}
	if err := r.client.Remove(lockFileName); err != nil && !gowebdav.IsErrNotFound(err) {
		return unavailable("release lock", err)
	}
	return nil
}

// readLock returns the current lock payload, or nil when unlocked.
func (r *Replica) readLock(ctx context.Context) (*lockInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := r.client.Read(lockFileName)
	if gowebdav.IsErrNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read lock", err)
	}
	var info lockInfo
	if err := json.Unmarshal(bytes.TrimSpace(data), &info); err != nil {
		// Treat a corrupt lock file as stale.
		logger.Warn("malformed remote lock file, treating as stale", logger.Err(err))
		return &lockInfo{Holder: "", Timestamp: time.Time{}}, nil
	}
	return &info, nil
}

func (r *Replica) writeLock(ctx context.Context, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(lockInfo{Timestamp: r.now().UTC(), Holder: holder})
	if err != nil {
		return err
	}
	if err := r.client.Write(lockFileName, data, 0o644); err != nil {
		return unavailable("write lock", err)
	}
	return nil
}

// unavailable classifies a transport failure as the remote being
// offline, which sync surfaces as a sync error rather than a local
// failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", catalog.ErrRemoteUnavailable, op, err)
}
