// Package blob implements the content-addressed blob store. Blobs are
// immutable byte sequences named by the SHA-256 of their content and
// laid out in two-character shard directories:
//
//	<root>/<hash[0:2]>/<hash><ext>
//
// The extension comes from the file type tag and carries no identity;
// identity is the hash alone. The store is stateless beyond the disk,
// so concurrent puts of identical content are safe by construction.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/catalog"
)

// tmpPrefix marks in-flight writes inside a shard directory. Stale
// ones (crashed writers) are swept on the next put into that shard.
const tmpPrefix = ".tmp-"

// Store is a sharded content-addressed blob store rooted at one
// directory.
type Store struct {
	root string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: blob root is required", catalog.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the blob path for (hash, file type). The file may or
// may not exist.
func (s *Store) Path(hash string, ft catalog.FileType) string {
	return filepath.Join(s.root, shardOf(hash), hash+ft.Ext())
}

// Hash computes the content address of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data under its content address and returns (hash, path).
// An existing blob with the same hash is left untouched; that is the
// deduplication path, not an error.
func (s *Store) Put(data []byte, ft catalog.FileType) (string, string, error) {
	hash := Hash(data)
	path, err := s.PutWithHash(data, hash, ft)
	return hash, path, err
}

// PutWithHash stores data under a caller-computed hash. Used by sync
// downloads where the hash is known from the remote catalog; the
// caller is responsible for having verified it.
func (s *Store) PutWithHash(data []byte, hash string, ft catalog.FileType) (string, error) {
	if err := validHash(hash); err != nil {
		return "", err
	}
	path := s.Path(hash, ft)
	if _, err := os.Stat(path); err == nil {
		return path, nil // dedup hit
	}

	shardDir := filepath.Dir(path)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}
	sweepTempFiles(shardDir)

	tmp, err := os.CreateTemp(shardDir, tmpPrefix+hash+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp blob: %w", err)
	}

	// Atomic on POSIX filesystems; a concurrent identical put simply
	// renames the same content over itself.
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish blob: %w", err)
	}
	return path, nil
}

// PutReader streams r into the store, hashing as it writes, and
// returns (hash, path, size). Duplicate content is detected after the
// write and the temp file discarded.
func (s *Store) PutReader(r io.Reader, ft catalog.FileType) (string, string, int64, error) {
	tmpDir := filepath.Join(s.root, ".incoming")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", "", 0, fmt.Errorf("failed to create staging directory: %w", err)
	}

	tmp, err := os.CreateTemp(tmpDir, tmpPrefix+"stream-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", "", 0, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, fmt.Errorf("failed to close temp blob: %w", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	path := s.Path(hash, ft)
	if _, err := os.Stat(path); err == nil {
		return hash, path, size, nil // dedup hit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", 0, fmt.Errorf("failed to create shard directory: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", "", 0, fmt.Errorf("failed to publish blob: %w", err)
	}
	return hash, path, size, nil
}

// Get returns the blob content, or catalog.ErrNotFound.
func (s *Store) Get(hash string, ft catalog.FileType) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash, ft))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", catalog.ErrNotFound, hash)
	}
	return data, err
}

// Open returns a reader over the blob, or catalog.ErrNotFound.
func (s *Store) Open(hash string, ft catalog.FileType) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(hash, ft))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", catalog.ErrNotFound, hash)
	}
	return f, err
}

// OpenAny opens the blob under any known extension. Migrations and
// garbage collection use it when the row's file type is suspect.
func (s *Store) OpenAny(hash string) (io.ReadCloser, error) {
	for _, ft := range []catalog.FileType{catalog.FileTypeTEI, catalog.FileTypePDF, catalog.FileTypeRNG} {
		f, err := os.Open(s.Path(hash, ft))
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: blob %s", catalog.ErrNotFound, hash)
}

// Exists reports whether the blob is on disk.
func (s *Store) Exists(hash string, ft catalog.FileType) bool {
	_, err := os.Stat(s.Path(hash, ft))
	return err == nil
}

// Delete removes the blob, reporting whether it existed. An empty
// shard directory is removed along with its last blob. Deleting an
// absent blob returns (false, nil) so counter cleanup stays idempotent.
func (s *Store) Delete(hash string, ft catalog.FileType) (bool, error) {
	path := s.Path(hash, ft)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}

	// Best effort: Remove fails on non-empty directories, which is
	// exactly the condition we want.
	shardDir := filepath.Dir(path)
	if err := os.Remove(shardDir); err == nil {
		logger.Debug("removed empty shard directory", logger.KeyPath, shardDir)
	}
	return true, nil
}

// Verify rereads the blob and recomputes its hash, returning
// catalog.ErrIntegrity on mismatch.
func (s *Store) Verify(hash string, ft catalog.FileType) error {
	f, err := s.Open(hash, ft)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to read blob for verification: %w", err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != hash {
		return fmt.Errorf("%w: blob %s hashes to %s", catalog.ErrIntegrity, hash, actual)
	}
	return nil
}

// BlobInfo describes one blob on disk.
type BlobInfo struct {
	Hash     string           `json:"hash"`
	FileType catalog.FileType `json:"file_type"`
	Size     int64            `json:"size"`
}

// List walks the store and returns every blob found. Temp files and
// unrecognized names are skipped.
func (s *Store) List() ([]BlobInfo, error) {
	var blobs []BlobInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		hash, ft, ok := parseBlobName(name)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		blobs = append(blobs, BlobInfo{Hash: hash, FileType: ft, Size: info.Size()})
		return nil
	})
	return blobs, err
}

// Stats aggregates the on-disk state of the store.
type Stats struct {
	Shards    int                      `json:"shards"`
	Blobs     int                      `json:"blobs"`
	TotalSize int64                    `json:"total_size"`
	ByType    map[catalog.FileType]int `json:"by_type"`
}

// Stats scans the store and reports shard count, blob count, total
// size, and a per-type breakdown.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{ByType: make(map[catalog.FileType]int)}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != 2 {
			continue
		}
		stats.Shards++
	}

	blobs, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, b := range blobs {
		stats.Blobs++
		stats.TotalSize += b.Size
		stats.ByType[b.FileType]++
	}
	return stats, nil
}

// shardOf returns the two-character shard for a hash.
func shardOf(hash string) string {
	return hash[:2]
}

func validHash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("%w: malformed content hash %q", catalog.ErrInvalidArgument, hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: malformed content hash %q", catalog.ErrInvalidArgument, hash)
	}
	return nil
}

// parseBlobName splits "<hash><ext>" back into its parts.
func parseBlobName(name string) (string, catalog.FileType, bool) {
	ft, ok := catalog.FileTypeForExt(name)
	if !ok {
		return "", "", false
	}
	hash := strings.TrimSuffix(name, ft.Ext())
	if validHash(hash) != nil {
		return "", "", false
	}
	return hash, ft, true
}

// sweepTempFiles removes stale in-flight writes from a shard.
func sweepTempFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		stale := filepath.Join(dir, e.Name())
		if err := os.Remove(stale); err == nil {
			logger.Debug("removed stale temp blob", logger.KeyPath, stale)
		}
	}
}
