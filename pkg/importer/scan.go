package importer

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/teivault/teivault/pkg/catalog"
)

// scan enumerates candidate files under root, which is either a
// directory or a .zip archive. Hidden files and directories are
// skipped; only recognized extensions are returned. Results are
// sorted by relative path for deterministic runs.
func scan(root string) ([]*sourceFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat import root: %w", err)
	}

	var sources []*sourceFile
	if !info.IsDir() && strings.EqualFold(filepath.Ext(root), ".zip") {
		sources, err = scanZip(root)
	} else if info.IsDir() {
		sources, err = scanDir(root)
	} else {
		sources, err = scanSingle(root)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].RelPath < sources[j].RelPath
	})
	return sources, nil
}

func scanDir(root string) ([]*sourceFile, error) {
	var sources []*sourceFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ft, ok := catalog.FileTypeForExt(d.Name())
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		abs := p
		sources = append(sources, &sourceFile{
			RelPath:  filepath.ToSlash(rel),
			FileType: ft,
			open: func() (io.ReadCloser, error) {
				return os.Open(abs)
			},
		})
		return nil
	})
	return sources, err
}

func scanZip(archivePath string) ([]*sourceFile, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	var sources []*sourceFile
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.ToSlash(f.Name)
		if hiddenPath(name) {
			continue
		}
		ft, ok := catalog.FileTypeForExt(name)
		if !ok {
			continue
		}
		entry := name
		sources = append(sources, &sourceFile{
			RelPath:  name,
			FileType: ft,
			open: func() (io.ReadCloser, error) {
				return openZipEntry(archivePath, entry)
			},
		})
	}
	return sources, nil
}

// openZipEntry reopens the archive and returns a reader over one
// entry. The archive handle closes with the entry reader.
func openZipEntry(archivePath, name string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	for _, f := range r.File {
		if filepath.ToSlash(f.Name) != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			r.Close()
			return nil, err
		}
		return &zipEntryReader{rc: rc, archive: r}, nil
	}
	r.Close()
	return nil, fmt.Errorf("%w: archive entry %s", catalog.ErrNotFound, name)
}

type zipEntryReader struct {
	rc      io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipEntryReader) Read(p []byte) (int, error) { return z.rc.Read(p) }

func (z *zipEntryReader) Close() error {
	err := z.rc.Close()
	if cerr := z.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func scanSingle(p string) ([]*sourceFile, error) {
	ft, ok := catalog.FileTypeForExt(p)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported file %s", catalog.ErrInvalidArgument, p)
	}
	return []*sourceFile{{
		RelPath:  filepath.Base(p),
		FileType: ft,
		open: func() (io.ReadCloser, error) {
			return os.Open(p)
		},
	}}, nil
}

func hiddenPath(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
