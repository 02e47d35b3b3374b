package exporter

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
)

// writer abstracts the two output targets: a directory tree and a ZIP
// archive.
type writer interface {
	write(relPath string, content []byte) error
	close() error
}

// dirTreeWriter writes files atomically: content goes to a temp file
// in the target directory and is renamed into place, so readers never
// observe a partial file.
type dirTreeWriter struct {
	root string
}

func newDirTreeWriter(root string) (*dirTreeWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export root: %w", err)
	}
	return &dirTreeWriter{root: root}, nil
}

func (w *dirTreeWriter) write(relPath string, content []byte) error {
	target := filepath.Join(w.root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish export file: %w", err)
	}
	return nil
}

func (w *dirTreeWriter) close() error {
	return nil
}

// zipTreeWriter writes the archive to a temp sibling and renames it
// into place on close, so an aborted export never leaves a truncated
// archive at the target path.
type zipTreeWriter struct {
	target  string
	tmpName string
	file    *os.File
	zw      *zip.Writer
}

func newZipTreeWriter(target string) (*zipTreeWriter, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".export-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp archive: %w", err)
	}
	return &zipTreeWriter{
		target:  target,
		tmpName: tmp.Name(),
		file:    tmp,
		zw:      zip.NewWriter(tmp),
	}, nil
}

func (w *zipTreeWriter) write(relPath string, content []byte) error {
	f, err := w.zw.Create(relPath)
	if err != nil {
		return fmt.Errorf("failed to create archive entry: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("failed to write archive entry: %w", err)
	}
	return nil
}

func (w *zipTreeWriter) close() error {
	if err := w.zw.Close(); err != nil {
		w.file.Close()
		os.Remove(w.tmpName)
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpName)
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(w.tmpName, w.target); err != nil {
		os.Remove(w.tmpName)
		return fmt.Errorf("failed to publish archive: %w", err)
	}
	return nil
}
