// Package local provides a local filesystem mirror destination.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/fruitsalade/jamfsync/internal/metrics"
)

// hashChunkSize is the read size used when hashing local files.
const hashChunkSize = 4096

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`

	// Fs defaults to the OS filesystem. Tests pass afero.NewMemMapFs().
	Fs afero.Fs `json:"-"`
}

// LocalBackend implements storage.Backend on a single directory.
type LocalBackend struct {
	fs       afero.Fs
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	info, err := fsys.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := fsys.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{
		fs:       fsys,
		rootPath: cfg.RootPath,
	}, nil
}

// Root returns the directory the backend mirrors into.
func (b *LocalBackend) Root() string { return b.rootPath }

func (b *LocalBackend) fullPath(name string) string {
	return filepath.Join(b.rootPath, name)
}

// List returns the regular files directly under the root. Subdirectories
// are not part of the mirror and are skipped.
func (b *LocalBackend) List(_ context.Context) ([]string, error) {
	start := time.Now()
	infos, err := afero.ReadDir(b.fs, b.rootPath)
	metrics.RecordStorageOperation(b.Type(), "list", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", b.rootPath, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		names = append(names, info.Name())
	}
	return names, nil
}

// Hash computes the md5 of a file, reading it in fixed-size chunks.
func (b *LocalBackend) Hash(_ context.Context, name string) (string, bool, error) {
	start := time.Now()
	f, err := b.fs.Open(b.fullPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		metrics.RecordStorageOperation(b.Type(), "hash", time.Since(start), false)
		return "", false, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, hashChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.RecordStorageOperation(b.Type(), "hash", time.Since(start), false)
			return "", true, fmt.Errorf("read %s: %w", name, err)
		}
	}

	metrics.RecordStorageOperation(b.Type(), "hash", time.Since(start), true)
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

// Put writes body to a hidden temp file next to the target and renames it
// into place, so a failed download never leaves a partial file under name.
func (b *LocalBackend) Put(_ context.Context, name string, body io.Reader, _ int64, _ string) (int64, error) {
	start := time.Now()
	path := b.fullPath(name)

	tmp, err := afero.TempFile(b.fs, b.rootPath, ".jamfsync-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		metrics.RecordStorageOperation(b.Type(), "put", time.Since(start), false)
		return n, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		metrics.RecordStorageOperation(b.Type(), "put", time.Since(start), false)
		return n, fmt.Errorf("close temp for %s: %w", name, err)
	}

	if err := b.fs.Rename(tmpName, path); err != nil {
		b.fs.Remove(tmpName)
		metrics.RecordStorageOperation(b.Type(), "put", time.Since(start), false)
		return n, fmt.Errorf("rename temp to %s: %w", name, err)
	}

	metrics.RecordStorageOperation(b.Type(), "put", time.Since(start), true)
	return n, nil
}

// Delete removes a file from the root.
func (b *LocalBackend) Delete(_ context.Context, name string) error {
	start := time.Now()
	err := b.fs.Remove(b.fullPath(name))
	metrics.RecordStorageOperation(b.Type(), "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
