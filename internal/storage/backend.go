// Package storage defines the Backend interface for mirror destinations and
// a factory that builds one from configuration.
package storage

import (
	"context"
	"io"
	"io/fs"
)

// ErrNotExist is matched (via errors.Is) by errors for entries that are gone.
var ErrNotExist = fs.ErrNotExist

// Backend is a flat, name-addressed destination for package files.
// Names are plain file names; backends never see path separators.
type Backend interface {
	// List returns the names of all file entries at the root. Hidden entries
	// are included; callers decide what to ignore.
	List(ctx context.Context) ([]string, error)

	// Hash returns the lower-case hex md5 of the entry's content and whether
	// the entry exists.
	Hash(ctx context.Context, name string) (string, bool, error)

	// Put replaces the entry with the content of body and returns the number
	// of bytes written. size may be -1 when unknown; md5 is the checksum the
	// source reported. A later Hash must reflect the bytes actually written,
	// not md5.
	Put(ctx context.Context, name string, body io.Reader, size int64, md5 string) (int64, error)

	// Delete removes the entry. Deleting a missing entry returns an error
	// matching ErrNotExist.
	Delete(ctx context.Context, name string) error

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
