// Package backend defines the contract between the storkit client surface
// and the storage backends that hold the bytes. A backend exposes exactly
// the primitives the client builds on: attribute reads and updates, object
// deletion, download-URL resolution, and chunk-friendly readers and writers.
//
// Implementations live in the subpackages local, gcs and s3.
package backend

import (
	"context"
	"io"
	"time"
)

// ObjectAttrs describes a stored object as reported by a backend. It is
// replaced wholesale by the backend on every mutating operation; callers
// never patch individual fields.
type ObjectAttrs struct {
	// Bucket is the bucket holding the object.
	Bucket string

	// Name is the full slash-delimited object path within the bucket.
	Name string

	// Size is the object size in bytes.
	Size int64

	// MD5 is the content hash. May be nil for backends that cannot
	// provide one (e.g. multipart-assembled objects).
	MD5 []byte

	// Caller-settable fields, echoed back by the backend.
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	ContentLanguage    string
	ContentType        string

	// Metadata holds caller-defined key/value pairs. Values are strings only.
	Metadata map[string]string

	// Generation increases whenever the object content is replaced.
	// Metageneration increases on metadata-only updates and resets to 1
	// when a new generation is written.
	Generation     int64
	Metageneration int64

	// Created is when the current generation was written; Updated is the
	// last content or metadata change.
	Created time.Time
	Updated time.Time
}

// PutOptions carries the caller-settable attributes applied when writing
// a new object generation.
type PutOptions struct {
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	ContentLanguage    string
	ContentType        string
	Metadata           map[string]string
}

// UpdateAttrs describes a partial metadata update. Nil pointer fields are
// left untouched; pointers to the empty string clear the field. Metadata
// entries with a nil value delete the key; a nil map leaves the custom
// metadata untouched.
type UpdateAttrs struct {
	CacheControl       *string
	ContentDisposition *string
	ContentEncoding    *string
	ContentLanguage    *string
	ContentType        *string
	Metadata           map[string]*string
}

// Reader streams object content from a fixed offset.
type Reader interface {
	io.ReadCloser

	// Size returns the total object size in bytes, independent of the
	// offset the reader was opened at. Returns -1 when unknown.
	Size() int64
}

// Writer accumulates object content. Nothing is visible to readers until
// Commit returns; Abort discards everything written so far. Exactly one of
// Commit or Abort must be called.
type Writer interface {
	io.Writer

	// Commit finalizes the object and returns its new attributes.
	Commit() (*ObjectAttrs, error)

	// Abort discards the pending write. Safe to call after a failed
	// Write; not valid after Commit.
	Abort() error
}

// Bucket is the set of operations the client needs from one storage bucket.
// Implementations must be safe for concurrent use.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// Attrs fetches the attributes of the named object.
	Attrs(ctx context.Context, name string) (*ObjectAttrs, error)

	// Update applies a partial metadata update and returns the full
	// post-update attributes.
	Update(ctx context.Context, name string, u UpdateAttrs) (*ObjectAttrs, error)

	// Delete removes the named object.
	Delete(ctx context.Context, name string) error

	// DownloadURL resolves a URL from which the object bytes can be
	// fetched without further authentication.
	DownloadURL(ctx context.Context, name string) (string, error)

	// NewReader opens the object for reading starting at offset.
	NewReader(ctx context.Context, name string, offset int64) (Reader, error)

	// NewWriter begins writing a new generation of the named object.
	NewWriter(ctx context.Context, name string, opts *PutOptions) (Writer, error)

	// Close releases any resources held by the bucket handle.
	Close() error
}
