// Package gcs backs the storage client with Google Cloud Storage. Object
// generations and metagenerations come straight from the service, so the
// counter semantics match the local backend exactly.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"storkit/pkg/backend"
)

const defaultURLExpiry = 15 * time.Minute

// Config holds configuration for opening a GCS bucket.
type Config struct {
	// Bucket is the GCS bucket name.
	Bucket string

	// Endpoint is an optional custom endpoint (useful for fake-gcs-server).
	Endpoint string

	// CredentialsJSON is the service account key JSON (optional if using
	// application default credentials).
	CredentialsJSON []byte

	// WithoutAuth disables authentication, for emulators.
	WithoutAuth bool

	// URLExpiry bounds the validity of signed download URLs.
	URLExpiry time.Duration
}

// Bucket implements backend.Bucket over a GCS bucket.
type Bucket struct {
	client    *gstorage.Client
	bucket    *gstorage.BucketHandle
	name      string
	urlExpiry time.Duration
}

// Open opens the configured GCS bucket.
func Open(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.WithoutAuth {
		opts = append(opts, option.WithoutAuthentication())
	}
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}

	client, err := gstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	urlExpiry := cfg.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = defaultURLExpiry
	}
	return &Bucket{
		client:    client,
		bucket:    client.Bucket(cfg.Bucket),
		name:      cfg.Bucket,
		urlExpiry: urlExpiry,
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Close releases the underlying client.
func (b *Bucket) Close() error {
	return b.client.Close()
}

// Attrs returns the attributes of the named object.
func (b *Bucket) Attrs(ctx context.Context, name string) (*backend.ObjectAttrs, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	attrs, err := b.bucket.Object(name).Attrs(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return fromGCSAttrs(attrs), nil
}

// Update applies a partial metadata update. GCS replaces the custom
// metadata map wholesale, so per-key deletes are resolved against the
// current attributes first.
func (b *Bucket) Update(ctx context.Context, name string, u backend.UpdateAttrs) (*backend.ObjectAttrs, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	obj := b.bucket.Object(name)

	var tu gstorage.ObjectAttrsToUpdate
	if u.CacheControl != nil {
		tu.CacheControl = *u.CacheControl
	}
	if u.ContentDisposition != nil {
		tu.ContentDisposition = *u.ContentDisposition
	}
	if u.ContentEncoding != nil {
		tu.ContentEncoding = *u.ContentEncoding
	}
	if u.ContentLanguage != nil {
		tu.ContentLanguage = *u.ContentLanguage
	}
	if u.ContentType != nil {
		tu.ContentType = *u.ContentType
	}
	if u.Metadata != nil {
		cur, err := obj.Attrs(ctx)
		if err != nil {
			return nil, translateError(err)
		}
		merged := make(map[string]string, len(cur.Metadata)+len(u.Metadata))
		for k, v := range cur.Metadata {
			merged[k] = v
		}
		for k, v := range u.Metadata {
			if v == nil {
				delete(merged, k)
			} else {
				merged[k] = *v
			}
		}
		tu.Metadata = merged
	}

	attrs, err := obj.Update(ctx, tu)
	if err != nil {
		return nil, translateError(err)
	}
	return fromGCSAttrs(attrs), nil
}

// Delete removes the named object.
func (b *Bucket) Delete(ctx context.Context, name string) error {
	if name == "" {
		return backend.ErrInvalidObjectName
	}
	return translateError(b.bucket.Object(name).Delete(ctx))
}

// DownloadURL returns a V4 signed GET URL for the object.
func (b *Bucket) DownloadURL(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", backend.ErrInvalidObjectName
	}
	// Probe existence first: SignedURL signs blindly and would happily
	// mint URLs for objects that are not there.
	if _, err := b.bucket.Object(name).Attrs(ctx); err != nil {
		return "", translateError(err)
	}
	u, err := b.bucket.SignedURL(name, &gstorage.SignedURLOptions{
		Scheme:  gstorage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(b.urlExpiry),
	})
	if err != nil {
		return "", translateError(err)
	}
	return u, nil
}

// NewReader opens the object content for reading starting at offset.
func (b *Bucket) NewReader(ctx context.Context, name string, offset int64) (backend.Reader, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	r, err := b.bucket.Object(name).NewRangeReader(ctx, offset, -1)
	if err != nil {
		return nil, translateError(err)
	}
	return &reader{r: r}, nil
}

// NewWriter starts a write of the named object. The object becomes visible
// atomically at Commit; Abort discards everything sent so far.
func (b *Bucket) NewWriter(ctx context.Context, name string, opts *backend.PutOptions) (backend.Writer, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	if opts == nil {
		opts = &backend.PutOptions{}
	}
	wctx, cancel := context.WithCancel(ctx)
	w := b.bucket.Object(name).NewWriter(wctx)
	w.CacheControl = opts.CacheControl
	w.ContentDisposition = opts.ContentDisposition
	w.ContentEncoding = opts.ContentEncoding
	w.ContentLanguage = opts.ContentLanguage
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata
	return &writer{w: w, cancel: cancel}, nil
}

// reader wraps a storage.Reader. Attrs.Size is the full object size even
// for range reads, which is exactly the contract Size needs.
type reader struct {
	r *gstorage.Reader
}

func (r *reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

func (r *reader) Close() error {
	return r.r.Close()
}

func (r *reader) Size() int64 {
	return r.r.Attrs.Size
}

type writer struct {
	w      *gstorage.Writer
	cancel context.CancelFunc
}

func (w *writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *writer) Commit() (*backend.ObjectAttrs, error) {
	if err := w.w.Close(); err != nil {
		w.cancel()
		return nil, translateError(err)
	}
	w.cancel()
	return fromGCSAttrs(w.w.Attrs()), nil
}

func (w *writer) Abort() error {
	w.cancel()
	_ = w.w.Close()
	return nil
}

func fromGCSAttrs(a *gstorage.ObjectAttrs) *backend.ObjectAttrs {
	if a == nil {
		return nil
	}
	return &backend.ObjectAttrs{
		Bucket:             a.Bucket,
		Name:               a.Name,
		Size:               a.Size,
		MD5:                a.MD5,
		CacheControl:       a.CacheControl,
		ContentDisposition: a.ContentDisposition,
		ContentEncoding:    a.ContentEncoding,
		ContentLanguage:    a.ContentLanguage,
		ContentType:        a.ContentType,
		Metadata:           a.Metadata,
		Generation:         a.Generation,
		Metageneration:     a.Metageneration,
		Created:            a.Created,
		Updated:            a.Updated,
	}
}

// translateError maps GCS client errors onto the backend sentinels and
// marks retryable service failures transient.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gstorage.ErrObjectNotExist):
		return backend.ErrObjectNotFound
	case errors.Is(err, gstorage.ErrBucketNotExist):
		return backend.ErrBucketNotFound
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code := reasonOf(apiErr)
		switch {
		case apiErr.Code == http.StatusNotFound:
			return backend.WithCode(code, backend.ErrObjectNotFound)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return backend.WithCode(code, fmt.Errorf("%w: %s", backend.ErrUnauthorized, apiErr.Message))
		case apiErr.Code == http.StatusRequestTimeout || apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return backend.WithCode(code, backend.MarkTransient(err))
		}
		return backend.WithCode(code, err)
	}
	return err
}

func reasonOf(apiErr *googleapi.Error) string {
	if len(apiErr.Errors) > 0 && apiErr.Errors[0].Reason != "" {
		return apiErr.Errors[0].Reason
	}
	return strconv.Itoa(apiErr.Code)
}
