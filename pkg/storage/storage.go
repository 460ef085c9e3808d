// Package storage is a client for object storage in the shape bucket plus
// slash-separated object paths. It layers a reference API, metadata
// operations and observable, controllable transfer tasks over any backend
// implementing the pkg/backend contract.
package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"storkit/pkg/backend"
	"storkit/pkg/log"
)

const (
	// DefaultChunkSize is the transfer granularity: the byte count between
	// progress snapshots and pause/cancel checkpoints.
	DefaultChunkSize = 256 * 1024

	// DefaultMaxUploadRetryTime bounds time without upload progress.
	DefaultMaxUploadRetryTime = 10 * time.Minute

	// DefaultMaxDownloadRetryTime bounds time without download progress.
	DefaultMaxDownloadRetryTime = 10 * time.Minute

	// DefaultMaxOperationRetryTime bounds retries of metadata operations.
	DefaultMaxOperationRetryTime = 2 * time.Minute

	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 30 * time.Second
)

// Config tunes a Storage module. The zero value of any field means its
// default; a nil *Config means all defaults.
type Config struct {
	// ChunkSize is the transfer chunk size in bytes.
	ChunkSize int

	// MaxUploadRetryTime, MaxDownloadRetryTime and MaxOperationRetryTime
	// seed the corresponding mutable settings.
	MaxUploadRetryTime    time.Duration
	MaxDownloadRetryTime  time.Duration
	MaxOperationRetryTime time.Duration

	// RetryInitialInterval and RetryMaxInterval shape the backoff curve
	// between retry attempts.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Logger overrides the package logger.
	Logger *zerolog.Logger
}

// Storage is a storage module bound to one bucket. It mints references,
// resolves storage URLs and owns the retry-time settings that transfers
// and metadata operations snapshot when they start. All methods are safe
// for concurrent use.
type Storage struct {
	bucket     backend.Bucket
	bucketName string

	chunkSize    int
	retryInitial time.Duration
	retryMax     time.Duration
	logger       zerolog.Logger

	maxUploadRetry    atomic.Int64
	maxDownloadRetry  atomic.Int64
	maxOperationRetry atomic.Int64
}

// New builds a Storage module over the given backend bucket.
func New(b backend.Bucket, cfg *Config) (*Storage, error) {
	if b == nil {
		return nil, argErrorf("nil backend bucket")
	}
	if b.Name() == "" {
		return nil, argErrorf("backend bucket has no name")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize < 0 || cfg.MaxUploadRetryTime < 0 || cfg.MaxDownloadRetryTime < 0 ||
		cfg.MaxOperationRetryTime < 0 || cfg.RetryInitialInterval < 0 || cfg.RetryMaxInterval < 0 {
		return nil, argErrorf("negative values in storage config")
	}

	s := &Storage{
		bucket:       b,
		bucketName:   b.Name(),
		chunkSize:    pickInt(cfg.ChunkSize, DefaultChunkSize),
		retryInitial: pickDuration(cfg.RetryInitialInterval, defaultRetryInitialInterval),
		retryMax:     pickDuration(cfg.RetryMaxInterval, defaultRetryMaxInterval),
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	} else {
		s.logger = log.Component("storage")
	}
	s.logger = s.logger.With().Str("bucket", s.bucketName).Logger()

	s.maxUploadRetry.Store(int64(pickDuration(cfg.MaxUploadRetryTime, DefaultMaxUploadRetryTime)))
	s.maxDownloadRetry.Store(int64(pickDuration(cfg.MaxDownloadRetryTime, DefaultMaxDownloadRetryTime)))
	s.maxOperationRetry.Store(int64(pickDuration(cfg.MaxOperationRetryTime, DefaultMaxOperationRetryTime)))
	return s, nil
}

// BucketName returns the name of the bucket the module is bound to.
func (s *Storage) BucketName() string {
	return s.bucketName
}

// Close releases the underlying backend.
func (s *Storage) Close() error {
	return s.bucket.Close()
}

// Ref returns a reference to path inside the module's bucket. The path is
// normalized; building a reference never touches the backend.
func (s *Storage) Ref(path string) Reference {
	return Reference{storage: s, bucket: s.bucketName, path: normalizePath(path)}
}

// RefFromURL resolves a gs:// URL or an HTTP object URL into a reference.
// The URL may name a different bucket than the module is bound to; such
// references can be inspected and navigated, but object operations on them
// fail with an argument error.
func (s *Storage) RefFromURL(raw string) (Reference, error) {
	bucket, path, err := parseStorageURL(raw)
	if err != nil {
		return Reference{}, err
	}
	return Reference{storage: s, bucket: bucket, path: path}, nil
}

// MaxUploadRetryTime returns the current upload retry time budget.
func (s *Storage) MaxUploadRetryTime() time.Duration {
	return time.Duration(s.maxUploadRetry.Load())
}

// SetMaxUploadRetryTime changes the upload retry time budget. Zero disables
// retries; negative values are rejected. Tasks already running keep the
// budget they started with.
func (s *Storage) SetMaxUploadRetryTime(d time.Duration) error {
	if d < 0 {
		return argErrorf("negative max upload retry time %v", d)
	}
	s.maxUploadRetry.Store(int64(d))
	return nil
}

// MaxDownloadRetryTime returns the current download retry time budget.
func (s *Storage) MaxDownloadRetryTime() time.Duration {
	return time.Duration(s.maxDownloadRetry.Load())
}

// SetMaxDownloadRetryTime changes the download retry time budget. Zero
// disables retries; negative values are rejected.
func (s *Storage) SetMaxDownloadRetryTime(d time.Duration) error {
	if d < 0 {
		return argErrorf("negative max download retry time %v", d)
	}
	s.maxDownloadRetry.Store(int64(d))
	return nil
}

// MaxOperationRetryTime returns the current metadata operation retry time
// budget.
func (s *Storage) MaxOperationRetryTime() time.Duration {
	return time.Duration(s.maxOperationRetry.Load())
}

// SetMaxOperationRetryTime changes the metadata operation retry time
// budget. Zero disables retries; negative values are rejected.
func (s *Storage) SetMaxOperationRetryTime(d time.Duration) error {
	if d < 0 {
		return argErrorf("negative max operation retry time %v", d)
	}
	s.maxOperationRetry.Store(int64(d))
	return nil
}

// withOpRetry runs one metadata operation under the operation retry policy:
// transient failures back off and retry until the budget is spent, while
// permanent failures and context expiry return immediately. A spent budget
// surfaces as KindRetryLimitExceeded.
func (s *Storage) withOpRetry(ctx context.Context, fn func() error) error {
	budget := s.MaxOperationRetryTime()

	var err error
	if budget <= 0 {
		err = fn()
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = s.retryInitial
		bo.MaxInterval = s.retryMax
		bo.MaxElapsedTime = budget
		op := func() error {
			ferr := fn()
			if ferr == nil || backend.IsTransient(ferr) {
				return ferr
			}
			return backoff.Permanent(ferr)
		}
		err = backoff.Retry(op, backoff.WithContext(bo, ctx))
	}

	if err != nil && ctx.Err() == nil && backend.IsTransient(err) {
		return &Error{
			Kind:    KindRetryLimitExceeded,
			Code:    backend.Code(err),
			Message: "retry time budget exhausted: " + err.Error(),
			Err:     err,
		}
	}
	return err
}

func pickInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func pickDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
