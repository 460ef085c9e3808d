// Package local is a filesystem-backed object store. Content lives in flat
// data files under a root directory; metadata, generation counters and
// download tokens live in SQLite next to them. It is the development and
// test backend, and the store behind the dev server in this package.
package local

import (
	"context"
	"crypto/md5" //nolint:gosec // checksum object stores report, not a security primitive
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storkit/pkg/backend"
	"storkit/pkg/log"

	_ "modernc.org/sqlite"
)

// ErrDatabase is returned when a database operation fails.
var ErrDatabase = errors.New("database error")

// Options contains optional settings for opening a store.
type Options struct {
	// BaseURL is the externally reachable address of a dev server fronting
	// this store, e.g. "http://localhost:9199". Without it DownloadURL
	// returns backend.ErrNoDownloadURL.
	BaseURL string

	// Logger overrides the package logger.
	Logger *zerolog.Logger
}

// Store manages object content and metadata under one root directory.
type Store struct {
	db      *sql.DB
	root    string
	baseURL string
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// Open opens (creating if needed) a store rooted at dir.
func Open(dir string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := os.MkdirAll(filepath.Join(dir, dataDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create store directories: %w", err)
	}

	database, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabase, err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrency
	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabase, err)
	}

	if _, err := database.ExecContext(ctx, Schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", ErrDatabase, err)
	}

	store := &Store{
		db:      database,
		root:    dir,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
	if opts.Logger != nil {
		store.logger = *opts.Logger
	} else {
		store.logger = log.Component("local")
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bucket returns a handle for the named bucket. Buckets exist implicitly;
// taking a handle performs no writes. Closing a bucket closes the store
// backing it.
func (s *Store) Bucket(name string) *Bucket {
	return &Bucket{store: s, name: name}
}

// Bucket implements backend.Bucket over a Store.
type Bucket struct {
	store *Store
	name  string
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Close closes the store backing the bucket.
func (b *Bucket) Close() error {
	return b.store.Close()
}

// Attrs returns the attributes of the named object.
func (b *Bucket) Attrs(ctx context.Context, name string) (*backend.ObjectAttrs, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()

	row, err := b.store.getObject(ctx, b.name, name)
	if err != nil {
		return nil, err
	}
	return row.attrs()
}

// Update applies a partial metadata update and bumps the metageneration.
func (b *Bucket) Update(ctx context.Context, name string, u backend.UpdateAttrs) (*backend.ObjectAttrs, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.getObject(ctx, b.name, name)
	if err != nil {
		return nil, err
	}

	cacheControl := applyField(row.cacheControl, u.CacheControl)
	contentDisposition := applyField(row.contentDisposition, u.ContentDisposition)
	contentEncoding := applyField(row.contentEncoding, u.ContentEncoding)
	contentLanguage := applyField(row.contentLanguage, u.ContentLanguage)
	contentType := applyField(row.contentType, u.ContentType)

	custom, err := row.customMetadata()
	if err != nil {
		return nil, err
	}
	if u.Metadata != nil {
		if custom == nil {
			custom = make(map[string]string)
		}
		for k, v := range u.Metadata {
			if v == nil {
				delete(custom, k)
			} else {
				custom[k] = *v
			}
		}
	}
	customJSON, err := marshalCustom(custom)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE objects SET
		 cache_control = ?, content_disposition = ?, content_encoding = ?,
		 content_language = ?, content_type = ?, custom_metadata = ?,
		 metageneration = metageneration + 1, updated_at = ?
		 WHERE id = ?`,
		cacheControl, contentDisposition, contentEncoding,
		contentLanguage, contentType, customJSON, now, row.id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	updated, err := s.getObject(ctx, b.name, name)
	if err != nil {
		return nil, err
	}
	return updated.attrs()
}

// Delete removes the named object and its content file.
func (b *Bucket) Delete(ctx context.Context, name string) error {
	if name == "" {
		return backend.ErrInvalidObjectName
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.getObject(ctx, b.name, name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, row.id); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if err := os.Remove(s.dataPath(row.dataFile)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("data_file", row.dataFile).Msg("could not remove object content")
	}
	return nil
}

// DownloadURL returns the dev server URL of the object, carrying its
// download token. The store must have been opened with a BaseURL.
func (b *Bucket) DownloadURL(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", backend.ErrInvalidObjectName
	}
	s := b.store
	if s.baseURL == "" {
		return "", backend.ErrNoDownloadURL
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, err := s.getObject(ctx, b.name, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v0/b/%s/o/%s?alt=media&token=%s",
		s.baseURL, url.PathEscape(b.name), url.PathEscape(name), row.token), nil
}

// NewReader opens the object content for reading starting at offset.
func (b *Bucket) NewReader(ctx context.Context, name string, offset int64) (backend.Reader, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative read offset %d", offset)
	}
	s := b.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, err := s.getObject(ctx, b.name, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.dataPath(row.dataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrObjectNotFound
		}
		return nil, fmt.Errorf("open object content: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seek object content: %w", err)
		}
	}
	return &reader{f: f, size: row.size}, nil
}

// NewWriter starts a write of the named object. Content goes to a temp
// file; Commit renames it into place and publishes the metadata row in one
// step, so readers never observe partial content.
func (b *Bucket) NewWriter(ctx context.Context, name string, opts *backend.PutOptions) (backend.Writer, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	if opts == nil {
		opts = &backend.PutOptions{}
	}
	tmp, err := os.CreateTemp(filepath.Join(b.store.root, dataDirName), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload temp file: %w", err)
	}
	return &writer{
		ctx:      ctx,
		store:    b.store,
		bucket:   b.name,
		name:     name,
		opts:     *opts,
		file:     tmp,
		dataFile: uuid.NewString(),
		sum:      md5.New(), //nolint:gosec // checksum, not a security primitive
	}, nil
}

func (s *Store) dataPath(dataFile string) string {
	return filepath.Join(s.root, dataDirName, dataFile)
}

// objectRow mirrors one row of the objects table.
type objectRow struct {
	id                 int64
	bucket             string
	name               string
	dataFile           string
	size               int64
	md5                []byte
	cacheControl       sql.NullString
	contentDisposition sql.NullString
	contentEncoding    sql.NullString
	contentLanguage    sql.NullString
	contentType        sql.NullString
	customJSON         sql.NullString
	token              string
	generation         int64
	metageneration     int64
	createdAt          time.Time
	updatedAt          time.Time
}

func (s *Store) getObject(ctx context.Context, bucket, name string) (*objectRow, error) {
	row := &objectRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, bucket, name, data_file, size, md5,
		 cache_control, content_disposition, content_encoding, content_language, content_type,
		 custom_metadata, download_token, generation, metageneration, created_at, updated_at
		 FROM objects WHERE bucket = ? AND name = ?`,
		bucket, name,
	).Scan(
		&row.id, &row.bucket, &row.name, &row.dataFile, &row.size, &row.md5,
		&row.cacheControl, &row.contentDisposition, &row.contentEncoding, &row.contentLanguage, &row.contentType,
		&row.customJSON, &row.token, &row.generation, &row.metageneration, &row.createdAt, &row.updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return row, nil
}

func (r *objectRow) customMetadata() (map[string]string, error) {
	if !r.customJSON.Valid || r.customJSON.String == "" {
		return nil, nil
	}
	var custom map[string]string
	if err := json.Unmarshal([]byte(r.customJSON.String), &custom); err != nil {
		return nil, fmt.Errorf("%w: failed to parse custom metadata: %w", ErrDatabase, err)
	}
	return custom, nil
}

func (r *objectRow) attrs() (*backend.ObjectAttrs, error) {
	custom, err := r.customMetadata()
	if err != nil {
		return nil, err
	}
	return &backend.ObjectAttrs{
		Bucket:             r.bucket,
		Name:               r.name,
		Size:               r.size,
		MD5:                r.md5,
		CacheControl:       r.cacheControl.String,
		ContentDisposition: r.contentDisposition.String,
		ContentEncoding:    r.contentEncoding.String,
		ContentLanguage:    r.contentLanguage.String,
		ContentType:        r.contentType.String,
		Metadata:           custom,
		Generation:         r.generation,
		Metageneration:     r.metageneration,
		Created:            r.createdAt,
		Updated:            r.updatedAt,
	}, nil
}

// applyField resolves one pointer-typed update field against the current
// value: nil keeps it, pointer to "" clears it.
func applyField(cur sql.NullString, p *string) sql.NullString {
	if p == nil {
		return cur
	}
	if *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func marshalCustom(custom map[string]string) (sql.NullString, error) {
	if len(custom) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(custom)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: failed to serialize custom metadata: %w", ErrDatabase, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// reader streams object content from a data file.
type reader struct {
	f    *os.File
	size int64
}

func (r *reader) Read(p []byte) (int, error) {
	return r.f.Read(p)
}

func (r *reader) Close() error {
	return r.f.Close()
}

// Size returns the total object size, independent of the read offset.
func (r *reader) Size() int64 {
	return r.size
}

// writer accumulates object content in a temp file until Commit.
type writer struct {
	ctx      context.Context
	store    *Store
	bucket   string
	name     string
	opts     backend.PutOptions
	file     *os.File
	dataFile string
	sum      hash.Hash
	size     int64
	done     bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("write on closed writer")
	}
	n, err := w.file.Write(p)
	w.sum.Write(p[:n])
	w.size += int64(n)
	return n, err
}

// Commit renames the temp file into place and upserts the metadata row.
// Overwriting bumps the generation, resets the metageneration to 1 and
// keeps the existing download token; first writes mint a fresh token.
func (w *writer) Commit() (*backend.ObjectAttrs, error) {
	if w.done {
		return nil, errors.New("commit on closed writer")
	}
	w.done = true

	tmpPath := w.file.Name()
	if err := w.file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close upload temp file: %w", err)
	}

	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(tmpPath, s.dataPath(w.dataFile)); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("publish object content: %w", err)
	}

	var (
		prevFile  string
		prevToken string
		prevGen   int64
	)
	err := s.db.QueryRowContext(w.ctx,
		`SELECT data_file, download_token, generation FROM objects WHERE bucket = ? AND name = ?`,
		w.bucket, w.name,
	).Scan(&prevFile, &prevToken, &prevGen)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = os.Remove(s.dataPath(w.dataFile))
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	token := prevToken
	if token == "" {
		token = uuid.NewString()
	}
	generation := prevGen + 1

	customJSON, err := marshalCustom(w.opts.Metadata)
	if err != nil {
		_ = os.Remove(s.dataPath(w.dataFile))
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(w.ctx,
		`INSERT INTO objects (bucket, name, data_file, size, md5,
		 cache_control, content_disposition, content_encoding, content_language, content_type,
		 custom_metadata, download_token, generation, metageneration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(bucket, name) DO UPDATE SET
		 data_file = excluded.data_file,
		 size = excluded.size,
		 md5 = excluded.md5,
		 cache_control = excluded.cache_control,
		 content_disposition = excluded.content_disposition,
		 content_encoding = excluded.content_encoding,
		 content_language = excluded.content_language,
		 content_type = excluded.content_type,
		 custom_metadata = excluded.custom_metadata,
		 generation = excluded.generation,
		 metageneration = 1,
		 created_at = excluded.created_at,
		 updated_at = excluded.updated_at`,
		w.bucket, w.name, w.dataFile, w.size, w.sum.Sum(nil),
		nullable(w.opts.CacheControl), nullable(w.opts.ContentDisposition), nullable(w.opts.ContentEncoding),
		nullable(w.opts.ContentLanguage), nullable(w.opts.ContentType),
		customJSON, token, generation, now, now,
	)
	if err != nil {
		_ = os.Remove(s.dataPath(w.dataFile))
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}

	if prevFile != "" && prevFile != w.dataFile {
		if err := os.Remove(s.dataPath(prevFile)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("data_file", prevFile).Msg("could not remove superseded content")
		}
	}

	return &backend.ObjectAttrs{
		Bucket:             w.bucket,
		Name:               w.name,
		Size:               w.size,
		MD5:                w.sum.Sum(nil),
		CacheControl:       w.opts.CacheControl,
		ContentDisposition: w.opts.ContentDisposition,
		ContentEncoding:    w.opts.ContentEncoding,
		ContentLanguage:    w.opts.ContentLanguage,
		ContentType:        w.opts.ContentType,
		Metadata:           w.opts.Metadata,
		Generation:         generation,
		Metageneration:     1,
		Created:            now,
		Updated:            now,
	}, nil
}

// Abort discards the write.
func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	tmpPath := w.file.Name()
	_ = w.file.Close()
	return os.Remove(tmpPath)
}

func nullable(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
