// Package s3 backs the storage client with Amazon S3 or any S3-compatible
// store. S3 has no generation counters, so generations are synthesized from
// LastModified timestamps and the metageneration is always 1; metadata
// updates rewrite the object in place via CopyObject.
package s3

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"storkit/pkg/backend"
)

const defaultURLExpiry = 15 * time.Minute

// errUploadAborted terminates the feeding pipe of an abandoned upload.
var errUploadAborted = errors.New("upload aborted")

// Config holds configuration for opening an S3 bucket.
type Config struct {
	// Bucket is the target bucket name.
	Bucket string

	// Region is the AWS region. Required.
	Region string

	// Endpoint is an optional S3-compatible endpoint URL (MinIO, localstack).
	Endpoint string

	// AccessKeyID and SecretAccessKey authenticate explicitly; when empty
	// the default credential chain is used. SessionToken is optional.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// UsePathStyle forces path-style addressing (required for MinIO and
	// some S3-compatible stores).
	UsePathStyle bool

	// URLExpiry bounds the validity of presigned download URLs.
	URLExpiry time.Duration

	// PartSize overrides the multipart upload part size.
	PartSize int64
}

// Bucket implements backend.Bucket over an S3 bucket.
type Bucket struct {
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	name      string
	urlExpiry time.Duration
}

// Open opens the configured S3 bucket.
func Open(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
	})

	urlExpiry := cfg.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = defaultURLExpiry
	}
	return &Bucket{
		client:    client,
		uploader:  uploader,
		presigner: s3.NewPresignClient(client),
		name:      cfg.Bucket,
		urlExpiry: urlExpiry,
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Close releases nothing; the SDK client holds no long-lived resources.
func (b *Bucket) Close() error {
	return nil
}

// Attrs returns the attributes of the named object.
func (b *Bucket) Attrs(ctx context.Context, name string) (*backend.ObjectAttrs, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, translateError(err)
	}
	return b.attrsFromHead(name, out), nil
}

// Update applies a partial metadata update by copying the object onto
// itself with replaced metadata. The rewrite advances LastModified, and
// with it the synthesized generation.
func (b *Bucket) Update(ctx context.Context, name string, u backend.UpdateAttrs) (*backend.ObjectAttrs, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	cur, err := b.Attrs(ctx, name)
	if err != nil {
		return nil, err
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

	input := &s3.CopyObjectInput{
		Bucket:             aws.String(b.name),
		Key:                aws.String(name),
		CopySource:         aws.String(escapeCopySource(b.name, name)),
		MetadataDirective:  types.MetadataDirectiveReplace,
		CacheControl:       optString(applyField(cur.CacheControl, u.CacheControl)),
		ContentDisposition: optString(applyField(cur.ContentDisposition, u.ContentDisposition)),
		ContentEncoding:    optString(applyField(cur.ContentEncoding, u.ContentEncoding)),
		ContentLanguage:    optString(applyField(cur.ContentLanguage, u.ContentLanguage)),
		ContentType:        optString(applyField(cur.ContentType, u.ContentType)),
		Metadata:           merged,
	}
	if _, err := b.client.CopyObject(ctx, input); err != nil {
		return nil, translateError(err)
	}
	return b.Attrs(ctx, name)
}

// Delete removes the named object. S3 deletes are silently idempotent, so
// a head probe first keeps the missing-object contract.
func (b *Bucket) Delete(ctx context.Context, name string) error {
	if name == "" {
		return backend.ErrInvalidObjectName
	}
	if _, err := b.Attrs(ctx, name); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(name),
	})
	return translateError(err)
}

// DownloadURL returns a presigned GET URL for the object.
func (b *Bucket) DownloadURL(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", backend.ErrInvalidObjectName
	}
	// Probe existence first: presigning signs blindly and would happily
	// mint URLs for objects that are not there.
	if _, err := b.Attrs(ctx, name); err != nil {
		return "", err
	}
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(name),
	}, s3.WithPresignExpires(b.urlExpiry))
	if err != nil {
		return "", translateError(err)
	}
	return req.URL, nil
}

// NewReader opens the object content for reading starting at offset.
func (b *Bucket) NewReader(ctx context.Context, name string, offset int64) (backend.Reader, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(name),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := b.client.GetObject(ctx, input)
	if err != nil {
		return nil, translateError(err)
	}

	size := int64(-1)
	if out.ContentRange != nil {
		if total, ok := parseContentRangeTotal(*out.ContentRange); ok {
			size = total
		}
	} else if out.ContentLength != nil {
		size = offset + *out.ContentLength
	}
	return &reader{body: out.Body, size: size}, nil
}

// NewWriter starts a write of the named object. Bytes are fed through a
// pipe into a managed (multipart when large) upload running on its own
// goroutine; Commit closes the pipe and waits for the upload to land.
func (b *Bucket) NewWriter(ctx context.Context, name string, opts *backend.PutOptions) (backend.Writer, error) {
	if name == "" {
		return nil, backend.ErrInvalidObjectName
	}
	if opts == nil {
		opts = &backend.PutOptions{}
	}

	pr, pw := io.Pipe()
	input := &s3.PutObjectInput{
		Bucket:             aws.String(b.name),
		Key:                aws.String(name),
		Body:               pr,
		CacheControl:       optString(opts.CacheControl),
		ContentDisposition: optString(opts.ContentDisposition),
		ContentEncoding:    optString(opts.ContentEncoding),
		ContentLanguage:    optString(opts.ContentLanguage),
		ContentType:        optString(opts.ContentType),
		Metadata:           opts.Metadata,
	}

	w := &writer{
		pw:   pw,
		done: make(chan struct{}),
		head: func() (*backend.ObjectAttrs, error) {
			return b.Attrs(ctx, name)
		},
	}
	go func() {
		_, err := b.uploader.Upload(ctx, input)
		if err != nil {
			// Unblock a writer stuck in Write.
			_ = pr.CloseWithError(err)
		}
		w.err = err
		close(w.done)
	}()
	return w, nil
}

type reader struct {
	body io.ReadCloser
	size int64
}

func (r *reader) Read(p []byte) (int, error) {
	return r.body.Read(p)
}

func (r *reader) Close() error {
	return r.body.Close()
}

func (r *reader) Size() int64 {
	return r.size
}

type writer struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
	head func() (*backend.ObjectAttrs, error)
}

func (w *writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *writer) Commit() (*backend.ObjectAttrs, error) {
	_ = w.pw.Close()
	<-w.done
	if w.err != nil {
		return nil, translateError(w.err)
	}
	return w.head()
}

func (w *writer) Abort() error {
	_ = w.pw.CloseWithError(errUploadAborted)
	<-w.done
	return nil
}

func (b *Bucket) attrsFromHead(name string, out *s3.HeadObjectOutput) *backend.ObjectAttrs {
	lastModified := aws.ToTime(out.LastModified)
	return &backend.ObjectAttrs{
		Bucket:             b.name,
		Name:               name,
		Size:               aws.ToInt64(out.ContentLength),
		MD5:                md5FromETag(aws.ToString(out.ETag)),
		CacheControl:       aws.ToString(out.CacheControl),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentLanguage:    aws.ToString(out.ContentLanguage),
		ContentType:        aws.ToString(out.ContentType),
		Metadata:           out.Metadata,
		Generation:         lastModified.UnixNano(),
		Metageneration:     1,
		Created:            lastModified,
		Updated:            lastModified,
	}
}

// md5FromETag recovers the MD5 digest from a simple-upload ETag. Multipart
// ETags (with a part-count suffix) are not MD5s and yield nil.
func md5FromETag(etag string) []byte {
	tag := strings.Trim(etag, `"`)
	if tag == "" || strings.Contains(tag, "-") {
		return nil
	}
	sum, err := hex.DecodeString(tag)
	if err != nil {
		return nil
	}
	return sum
}

// escapeCopySource builds the URL-encoded bucket/key form CopyObject wants,
// keeping the slashes between key segments.
func escapeCopySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// parseContentRangeTotal extracts the total size from "bytes 5-99/100".
func parseContentRangeTotal(cr string) (int64, bool) {
	_, totalPart, ok := strings.Cut(cr, "/")
	if !ok || totalPart == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func applyField(cur string, p *string) string {
	if p == nil {
		return cur
	}
	return *p
}

func optString(v string) *string {
	if v == "" {
		return nil
	}
	return aws.String(v)
}

// translateError maps SDK errors onto the backend sentinels and marks
// retryable service failures transient.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return backend.ErrObjectNotFound
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return backend.ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "NoSuchKey", "NotFound":
			return backend.WithCode(code, backend.ErrObjectNotFound)
		case "NoSuchBucket":
			return backend.WithCode(code, backend.ErrBucketNotFound)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return backend.WithCode(code, fmt.Errorf("%w: %s", backend.ErrUnauthorized, apiErr.ErrorMessage()))
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "ThrottlingException":
			return backend.WithCode(code, backend.MarkTransient(err))
		}
		return backend.WithCode(code, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == 408 || status == 429 || status >= 500 {
			return backend.WithCode(strconv.Itoa(status), backend.MarkTransient(err))
		}
	}
	return err
}
