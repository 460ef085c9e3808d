package s3

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/suite"

	"storkit/pkg/backend"
)

// S3TestSuite tests the pure conversion and error translation helpers.
// The network paths run against MinIO in integration setups.
type S3TestSuite struct {
	suite.Suite
}

// TestMD5FromETag tests digest recovery from simple and multipart ETags.
func (s *S3TestSuite) TestMD5FromETag() {
	sum := md5FromETag(`"9e107d9d372bb6826bd81d3542a419d6"`)
	s.Equal([]byte{
		0x9e, 0x10, 0x7d, 0x9d, 0x37, 0x2b, 0xb6, 0x82,
		0x6b, 0xd8, 0x1d, 0x35, 0x42, 0xa4, 0x19, 0xd6,
	}, sum)

	s.Nil(md5FromETag(""))
	s.Nil(md5FromETag(`""`))
	s.Nil(md5FromETag(`"9e107d9d372bb6826bd81d3542a419d6-2"`))
	s.Nil(md5FromETag(`"not-hex"`))
	s.Nil(md5FromETag(`"zz07d9d372bb6826bd81d3542a419d6f"`))
}

// TestEscapeCopySource tests the encoded bucket/key form CopyObject wants.
func (s *S3TestSuite) TestEscapeCopySource() {
	s.Equal("b/a.txt", escapeCopySource("b", "a.txt"))
	s.Equal("b/docs/report.pdf", escapeCopySource("b", "docs/report.pdf"))
	s.Equal("b/docs/report%20final%252.pdf", escapeCopySource("b", "docs/report final%2.pdf"))
}

// TestParseContentRangeTotal tests total-size extraction from Content-Range.
func (s *S3TestSuite) TestParseContentRangeTotal() {
	testCases := []struct {
		in    string
		total int64
		ok    bool
	}{
		{"bytes 5-99/100", 100, true},
		{"bytes 0-0/1", 1, true},
		{"bytes 5-99/*", 0, false},
		{"bytes 5-99", 0, false},
		{"bytes 5-99/abc", 0, false},
		{"", 0, false},
	}
	for _, tc := range testCases {
		total, ok := parseContentRangeTotal(tc.in)
		s.Equal(tc.ok, ok, "range %q", tc.in)
		s.Equal(tc.total, total, "range %q", tc.in)
	}
}

// TestApplyField tests the pointer-update resolution.
func (s *S3TestSuite) TestApplyField() {
	s.Equal("cur", applyField("cur", nil))
	s.Equal("new", applyField("cur", aws.String("new")))
	s.Equal("", applyField("cur", aws.String("")))
}

// TestOptString tests the empty-string-to-nil conversion.
func (s *S3TestSuite) TestOptString() {
	s.Nil(optString(""))
	s.Require().NotNil(optString("x"))
	s.Equal("x", *optString("x"))
}

// TestAttrsFromHead tests synthesizing attributes, generations included,
// from a HeadObject response.
func (s *S3TestSuite) TestAttrsFromHead() {
	b := &Bucket{name: "b"}
	modified := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	attrs := b.attrsFromHead("docs/a.txt", &s3.HeadObjectOutput{
		ContentLength: aws.Int64(1024),
		ContentType:   aws.String("text/plain"),
		CacheControl:  aws.String("no-cache"),
		ETag:          aws.String(`"9e107d9d372bb6826bd81d3542a419d6"`),
		LastModified:  aws.Time(modified),
		Metadata:      map[string]string{"owner": "alice"},
	})

	s.Equal("b", attrs.Bucket)
	s.Equal("docs/a.txt", attrs.Name)
	s.Equal(int64(1024), attrs.Size)
	s.Equal("text/plain", attrs.ContentType)
	s.Equal("no-cache", attrs.CacheControl)
	s.Equal(map[string]string{"owner": "alice"}, attrs.Metadata)
	s.Equal(modified.UnixNano(), attrs.Generation)
	s.Equal(int64(1), attrs.Metageneration)
	s.Equal(modified, attrs.Created)
	s.Equal(modified, attrs.Updated)
	s.Len(attrs.MD5, 16)
}

// TestTranslateTypedErrors tests mapping the SDK's modeled error types.
func (s *S3TestSuite) TestTranslateTypedErrors() {
	s.Nil(translateError(nil))
	s.ErrorIs(translateError(&types.NoSuchKey{}), backend.ErrObjectNotFound)
	s.ErrorIs(translateError(&types.NotFound{}), backend.ErrObjectNotFound)
	s.ErrorIs(translateError(&types.NoSuchBucket{}), backend.ErrBucketNotFound)

	plain := errors.New("boom")
	s.Equal(plain, translateError(plain))
}

// TestTranslateAPIErrors tests the generic API error code mapping.
func (s *S3TestSuite) TestTranslateAPIErrors() {
	testCases := []struct {
		name      string
		code      string
		sentinel  error
		transient bool
	}{
		{name: "missing key", code: "NoSuchKey", sentinel: backend.ErrObjectNotFound},
		{name: "missing bucket", code: "NoSuchBucket", sentinel: backend.ErrBucketNotFound},
		{name: "access denied", code: "AccessDenied", sentinel: backend.ErrUnauthorized},
		{name: "expired token", code: "ExpiredToken", sentinel: backend.ErrUnauthorized},
		{name: "slow down", code: "SlowDown", transient: true},
		{name: "internal error", code: "InternalError", transient: true},
		{name: "unmodeled code", code: "Teapot"},
	}
	for _, tc := range testCases {
		apiErr := &smithy.GenericAPIError{Code: tc.code, Message: "details"}
		got := translateError(fmt.Errorf("head: %w", apiErr))
		s.Require().Error(got, tc.name)
		if tc.sentinel != nil {
			s.ErrorIs(got, tc.sentinel, tc.name)
		}
		s.Equal(tc.code, backend.Code(got), tc.name)
		s.Equal(tc.transient, backend.IsTransient(got), tc.name)
	}
}

// TestTranslateResponseErrors tests the HTTP status fallback for failures
// without an API error code.
func (s *S3TestSuite) TestTranslateResponseErrors() {
	build := func(status int) error {
		return &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{
					Response: &http.Response{StatusCode: status},
				},
				Err: errors.New("bang"),
			},
		}
	}

	got := translateError(build(http.StatusServiceUnavailable))
	s.True(backend.IsTransient(got))
	s.Equal("503", backend.Code(got))

	got = translateError(build(http.StatusTooManyRequests))
	s.True(backend.IsTransient(got))

	notMapped := build(http.StatusConflict)
	s.Equal(notMapped, translateError(notMapped))
}

// TestS3TestSuite runs the test suite.
func TestS3TestSuite(t *testing.T) {
	suite.Run(t, new(S3TestSuite))
}
