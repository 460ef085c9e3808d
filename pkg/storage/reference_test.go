package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// ReferenceTestSuite tests reference path algebra and the object metadata
// operations behind it.
type ReferenceTestSuite struct {
	suite.Suite
	bucket  *mockBucket
	storage *Storage
	ctx     context.Context
}

// SetupTest runs before each test.
func (s *ReferenceTestSuite) SetupTest() {
	s.bucket = newMockBucket("test-bucket")
	s.storage = newTestStorage(s.bucket, testChunk)
	s.ctx = context.Background()
}

// TestPathNormalization tests that every spelling of a location collapses
// to one normalized path.
func (s *ReferenceTestSuite) TestPathNormalization() {
	testCases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"///", ""},
		{"photos", "photos"},
		{"/photos", "photos"},
		{"photos/", "photos"},
		{"/photos/2024/cat.jpg", "photos/2024/cat.jpg"},
		{"photos//2024///cat.jpg", "photos/2024/cat.jpg"},
	}
	for _, tc := range testCases {
		s.Equal(tc.want, s.storage.Ref(tc.in).FullPath(), "path %q", tc.in)
	}
}

// TestChild tests child resolution, including segments that need
// normalizing.
func (s *ReferenceTestSuite) TestChild() {
	testCases := []struct {
		base string
		sub  string
		want string
	}{
		{"", "photos", "photos"},
		{"photos", "2024/cat.jpg", "photos/2024/cat.jpg"},
		{"photos", "/2024//cat.jpg/", "photos/2024/cat.jpg"},
		{"photos", "", "photos"},
		{"photos", "///", "photos"},
		{"", "", ""},
	}
	for _, tc := range testCases {
		base := s.storage.Ref(tc.base)
		child := base.Child(tc.sub)
		s.Equal(tc.want, child.FullPath(), "base %q child %q", tc.base, tc.sub)
		s.Equal(tc.base, base.FullPath(), "base %q must not change", tc.base)
		s.Equal("test-bucket", child.Bucket())
	}
}

// TestParent tests walking up to the root.
func (s *ReferenceTestSuite) TestParent() {
	ref := s.storage.Ref("a/b/c")

	parent, ok := ref.Parent()
	s.True(ok)
	s.Equal("a/b", parent.FullPath())

	parent, ok = parent.Parent()
	s.True(ok)
	s.Equal("a", parent.FullPath())

	parent, ok = parent.Parent()
	s.True(ok)
	s.Equal("", parent.FullPath())
	s.True(parent.IsRoot())

	same, ok := parent.Parent()
	s.False(ok)
	s.Equal(parent, same)
}

// TestRootAndName tests the root shortcut and final segment accessor.
func (s *ReferenceTestSuite) TestRootAndName() {
	ref := s.storage.Ref("photos/2024/cat.jpg")
	s.Equal("cat.jpg", ref.Name())
	s.False(ref.IsRoot())

	root := ref.Root()
	s.True(root.IsRoot())
	s.Equal("", root.Name())
	s.Equal("test-bucket", root.Bucket())

	s.Equal("photos", s.storage.Ref("photos").Name())
}

// TestString tests the canonical gs:// rendering.
func (s *ReferenceTestSuite) TestString() {
	s.Equal("gs://test-bucket", s.storage.Ref("").String())
	s.Equal("gs://test-bucket/a/b.txt", s.storage.Ref("/a//b.txt").String())
}

// TestMetadata tests fetching full metadata for a stored object.
func (s *ReferenceTestSuite) TestMetadata() {
	s.bucket.seed("docs/report.pdf", []byte("%PDF-1.7"), "application/pdf")

	meta, err := s.storage.Ref("docs/report.pdf").Metadata(s.ctx)
	s.Require().NoError(err)
	s.Equal("test-bucket", meta.Bucket)
	s.Equal("docs/report.pdf", meta.Name)
	s.Equal(int64(8), meta.Size)
	s.Equal("application/pdf", meta.ContentType)
	s.Equal(int64(1), meta.Generation)
	s.Equal(int64(1), meta.Metageneration)
	s.WithinDuration(time.Now(), meta.TimeCreated, time.Minute)
	s.WithinDuration(time.Now(), meta.Updated, time.Minute)
}

// TestMetadataNotFound tests that a missing object maps to the not-found
// kind.
func (s *ReferenceTestSuite) TestMetadataNotFound() {
	_, err := s.storage.Ref("missing.txt").Metadata(s.ctx)
	s.Require().Error(err)
	s.Equal(KindObjectNotFound, KindOf(err))
}

// TestMetadataRetriesTransientFailure tests that transient backend failures
// are retried under the operation budget.
func (s *ReferenceTestSuite) TestMetadataRetriesTransientFailure() {
	s.bucket.seed("a.txt", []byte("hi"), "")
	s.bucket.failAttrs = 2

	meta, err := s.storage.Ref("a.txt").Metadata(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), meta.Size)
	s.Equal(3, s.bucket.attrsCalls)
}

// TestMetadataPermanentFailure tests that permanent failures skip the retry
// loop and keep the backend code.
func (s *ReferenceTestSuite) TestMetadataPermanentFailure() {
	s.bucket.seed("a.txt", []byte("hi"), "")
	s.bucket.failAttrs = 1
	s.bucket.permanent = true
	s.bucket.failCode = "backend/internal"

	_, err := s.storage.Ref("a.txt").Metadata(s.ctx)
	s.Require().Error(err)
	s.Equal(KindBackend, KindOf(err))
	var se *Error
	s.Require().ErrorAs(err, &se)
	s.Equal("backend/internal", se.Code)
	s.Equal(1, s.bucket.attrsCalls)
}

// TestMetadataRetryBudgetExhausted tests that an operation that never stops
// failing transiently ends as a retry limit error.
func (s *ReferenceTestSuite) TestMetadataRetryBudgetExhausted() {
	s.bucket.seed("a.txt", []byte("hi"), "")
	s.bucket.failAttrs = 1 << 30
	s.Require().NoError(s.storage.SetMaxOperationRetryTime(40 * time.Millisecond))

	_, err := s.storage.Ref("a.txt").Metadata(s.ctx)
	s.Require().Error(err)
	s.Equal(KindRetryLimitExceeded, KindOf(err))
	s.Greater(s.bucket.attrsCalls, 1)
}

// TestMetadataZeroBudgetSingleAttempt tests that a zero operation budget
// disables retries entirely.
func (s *ReferenceTestSuite) TestMetadataZeroBudgetSingleAttempt() {
	s.bucket.seed("a.txt", []byte("hi"), "")
	s.bucket.failAttrs = 1
	s.Require().NoError(s.storage.SetMaxOperationRetryTime(0))

	_, err := s.storage.Ref("a.txt").Metadata(s.ctx)
	s.Require().Error(err)
	s.Equal(KindRetryLimitExceeded, KindOf(err))
	s.Equal(1, s.bucket.attrsCalls)
}

// TestUpdateMetadata tests a partial update: touched fields change, the
// rest stay, and the metageneration moves.
func (s *ReferenceTestSuite) TestUpdateMetadata() {
	s.bucket.seed("a.txt", []byte("hi"), "text/plain")

	meta, err := s.storage.Ref("a.txt").UpdateMetadata(s.ctx, MetadataUpdate{
		CacheControl: Ptr("public, max-age=3600"),
		CustomMetadata: map[string]*string{
			"owner": Ptr("alice"),
			"plan":  Ptr("pro"),
		},
	})
	s.Require().NoError(err)
	s.Equal("public, max-age=3600", meta.CacheControl)
	s.Equal("text/plain", meta.ContentType)
	s.Equal(map[string]string{"owner": "alice", "plan": "pro"}, meta.CustomMetadata)
	s.Equal(int64(2), meta.Metageneration)
	s.Equal(int64(1), meta.Generation)
}

// TestUpdateMetadataClearsAndDeletes tests that pointers to "" clear
// fields and nil map values delete custom keys.
func (s *ReferenceTestSuite) TestUpdateMetadataClearsAndDeletes() {
	s.bucket.seed("a.txt", []byte("hi"), "text/plain")
	ref := s.storage.Ref("a.txt")

	_, err := ref.UpdateMetadata(s.ctx, MetadataUpdate{
		CustomMetadata: map[string]*string{
			"owner": Ptr("alice"),
			"plan":  Ptr("pro"),
		},
	})
	s.Require().NoError(err)

	meta, err := ref.UpdateMetadata(s.ctx, MetadataUpdate{
		ContentType: Ptr(""),
		CustomMetadata: map[string]*string{
			"plan": nil,
		},
	})
	s.Require().NoError(err)
	s.Equal("", meta.ContentType)
	s.Equal(map[string]string{"owner": "alice"}, meta.CustomMetadata)
	s.Equal(int64(3), meta.Metageneration)
}

// TestUpdateMetadataEmptyReadsBack tests that an update with nothing to
// change degrades to a plain metadata fetch.
func (s *ReferenceTestSuite) TestUpdateMetadataEmptyReadsBack() {
	s.bucket.seed("a.txt", []byte("hi"), "text/plain")

	meta, err := s.storage.Ref("a.txt").UpdateMetadata(s.ctx, MetadataUpdate{})
	s.Require().NoError(err)
	s.Equal("text/plain", meta.ContentType)
	s.Equal(int64(1), meta.Metageneration)
}

// TestUpdateMetadataNotFound tests updating a missing object.
func (s *ReferenceTestSuite) TestUpdateMetadataNotFound() {
	_, err := s.storage.Ref("missing.txt").UpdateMetadata(s.ctx, MetadataUpdate{
		ContentType: Ptr("text/plain"),
	})
	s.Require().Error(err)
	s.Equal(KindObjectNotFound, KindOf(err))
}

// TestDelete tests removing an object and deleting it twice.
func (s *ReferenceTestSuite) TestDelete() {
	s.bucket.seed("a.txt", []byte("hi"), "")
	ref := s.storage.Ref("a.txt")

	s.Require().NoError(ref.Delete(s.ctx))
	s.Nil(s.bucket.object("a.txt"))

	err := ref.Delete(s.ctx)
	s.Require().Error(err)
	s.Equal(KindObjectNotFound, KindOf(err))
}

// TestDownloadURL tests minting a download URL for a stored object.
func (s *ReferenceTestSuite) TestDownloadURL() {
	s.bucket.seed("docs/report.pdf", []byte("%PDF-1.7"), "application/pdf")

	url, err := s.storage.Ref("docs/report.pdf").DownloadURL(s.ctx)
	s.Require().NoError(err)
	s.Equal("https://dl.invalid/test-bucket/docs/report.pdf?token=mock-token", url)

	_, err = s.storage.Ref("missing.txt").DownloadURL(s.ctx)
	s.Require().Error(err)
	s.Equal(KindObjectNotFound, KindOf(err))
}

// TestRootOperationsRejected tests that object operations on the bucket
// root fail synchronously without touching the backend.
func (s *ReferenceTestSuite) TestRootOperationsRejected() {
	root := s.storage.Ref("")

	_, err := root.Metadata(s.ctx)
	s.Equal(KindInvalidArgument, KindOf(err))
	s.Contains(err.Error(), "bucket root")

	_, err = root.UpdateMetadata(s.ctx, MetadataUpdate{ContentType: Ptr("x")})
	s.Equal(KindInvalidArgument, KindOf(err))

	err = root.Delete(s.ctx)
	s.Equal(KindInvalidArgument, KindOf(err))

	_, err = root.DownloadURL(s.ctx)
	s.Equal(KindInvalidArgument, KindOf(err))

	task, err := root.Put(s.ctx, []byte("x"), nil)
	s.Nil(task)
	s.Equal(KindInvalidArgument, KindOf(err))

	task, err = root.GetFile(s.ctx, "out.txt")
	s.Nil(task)
	s.Equal(KindInvalidArgument, KindOf(err))

	s.Equal(0, s.bucket.attrsCalls)
}

// TestCrossBucketOperationsRejected tests that references into a foreign
// bucket can be navigated but not operated on.
func (s *ReferenceTestSuite) TestCrossBucketOperationsRejected() {
	ref, err := s.storage.RefFromURL("gs://other-bucket/file.txt")
	s.Require().NoError(err)
	s.Equal("other-bucket", ref.Bucket())
	s.Equal("file.txt", ref.FullPath())
	s.Equal("file.txt", ref.Child("").Name())

	_, err = ref.Metadata(s.ctx)
	s.Require().Error(err)
	s.Equal(KindInvalidArgument, KindOf(err))
	s.Contains(err.Error(), `"other-bucket" does not match module bucket "test-bucket"`)
	s.Equal(0, s.bucket.attrsCalls)
}

// TestUnboundReferenceRejected tests that a zero-value reference refuses
// operations.
func (s *ReferenceTestSuite) TestUnboundReferenceRejected() {
	var ref Reference

	_, err := ref.Metadata(s.ctx)
	s.Require().Error(err)
	s.Equal(KindInvalidArgument, KindOf(err))
	s.Contains(err.Error(), "not bound")
}

// TestReferenceTestSuite runs the test suite.
func TestReferenceTestSuite(t *testing.T) {
	suite.Run(t, new(ReferenceTestSuite))
}
