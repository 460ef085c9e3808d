package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"storkit/pkg/backend"
)

// MetadataTestSuite tests the conversions between public metadata types
// and backend attributes.
type MetadataTestSuite struct {
	suite.Suite
}

// TestFromAttrs tests the backend-to-public conversion, including the
// base64 MD5 rendering.
func (s *MetadataTestSuite) TestFromAttrs() {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	updated := created.Add(time.Hour)
	meta := metadataFromAttrs(&backend.ObjectAttrs{
		Bucket:         "b",
		Name:           "a/b.txt",
		Size:           11,
		MD5:            []byte("0123456789abcdef"),
		Generation:     3,
		Metageneration: 2,
		Created:        created,
		Updated:        updated,
		CacheControl:   "no-cache",
		ContentType:    "text/plain",
		Metadata:       map[string]string{"owner": "alice"},
	})

	s.Equal("b", meta.Bucket)
	s.Equal("a/b.txt", meta.Name)
	s.Equal(int64(11), meta.Size)
	s.Equal("MDEyMzQ1Njc4OWFiY2RlZg==", meta.MD5Hash)
	s.Equal(int64(3), meta.Generation)
	s.Equal(int64(2), meta.Metageneration)
	s.Equal(created, meta.TimeCreated)
	s.Equal(updated, meta.Updated)
	s.Equal("no-cache", meta.CacheControl)
	s.Equal("text/plain", meta.ContentType)
	s.Equal(map[string]string{"owner": "alice"}, meta.CustomMetadata)

	s.Nil(metadataFromAttrs(nil))
	s.Equal("", metadataFromAttrs(&backend.ObjectAttrs{}).MD5Hash)
}

// TestFromAttrsCopiesCustomMetadata tests that the conversion does not
// alias the backend's map.
func (s *MetadataTestSuite) TestFromAttrsCopiesCustomMetadata() {
	attrs := &backend.ObjectAttrs{Metadata: map[string]string{"k": "v"}}
	meta := metadataFromAttrs(attrs)
	attrs.Metadata["k"] = "changed"
	s.Equal("v", meta.CustomMetadata["k"])
}

// TestJSONShape tests the wire rendering: numeric counters as strings,
// empty fields omitted.
func (s *MetadataTestSuite) TestJSONShape() {
	meta := &Metadata{
		Bucket:         "b",
		Name:           "a.txt",
		Size:           5,
		Generation:     1,
		Metageneration: 1,
	}
	raw, err := json.Marshal(meta)
	s.Require().NoError(err)

	var decoded map[string]interface{}
	s.Require().NoError(json.Unmarshal(raw, &decoded))
	s.Equal("5", decoded["size"])
	s.Equal("1", decoded["generation"])
	s.Equal("1", decoded["metageneration"])
	s.NotContains(decoded, "contentType")
	s.NotContains(decoded, "md5Hash")
	s.NotContains(decoded, "metadata")
}

// TestPutOptions tests mapping settable metadata onto put options,
// including the nil receiver.
func (s *MetadataTestSuite) TestPutOptions() {
	var none *SettableMetadata
	s.Equal(&backend.PutOptions{}, none.putOptions())

	meta := &SettableMetadata{
		CacheControl:       "no-store",
		ContentDisposition: `attachment; filename="a.txt"`,
		ContentEncoding:    "gzip",
		ContentLanguage:    "en",
		ContentType:        "text/plain",
		CustomMetadata:     map[string]string{"owner": "alice"},
	}
	opts := meta.putOptions()
	s.Equal("no-store", opts.CacheControl)
	s.Equal(`attachment; filename="a.txt"`, opts.ContentDisposition)
	s.Equal("gzip", opts.ContentEncoding)
	s.Equal("en", opts.ContentLanguage)
	s.Equal("text/plain", opts.ContentType)
	s.Equal(map[string]string{"owner": "alice"}, opts.Metadata)

	// The options own their map.
	meta.CustomMetadata["owner"] = "bob"
	s.Equal("alice", opts.Metadata["owner"])
}

// TestUpdateAttrs tests that update pointers pass through untouched and
// the custom metadata map is copied.
func (s *MetadataTestSuite) TestUpdateAttrs() {
	u := MetadataUpdate{
		ContentType:     Ptr("image/png"),
		ContentLanguage: Ptr(""),
		CustomMetadata: map[string]*string{
			"keep":   Ptr("yes"),
			"remove": nil,
		},
	}
	attrs := u.updateAttrs()

	s.Nil(attrs.CacheControl)
	s.Nil(attrs.ContentDisposition)
	s.Nil(attrs.ContentEncoding)
	s.Require().NotNil(attrs.ContentType)
	s.Equal("image/png", *attrs.ContentType)
	s.Require().NotNil(attrs.ContentLanguage)
	s.Equal("", *attrs.ContentLanguage)
	s.Require().NotNil(attrs.Metadata)
	s.Equal("yes", *attrs.Metadata["keep"])
	s.Nil(attrs.Metadata["remove"])

	u.CustomMetadata["keep"] = Ptr("no")
	s.Equal("yes", *attrs.Metadata["keep"])
}

// TestEmpty tests the empty-update detection backing the read-back path.
func (s *MetadataTestSuite) TestEmpty() {
	s.True(MetadataUpdate{}.empty())
	s.False(MetadataUpdate{ContentType: Ptr("")}.empty())
	s.False(MetadataUpdate{CustomMetadata: map[string]*string{}}.empty())
}

// TestPtr tests the pointer helper.
func (s *MetadataTestSuite) TestPtr() {
	p := Ptr("x")
	s.Require().NotNil(p)
	s.Equal("x", *p)
	s.NotSame(p, Ptr("x"))
}

// TestMetadataTestSuite runs the test suite.
func TestMetadataTestSuite(t *testing.T) {
	suite.Run(t, new(MetadataTestSuite))
}
