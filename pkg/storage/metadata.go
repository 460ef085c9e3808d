package storage

import (
	"encoding/base64"
	"time"

	"storkit/pkg/backend"
)

// SettableMetadata holds the writable subset of object metadata supplied
// alongside an upload. Empty string fields are simply not set.
type SettableMetadata struct {
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	ContentLanguage    string
	ContentType        string
	CustomMetadata     map[string]string
}

// Metadata is the full server-side record of an object: the settable fields
// plus everything the backend maintains on its own. Generation changes when
// the object content is overwritten; Metageneration changes when metadata is
// updated in place and resets to 1 on each new generation.
type Metadata struct {
	Bucket         string    `json:"bucket"`
	Name           string    `json:"name"`
	Size           int64     `json:"size,string"`
	MD5Hash        string    `json:"md5Hash,omitempty"`
	Generation     int64     `json:"generation,string"`
	Metageneration int64     `json:"metageneration,string"`
	TimeCreated    time.Time `json:"timeCreated"`
	Updated        time.Time `json:"updated"`

	CacheControl       string            `json:"cacheControl,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	ContentLanguage    string            `json:"contentLanguage,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	CustomMetadata     map[string]string `json:"metadata,omitempty"`
}

// MetadataUpdate describes a partial metadata update. Nil fields are left
// untouched; pointers to the empty string clear the field. CustomMetadata
// entries with nil values delete the key, and a nil CustomMetadata map
// leaves custom metadata alone entirely.
type MetadataUpdate struct {
	CacheControl       *string
	ContentDisposition *string
	ContentEncoding    *string
	ContentLanguage    *string
	ContentType        *string
	CustomMetadata     map[string]*string
}

// Ptr returns a pointer to v, for building MetadataUpdate values inline.
func Ptr[T any](v T) *T {
	return &v
}

// metadataFromAttrs converts backend attributes into the public form.
func metadataFromAttrs(a *backend.ObjectAttrs) *Metadata {
	if a == nil {
		return nil
	}
	return &Metadata{
		Bucket:             a.Bucket,
		Name:               a.Name,
		Size:               a.Size,
		MD5Hash:            encodeMD5(a.MD5),
		Generation:         a.Generation,
		Metageneration:     a.Metageneration,
		TimeCreated:        a.Created,
		Updated:            a.Updated,
		CacheControl:       a.CacheControl,
		ContentDisposition: a.ContentDisposition,
		ContentEncoding:    a.ContentEncoding,
		ContentLanguage:    a.ContentLanguage,
		ContentType:        a.ContentType,
		CustomMetadata:     copyStringMap(a.Metadata),
	}
}

// putOptions converts settable metadata into backend put options. A nil
// receiver yields empty options.
func (m *SettableMetadata) putOptions() *backend.PutOptions {
	if m == nil {
		return &backend.PutOptions{}
	}
	return &backend.PutOptions{
		CacheControl:       m.CacheControl,
		ContentDisposition: m.ContentDisposition,
		ContentEncoding:    m.ContentEncoding,
		ContentLanguage:    m.ContentLanguage,
		ContentType:        m.ContentType,
		Metadata:           copyStringMap(m.CustomMetadata),
	}
}

// updateAttrs converts a public update into the backend form.
func (u MetadataUpdate) updateAttrs() backend.UpdateAttrs {
	out := backend.UpdateAttrs{
		CacheControl:       u.CacheControl,
		ContentDisposition: u.ContentDisposition,
		ContentEncoding:    u.ContentEncoding,
		ContentLanguage:    u.ContentLanguage,
		ContentType:        u.ContentType,
	}
	if u.CustomMetadata != nil {
		out.Metadata = make(map[string]*string, len(u.CustomMetadata))
		for k, v := range u.CustomMetadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// empty reports whether the update would change nothing.
func (u MetadataUpdate) empty() bool {
	return u.CacheControl == nil &&
		u.ContentDisposition == nil &&
		u.ContentEncoding == nil &&
		u.ContentLanguage == nil &&
		u.ContentType == nil &&
		u.CustomMetadata == nil
}

// encodeMD5 renders an MD5 digest the way object stores report it, as
// standard base64. Empty input yields an empty string.
func encodeMD5(sum []byte) string {
	if len(sum) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(sum)
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
