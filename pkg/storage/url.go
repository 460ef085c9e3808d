package storage

import (
	"net/url"
	"regexp"
	"strings"
)

// objectURLPath matches the object endpoint path of an HTTP storage URL:
// /v<N>/b/<bucket>/o/<escaped object path>. The object part is optional so
// bucket-root URLs resolve too.
var objectURLPath = regexp.MustCompile(`^/v\d+/b/([^/]+)/o(?:/(.*))?$`)

// parseStorageURL resolves either URL form a reference can be rendered as:
//
//	gs://bucket/path/to/object
//	https://host/v0/b/bucket/o/path%2Fto%2Fobject?alt=media&token=...
//
// It returns the bucket and the decoded, normalized object path.
func parseStorageURL(raw string) (bucket, path string, err error) {
	if raw == "" {
		return "", "", argErrorf("empty storage URL")
	}

	if rest, ok := strings.CutPrefix(raw, "gs://"); ok {
		bucket, path, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return "", "", argErrorf("gs URL %q has no bucket", raw)
		}
		return bucket, normalizePath(path), nil
	}

	u, perr := url.Parse(raw)
	if perr != nil {
		return "", "", argErrorf("malformed storage URL %q: %v", raw, perr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", argErrorf("unsupported storage URL scheme %q", u.Scheme)
	}

	m := objectURLPath.FindStringSubmatch(u.EscapedPath())
	if m == nil {
		return "", "", argErrorf("URL %q is not an object URL (want /v0/b/<bucket>/o/<path>)", raw)
	}

	bucket, err = unescapeSegment(m[1])
	if err != nil {
		return "", "", argErrorf("bad bucket in URL %q: %v", raw, err)
	}
	path, err = unescapeSegment(m[2])
	if err != nil {
		return "", "", argErrorf("bad object path in URL %q: %v", raw, err)
	}
	return bucket, normalizePath(path), nil
}

// unescapeSegment undoes percent-encoding, including the %2F separators
// object paths are flattened with inside HTTP URLs.
func unescapeSegment(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return url.PathUnescape(s)
}
