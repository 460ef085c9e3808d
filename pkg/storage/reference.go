package storage

import (
	"context"
	"strings"
)

// Reference points at an object location: a bucket plus a slash-separated
// path inside it. References are cheap values; building one performs no
// backend calls and never fails, even for locations that do not exist.
type Reference struct {
	storage *Storage
	bucket  string
	path    string
}

// Bucket returns the bucket the reference points into.
func (r Reference) Bucket() string {
	return r.bucket
}

// FullPath returns the normalized object path. The bucket root is "".
func (r Reference) FullPath() string {
	return r.path
}

// Name returns the final path segment, or "" at the root.
func (r Reference) Name() string {
	if r.path == "" {
		return ""
	}
	if i := strings.LastIndexByte(r.path, '/'); i >= 0 {
		return r.path[i+1:]
	}
	return r.path
}

// IsRoot reports whether the reference points at the bucket root.
func (r Reference) IsRoot() bool {
	return r.path == ""
}

// String renders the canonical gs:// form of the location.
func (r Reference) String() string {
	if r.path == "" {
		return "gs://" + r.bucket
	}
	return "gs://" + r.bucket + "/" + r.path
}

// Child returns a reference to sub below r. The segment is normalized the
// same way paths are on entry, so "a//b/" and "/a/b" address the same child.
func (r Reference) Child(sub string) Reference {
	sub = normalizePath(sub)
	if sub == "" {
		return r
	}
	child := r
	if r.path == "" {
		child.path = sub
	} else {
		child.path = r.path + "/" + sub
	}
	return child
}

// Parent returns the reference one level up and true, or r itself and false
// when r is already the root.
func (r Reference) Parent() (Reference, bool) {
	if r.path == "" {
		return r, false
	}
	parent := r
	if i := strings.LastIndexByte(r.path, '/'); i >= 0 {
		parent.path = r.path[:i]
	} else {
		parent.path = ""
	}
	return parent, true
}

// Root returns the bucket root reference.
func (r Reference) Root() Reference {
	root := r
	root.path = ""
	return root
}

// Metadata fetches the object's full metadata.
func (r Reference) Metadata(ctx context.Context) (*Metadata, error) {
	if err := r.checkObjectOp(); err != nil {
		return nil, err
	}
	var meta *Metadata
	err := r.storage.withOpRetry(ctx, func() error {
		attrs, err := r.storage.bucket.Attrs(ctx, r.path)
		if err != nil {
			return err
		}
		meta = metadataFromAttrs(attrs)
		return nil
	})
	if err != nil {
		return nil, wrapBackendError(err, "get metadata of "+r.String())
	}
	return meta, nil
}

// UpdateMetadata applies a partial metadata update and returns the resulting
// full metadata. Nil fields in u are left untouched, pointers to "" clear
// the field, and nil-valued CustomMetadata entries delete the key.
func (r Reference) UpdateMetadata(ctx context.Context, u MetadataUpdate) (*Metadata, error) {
	if err := r.checkObjectOp(); err != nil {
		return nil, err
	}
	if u.empty() {
		return r.Metadata(ctx)
	}
	var meta *Metadata
	err := r.storage.withOpRetry(ctx, func() error {
		attrs, err := r.storage.bucket.Update(ctx, r.path, u.updateAttrs())
		if err != nil {
			return err
		}
		meta = metadataFromAttrs(attrs)
		return nil
	})
	if err != nil {
		return nil, wrapBackendError(err, "update metadata of "+r.String())
	}
	return meta, nil
}

// Delete removes the object.
func (r Reference) Delete(ctx context.Context) error {
	if err := r.checkObjectOp(); err != nil {
		return err
	}
	err := r.storage.withOpRetry(ctx, func() error {
		return r.storage.bucket.Delete(ctx, r.path)
	})
	if err != nil {
		return wrapBackendError(err, "delete "+r.String())
	}
	return nil
}

// DownloadURL returns a URL from which the object can be fetched over plain
// HTTP without further credentials.
func (r Reference) DownloadURL(ctx context.Context) (string, error) {
	if err := r.checkObjectOp(); err != nil {
		return "", err
	}
	var url string
	err := r.storage.withOpRetry(ctx, func() error {
		var err error
		url, err = r.storage.bucket.DownloadURL(ctx, r.path)
		return err
	})
	if err != nil {
		return "", wrapBackendError(err, "get download URL of "+r.String())
	}
	return url, nil
}

// checkObjectOp rejects object operations on references that cannot name an
// object: the bucket root, or a reference into a bucket other than the one
// the module is bound to. Both fail synchronously without touching the
// backend.
func (r Reference) checkObjectOp() error {
	if r.storage == nil {
		return argErrorf("reference is not bound to a storage module")
	}
	if r.bucket != r.storage.bucketName {
		return argErrorf("reference bucket %q does not match module bucket %q", r.bucket, r.storage.bucketName)
	}
	if r.path == "" {
		return argErrorf("operation requires an object path, got the bucket root")
	}
	return nil
}

// normalizePath collapses repeated slashes and strips leading and trailing
// ones, so every distinct location has exactly one normalized spelling.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	out := segs[:0]
	for _, s := range segs {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}
