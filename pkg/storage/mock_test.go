package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storkit/pkg/backend"
)

// mockBucket implements backend.Bucket in memory with scripted failures, so
// transfer and retry paths can be driven deterministically.
type mockBucket struct {
	mu      sync.Mutex
	name    string
	objects map[string]*mockObject

	// Failure switches. Counters are consumed as the failures fire; when
	// permanent is false the scripted errors are marked transient.
	// failWriteAfter and failReadAfter hold the failures back until the
	// write buffer, or the absolute read offset, reaches that many bytes.
	failWrites     int
	failWriteAfter int
	failReads      int
	failReadAfter  int
	failCommits    int
	failAttrs      int
	failNewReader  int
	failNewWriter  int
	permanent      bool
	failCode       string

	// writeGate, when non-nil, is received from before each Write returns,
	// holding the transfer at a known point. Close it to let everything
	// through.
	writeGate chan struct{}

	attrsCalls    int
	writeCalls    int
	readerOffsets []int64
	aborts        int
}

type mockObject struct {
	data  []byte
	attrs backend.ObjectAttrs
}

func newMockBucket(name string) *mockBucket {
	return &mockBucket{
		name:    name,
		objects: make(map[string]*mockObject),
	}
}

// seed stores an object directly, bypassing the writer path.
func (b *mockBucket) seed(name string, data []byte, contentType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.objects[name] = &mockObject{
		data: append([]byte(nil), data...),
		attrs: backend.ObjectAttrs{
			Bucket:         b.name,
			Name:           name,
			Size:           int64(len(data)),
			ContentType:    contentType,
			Generation:     1,
			Metageneration: 1,
			Created:        now,
			Updated:        now,
		},
	}
}

func (b *mockBucket) object(name string) *mockObject {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[name]
}

func (b *mockBucket) writeCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeCalls
}

// scriptedErr builds the error a consumed failure switch produces. Callers
// hold mu.
func (b *mockBucket) scriptedErr(msg string) error {
	err := errors.New(msg)
	if b.failCode != "" {
		err = backend.WithCode(b.failCode, err)
	}
	if b.permanent {
		return err
	}
	return backend.MarkTransient(err)
}

func (b *mockBucket) Name() string {
	return b.name
}

func (b *mockBucket) Attrs(_ context.Context, name string) (*backend.ObjectAttrs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attrsCalls++
	if b.failAttrs > 0 {
		b.failAttrs--
		return nil, b.scriptedErr("attrs failed")
	}
	obj, ok := b.objects[name]
	if !ok {
		return nil, backend.ErrObjectNotFound
	}
	attrs := obj.attrs
	return &attrs, nil
}

func (b *mockBucket) Update(_ context.Context, name string, u backend.UpdateAttrs) (*backend.ObjectAttrs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[name]
	if !ok {
		return nil, backend.ErrObjectNotFound
	}

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&obj.attrs.CacheControl, u.CacheControl)
	apply(&obj.attrs.ContentDisposition, u.ContentDisposition)
	apply(&obj.attrs.ContentEncoding, u.ContentEncoding)
	apply(&obj.attrs.ContentLanguage, u.ContentLanguage)
	apply(&obj.attrs.ContentType, u.ContentType)
	if u.Metadata != nil {
		merged := make(map[string]string)
		for k, v := range obj.attrs.Metadata {
			merged[k] = v
		}
		for k, v := range u.Metadata {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = *v
		}
		obj.attrs.Metadata = merged
	}
	obj.attrs.Metageneration++
	obj.attrs.Updated = time.Now()

	attrs := obj.attrs
	return &attrs, nil
}

func (b *mockBucket) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[name]; !ok {
		return backend.ErrObjectNotFound
	}
	delete(b.objects, name)
	return nil
}

func (b *mockBucket) DownloadURL(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[name]; !ok {
		return "", backend.ErrObjectNotFound
	}
	return fmt.Sprintf("https://dl.invalid/%s/%s?token=mock-token", b.name, name), nil
}

func (b *mockBucket) NewReader(_ context.Context, name string, offset int64) (backend.Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readerOffsets = append(b.readerOffsets, offset)
	if b.failNewReader > 0 {
		b.failNewReader--
		return nil, b.scriptedErr("new reader failed")
	}
	obj, ok := b.objects[name]
	if !ok {
		return nil, backend.ErrObjectNotFound
	}
	if offset > int64(len(obj.data)) {
		offset = int64(len(obj.data))
	}
	return &mockReader{
		b:     b,
		data:  append([]byte(nil), obj.data[offset:]...),
		start: offset,
		size:  int64(len(obj.data)),
	}, nil
}

func (b *mockBucket) NewWriter(_ context.Context, name string, opts *backend.PutOptions) (backend.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNewWriter > 0 {
		b.failNewWriter--
		return nil, b.scriptedErr("new writer failed")
	}
	w := &mockWriter{b: b, name: name}
	if opts != nil {
		w.opts = *opts
	}
	return w, nil
}

func (b *mockBucket) Close() error {
	return nil
}

// mockReader streams a snapshot of the object taken at open time. A scripted
// read failure fires once the absolute object offset reaches failReadAfter,
// regardless of which reader carries it there.
type mockReader struct {
	b     *mockBucket
	data  []byte
	pos   int
	start int64
	size  int64
}

func (r *mockReader) Read(p []byte) (int, error) {
	r.b.mu.Lock()
	if r.b.failReads > 0 && r.start+int64(r.pos) >= int64(r.b.failReadAfter) {
		r.b.failReads--
		err := r.b.scriptedErr("read failed")
		r.b.mu.Unlock()
		return 0, err
	}
	r.b.mu.Unlock()

	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *mockReader) Close() error {
	return nil
}

func (r *mockReader) Size() int64 {
	return r.size
}

// mockWriter buffers writes and stores the object on Commit.
type mockWriter struct {
	b    *mockBucket
	name string
	opts backend.PutOptions
	buf  []byte
}

func (w *mockWriter) Write(p []byte) (int, error) {
	w.b.mu.Lock()
	w.b.writeCalls++
	if w.b.failWrites > 0 && len(w.buf) >= w.b.failWriteAfter {
		w.b.failWrites--
		err := w.b.scriptedErr("write failed")
		w.b.mu.Unlock()
		return 0, err
	}
	gate := w.b.writeGate
	w.b.mu.Unlock()

	w.buf = append(w.buf, p...)
	if gate != nil {
		<-gate
	}
	return len(p), nil
}

func (w *mockWriter) Commit() (*backend.ObjectAttrs, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if w.b.failCommits > 0 {
		w.b.failCommits--
		return nil, w.b.scriptedErr("commit failed")
	}

	gen := int64(1)
	if prev, ok := w.b.objects[w.name]; ok {
		gen = prev.attrs.Generation + 1
	}
	now := time.Now()
	obj := &mockObject{
		data: append([]byte(nil), w.buf...),
		attrs: backend.ObjectAttrs{
			Bucket:             w.b.name,
			Name:               w.name,
			Size:               int64(len(w.buf)),
			CacheControl:       w.opts.CacheControl,
			ContentDisposition: w.opts.ContentDisposition,
			ContentEncoding:    w.opts.ContentEncoding,
			ContentLanguage:    w.opts.ContentLanguage,
			ContentType:        w.opts.ContentType,
			Metadata:           w.opts.Metadata,
			Generation:         gen,
			Metageneration:     1,
			Created:            now,
			Updated:            now,
		},
	}
	w.b.objects[w.name] = obj
	attrs := obj.attrs
	return &attrs, nil
}

func (w *mockWriter) Abort() error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	w.b.aborts++
	w.buf = nil
	return nil
}

// newTestStorage builds a Storage over the mock with a small chunk size and
// a fast retry curve, so retry tests finish in milliseconds.
func newTestStorage(b *mockBucket, chunkSize int) *Storage {
	nop := zerolog.Nop()
	st, err := New(b, &Config{
		ChunkSize:            chunkSize,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		Logger:               &nop,
	})
	if err != nil {
		panic(err)
	}
	return st
}

// snapshotRecorder collects every snapshot an observer sees, in order.
type snapshotRecorder struct {
	mu        sync.Mutex
	snaps     []TaskSnapshot
	errs      []error
	completes []TaskSnapshot
}

func (r *snapshotRecorder) onNext(snap TaskSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *snapshotRecorder) onComplete(snap TaskSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, snap)
}

func (r *snapshotRecorder) snapshots() []TaskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskSnapshot(nil), r.snaps...)
}

func (r *snapshotRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *snapshotRecorder) completions() []TaskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskSnapshot(nil), r.completes...)
}

// states reduces the observed snapshots to their state sequence with
// consecutive duplicates collapsed.
func (r *snapshotRecorder) states() []TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TaskState
	for _, snap := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != snap.State {
			out = append(out, snap.State)
		}
	}
	return out
}
