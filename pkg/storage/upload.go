package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"storkit/pkg/backend"
)

// defaultDataURLContentType is applied to data URL uploads whose header
// carries no media type and whose caller set none either.
const defaultDataURLContentType = "application/octet-stream"

// uploadSource hands out a fresh reader per upload attempt. Retried uploads
// restart from the beginning, so the source must be re-openable.
type uploadSource struct {
	open func() (io.ReadCloser, error)
	size int64
}

func bytesSource(data []byte) uploadSource {
	return uploadSource{
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
		size: int64(len(data)),
	}
}

func fileSource(path string) (uploadSource, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return uploadSource{}, err
	}
	if fi.IsDir() {
		return uploadSource{}, fmt.Errorf("%s is a directory", path)
	}
	return uploadSource{
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
		size: fi.Size(),
	}, nil
}

// Put starts uploading data to the referenced location and returns the
// running task. Metadata may be nil.
func (r Reference) Put(ctx context.Context, data []byte, meta *SettableMetadata) (*Task, error) {
	return r.startUpload(ctx, bytesSource(data), meta.putOptions())
}

// PutFile starts uploading the named local file. The file is reopened for
// each retry attempt, so it must stay readable until the task terminates.
func (r Reference) PutFile(ctx context.Context, path string, meta *SettableMetadata) (*Task, error) {
	src, err := fileSource(path)
	if err != nil {
		return nil, argErrorf("cannot upload %s: %v", path, err)
	}
	return r.startUpload(ctx, src, meta.putOptions())
}

// PutString decodes value according to format and uploads the result. A
// data URL's media type becomes the object content type unless meta already
// names one; a data URL without a media type falls back to
// application/octet-stream. Decoding failures are argument errors and
// surface here, before any task exists.
func (r Reference) PutString(ctx context.Context, value string, format StringFormat, meta *SettableMetadata) (*Task, error) {
	data, impliedType, err := decodeString(value, format)
	if err != nil {
		return nil, err
	}
	opts := meta.putOptions()
	if opts.ContentType == "" {
		switch {
		case impliedType != "":
			opts.ContentType = impliedType
		case format == StringDataURL:
			opts.ContentType = defaultDataURLContentType
		}
	}
	return r.startUpload(ctx, bytesSource(data), opts)
}

// startUpload validates the reference, creates the task and starts the
// transfer goroutine.
func (r Reference) startUpload(ctx context.Context, src uploadSource, opts *backend.PutOptions) (*Task, error) {
	if err := r.checkObjectOp(); err != nil {
		return nil, err
	}
	t := newTask(r.storage, r, DirectionUpload, src.size, r.storage.MaxUploadRetryTime())
	go t.watchContext(ctx)
	go t.runUpload(ctx, src, opts)
	return t, nil
}

// runUpload drives upload attempts until one succeeds, the failure is
// permanent, the retry budget runs out, or the task is cancelled. Each
// retry restarts from byte zero; the budget is measured from the last
// successful chunk, so steady progress keeps a slow transfer alive.
func (t *Task) runUpload(ctx context.Context, src uploadSource, opts *backend.PutOptions) {
	op := "upload to " + t.ref.String()
	bo := t.newBackOff()
	for attempt := 1; ; attempt++ {
		err := t.uploadAttempt(ctx, src, opts, bo)
		switch {
		case err == nil:
			return
		case errors.Is(err, errCancelRequested):
			t.finishCancelled()
			return
		case !backend.IsTransient(err):
			t.fail(wrapBackendError(err, op))
			return
		}

		if t.budget <= 0 {
			t.fail(retryLimitError(err, op))
			return
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			t.fail(retryLimitError(err, op))
			return
		}
		t.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", next).Msg("transient upload failure, retrying")
		if !t.sleep(next) {
			t.finishCancelled()
			return
		}
		t.setProgress(0)
	}
}

// uploadAttempt streams the source into a fresh backend writer, one chunk
// at a time with a checkpoint between chunks. On success it completes the
// task itself; any returned error describes a failed or interrupted attempt.
func (t *Task) uploadAttempt(ctx context.Context, src uploadSource, opts *backend.PutOptions, bo *backoff.ExponentialBackOff) error {
	if err := t.checkpoint(); err != nil {
		return err
	}

	r, err := src.open()
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := t.bucket.NewWriter(ctx, t.ref.path, opts)
	if err != nil {
		return err
	}

	var written int64
	buf := make([]byte, t.chunkSize)
	for {
		if err := t.checkpoint(); err != nil {
			_ = w.Abort()
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_ = w.Abort()
				return werr
			}
			written += int64(n)
			t.setProgress(written)
			bo.Reset()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = w.Abort()
			return rerr
		}
	}

	if err := t.checkpoint(); err != nil {
		_ = w.Abort()
		return err
	}
	attrs, err := w.Commit()
	if err != nil {
		return err
	}
	t.complete(metadataFromAttrs(attrs))
	return nil
}

// newBackOff builds the retry curve for this task. MaxElapsedTime bounds
// time since the last Reset, and the transfer loops reset on every chunk
// that lands, so the budget measures time without progress rather than
// total transfer time.
func (t *Task) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.retryInitial
	bo.MaxInterval = t.retryMax
	bo.MaxElapsedTime = t.budget
	bo.Reset()
	return bo
}

// sleep waits out a retry backoff. It returns false when cancellation
// arrived instead of the timer.
func (t *Task) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.cancelCh:
		return false
	}
}
