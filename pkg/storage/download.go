package storage

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/cenkalti/backoff/v4"

	"storkit/pkg/backend"
)

// GetFile starts downloading the referenced object into the named local
// file and returns the running task. The destination is created or
// truncated; on failure or cancellation any partial file is removed.
func (r Reference) GetFile(ctx context.Context, dest string) (*Task, error) {
	if err := r.checkObjectOp(); err != nil {
		return nil, err
	}
	if dest == "" {
		return nil, argErrorf("empty download destination path")
	}
	t := newTask(r.storage, r, DirectionDownload, -1, r.storage.MaxDownloadRetryTime())
	go t.watchContext(ctx)
	go t.runDownload(ctx, dest)
	return t, nil
}

// runDownload drives download attempts until one finishes, the failure is
// permanent, the retry budget runs out, or the task is cancelled. Unlike
// uploads, retried downloads resume at the byte offset already written, so
// delivered bytes are never fetched twice.
func (t *Task) runDownload(ctx context.Context, dest string) {
	op := "download of " + t.ref.String()
	bo := t.newBackOff()
	var offset int64
	for attempt := 1; ; attempt++ {
		err := t.downloadAttempt(ctx, dest, &offset, bo)
		switch {
		case err == nil:
			return
		case errors.Is(err, errCancelRequested):
			t.removePartial(dest)
			t.finishCancelled()
			return
		case !backend.IsTransient(err):
			t.removePartial(dest)
			t.fail(wrapBackendError(err, op))
			return
		}

		if t.budget <= 0 {
			t.removePartial(dest)
			t.fail(retryLimitError(err, op))
			return
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			t.removePartial(dest)
			t.fail(retryLimitError(err, op))
			return
		}
		t.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", next).Msg("transient download failure, retrying")
		if !t.sleep(next) {
			t.removePartial(dest)
			t.finishCancelled()
			return
		}
	}
}

// downloadAttempt streams the object into the destination file starting at
// *offset, advancing it as chunks land so the next attempt resumes where
// this one stopped. On success it completes the task itself.
func (t *Task) downloadAttempt(ctx context.Context, dest string, offset *int64, bo *backoff.ExponentialBackOff) error {
	if err := t.checkpoint(); err != nil {
		return err
	}

	rd, err := t.bucket.NewReader(ctx, t.ref.path, *offset)
	if err != nil {
		return err
	}
	defer rd.Close()
	if size := rd.Size(); size >= 0 {
		t.setTotal(size)
	}

	f, err := openDest(dest, *offset)
	if err != nil {
		return err
	}

	buf := make([]byte, t.chunkSize)
	for {
		if err := t.checkpoint(); err != nil {
			f.Close()
			return err
		}
		n, rerr := rd.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return werr
			}
			*offset += int64(n)
			t.setProgress(*offset)
			bo.Reset()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return rerr
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	attrs, err := t.bucket.Attrs(ctx, t.ref.path)
	if err != nil {
		// The bytes are on disk; finish without metadata rather than
		// retrying a transfer that already happened.
		t.logger.Debug().Err(err).Msg("object metadata unavailable after download")
		t.complete(nil)
		return nil
	}
	t.complete(metadataFromAttrs(attrs))
	return nil
}

// openDest opens the destination for the current attempt: truncate on a
// fresh start, append when resuming.
func openDest(path string, offset int64) (*os.File, error) {
	if offset == 0 {
		return os.Create(path)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
}

// removePartial deletes a half-written destination file.
func (t *Task) removePartial(dest string) {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		t.logger.Debug().Err(err).Str("path", dest).Msg("could not remove partial download")
	}
}
