package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storkit/pkg/backend"
)

// TaskState is the lifecycle state of a transfer task.
type TaskState int

const (
	// TaskRunning means the transfer is actively moving bytes, including
	// while it waits out a retry backoff.
	TaskRunning TaskState = iota

	// TaskPaused means progress is suspended until Resume or Cancel.
	TaskPaused

	// TaskSuccess means the transfer finished and its result is final.
	TaskSuccess

	// TaskCancelled means the transfer was stopped by request.
	TaskCancelled

	// TaskError means the transfer failed and will not continue.
	TaskError
)

// String returns the state's wire name.
func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskPaused:
		return "paused"
	case TaskSuccess:
		return "success"
	case TaskCancelled:
		return "cancelled"
	case TaskError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskCancelled || s == TaskError
}

// TaskDirection distinguishes uploads from downloads.
type TaskDirection int

const (
	DirectionUpload TaskDirection = iota
	DirectionDownload
)

// String returns the direction's wire name.
func (d TaskDirection) String() string {
	if d == DirectionDownload {
		return "download"
	}
	return "upload"
}

// TaskEvent names an observable event stream of a task.
type TaskEvent string

// TaskEventStateChanged is the only event stream a task emits: one snapshot
// per state transition and per progress step.
const TaskEventStateChanged TaskEvent = "state_changed"

// TaskSnapshot is an immutable view of a task at one point in its life.
// Snapshots observed through a single subscription arrive in the order the
// transitions happened.
type TaskSnapshot struct {
	// Task is the task this snapshot describes.
	Task *Task

	// Ref is the object location being transferred.
	Ref Reference

	// State is the task state at snapshot time.
	State TaskState

	// BytesTransferred counts bytes moved so far. It can restart from zero
	// when an upload attempt is retried from the beginning.
	BytesTransferred int64

	// TotalBytes is the expected total, or -1 while unknown.
	TotalBytes int64

	// Metadata is the resulting object metadata. It is set once the
	// transfer succeeded and nil before that.
	Metadata *Metadata

	// Err is set on terminal failure snapshots: a *Error for the error
	// state, ErrCancelled for the cancelled state, nil otherwise.
	Err error
}

// taskObserver is one subscription to a task's event stream. ready flips
// once its subscribe-time replay has been delivered; broadcasts queued
// before that moment skip the observer, so the first snapshot it sees is
// the state it subscribed under.
type taskObserver struct {
	onNext     func(TaskSnapshot)
	onError    func(error)
	onComplete func(TaskSnapshot)
	removed    bool
	ready      bool
}

// delivery is one queued snapshot. to narrows it to a single observer,
// used to replay the current state to a new subscriber; nil broadcasts.
type delivery struct {
	snap TaskSnapshot
	to   *taskObserver
}

// errCancelRequested is the engine-internal signal that a checkpoint saw a
// pending cancellation.
var errCancelRequested = errors.New("cancel requested")

// Task is a transfer in flight. It is created in the running state by Put,
// PutFile, PutString or GetFile and moves bytes on its own goroutine;
// callers observe it through On, Wait or Done and steer it with Pause,
// Resume and Cancel. All methods are safe for concurrent use.
type Task struct {
	ref          Reference
	bucket       backend.Bucket
	direction    TaskDirection
	budget       time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	chunkSize    int
	logger       zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	state TaskState
	bytes int64
	total int64
	meta  *Metadata
	terr  error

	cancelRequested bool
	observers       []*taskObserver
	queue           []delivery
	terminalSent    bool

	wake     chan struct{}
	cancelCh chan struct{}
	done     chan struct{}
}

// newTask builds a running task and starts its delivery goroutine. The
// transfer goroutine itself is started by the caller.
func newTask(s *Storage, ref Reference, dir TaskDirection, total int64, budget time.Duration) *Task {
	t := &Task{
		ref:          ref,
		bucket:       s.bucket,
		direction:    dir,
		budget:       budget,
		retryInitial: s.retryInitial,
		retryMax:     s.retryMax,
		chunkSize:    s.chunkSize,
		logger:       s.logger.With().Str("object", ref.String()).Str("direction", dir.String()).Logger(),
		state:        TaskRunning,
		total:        total,
		wake:         make(chan struct{}, 1),
		cancelCh:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.dispatch()
	return t
}

// Ref returns the object location the task transfers to or from.
func (t *Task) Ref() Reference {
	return t.ref
}

// Direction reports whether the task uploads or downloads.
func (t *Task) Direction() TaskDirection {
	return t.direction
}

// State returns the current task state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns the current state of the task as a snapshot.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Err returns nil while the task is live or succeeded, the task's *Error
// after a terminal failure, or ErrCancelled after cancellation.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terr
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task terminates or ctx expires. On success it
// returns the final snapshot and nil; on failure or cancellation it returns
// the final snapshot and the same error the last snapshot carries, so the
// awaited result and the event stream always agree.
func (t *Task) Wait(ctx context.Context) (TaskSnapshot, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(), t.terr
}

// Pause requests the running -> paused transition. It returns true and emits
// a paused snapshot only when the transition applied; pausing a task that is
// not running, or one with a pending cancellation, returns false and emits
// nothing. The transfer stops pulling bytes at its next checkpoint.
func (t *Task) Pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskRunning || t.cancelRequested {
		return false
	}
	t.state = TaskPaused
	t.enqueueLocked(delivery{snap: t.snapshotLocked()})
	return true
}

// Resume requests the paused -> running transition. It returns true and
// emits a running snapshot only when the transition applied.
func (t *Task) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskPaused || t.cancelRequested {
		return false
	}
	t.state = TaskRunning
	t.enqueueLocked(delivery{snap: t.snapshotLocked()})
	t.cond.Broadcast()
	return true
}

// Cancel requests termination from the running or paused state. The first
// call on a live task returns true; the cancelled snapshot arrives
// asynchronously once the transfer reaches its next checkpoint. Later calls
// and calls on a finished task return false and change nothing.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() || t.cancelRequested {
		return false
	}
	t.cancelRequested = true
	close(t.cancelCh)
	t.cond.Broadcast()
	return true
}

// On subscribes to one of the task's event streams; the only stream is
// TaskEventStateChanged. The new observer immediately receives a snapshot of
// the current state, then one snapshot per transition. On terminal delivery
// onNext fires first, then exactly one of onError (error and cancelled
// states) or onComplete (success). Any callback may be nil. The returned
// function detaches the observer and is safe to call more than once.
func (t *Task) On(event TaskEvent, onNext func(TaskSnapshot), onError func(error), onComplete func(TaskSnapshot)) (func(), error) {
	if event != TaskEventStateChanged {
		return nil, argErrorf("unknown task event %q", event)
	}

	t.mu.Lock()
	ob := &taskObserver{
		onNext:     onNext,
		onError:    onError,
		onComplete: onComplete,
	}

	if t.terminalSent {
		// The dispatcher is gone or on its way out. Replay the terminal
		// state directly, preserving the callback order of a live pass.
		snap := t.snapshotLocked()
		t.mu.Unlock()
		go deliverTo(ob, snap)
		return func() {}, nil
	}

	t.observers = append(t.observers, ob)
	t.enqueueLocked(delivery{snap: t.snapshotLocked(), to: ob})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		ob.removed = true
		t.mu.Unlock()
	}, nil
}

// snapshotLocked builds a snapshot of the current state. Callers hold mu.
func (t *Task) snapshotLocked() TaskSnapshot {
	return TaskSnapshot{
		Task:             t,
		Ref:              t.ref,
		State:            t.state,
		BytesTransferred: t.bytes,
		TotalBytes:       t.total,
		Metadata:         t.meta,
		Err:              t.terr,
	}
}

// enqueueLocked appends a delivery and nudges the dispatcher. Callers hold mu.
func (t *Task) enqueueLocked(d delivery) {
	t.queue = append(t.queue, d)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// dispatch drains the delivery queue in order on its own goroutine, so
// observer callbacks never run under the task lock and never interleave.
// The observer list for each pass is fixed when the pass starts; detaching
// mid-pass affects later passes only. It exits once the terminal snapshot
// and any queued subscriber replays are out.
func (t *Task) dispatch() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 {
			if t.terminalSent {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			<-t.wake
			t.mu.Lock()
		}
		d := t.queue[0]
		t.queue = t.queue[1:]

		var pass []*taskObserver
		if d.to != nil {
			if !d.to.removed {
				d.to.ready = true
				pass = append(pass, d.to)
			}
		} else {
			live := t.observers[:0]
			for _, ob := range t.observers {
				if ob.removed {
					continue
				}
				live = append(live, ob)
				if ob.ready {
					pass = append(pass, ob)
				}
			}
			t.observers = live
			if d.snap.State.Terminal() {
				t.terminalSent = true
			}
		}
		t.mu.Unlock()

		for _, ob := range pass {
			deliverTo(ob, d.snap)
		}
	}
}

// deliverTo runs one observer's callbacks for one snapshot: onNext always,
// then the terminal callback when the snapshot is terminal.
func deliverTo(ob *taskObserver, snap TaskSnapshot) {
	if ob.onNext != nil {
		ob.onNext(snap)
	}
	if !snap.State.Terminal() {
		return
	}
	if snap.State == TaskSuccess {
		if ob.onComplete != nil {
			ob.onComplete(snap)
		}
		return
	}
	if ob.onError != nil {
		ob.onError(snap.Err)
	}
}

// checkpoint is called by the transfer goroutine between chunks. It blocks
// while the task is paused, returns errCancelRequested once cancellation is
// pending, and returns nil when the transfer should keep going.
func (t *Task) checkpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.cancelRequested {
			return errCancelRequested
		}
		if t.state != TaskPaused {
			return nil
		}
		t.cond.Wait()
	}
}

// watchContext folds context expiry into the cancellation path, so a dead
// context stops the transfer at its next checkpoint like Cancel does.
func (t *Task) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		t.Cancel()
	case <-t.done:
	}
}

// setProgress records bytes moved so far and emits a running snapshot. No
// snapshot is emitted while paused; the next resume snapshot carries the
// updated count.
func (t *Task) setProgress(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes = n
	if t.state == TaskRunning {
		t.enqueueLocked(delivery{snap: t.snapshotLocked()})
	}
}

// setTotal records the expected byte total once known.
func (t *Task) setTotal(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = n
}

// complete moves the task to success and publishes the final snapshot.
func (t *Task) complete(meta *Metadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = TaskSuccess
	t.meta = meta
	if t.total < 0 {
		t.total = t.bytes
	}
	t.enqueueLocked(delivery{snap: t.snapshotLocked()})
	close(t.done)
}

// fail moves the task to the error state and publishes the final snapshot.
func (t *Task) fail(e *Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = TaskError
	t.terr = e
	t.enqueueLocked(delivery{snap: t.snapshotLocked()})
	close(t.done)
}

// finishCancelled moves the task to cancelled and publishes the final
// snapshot. The future form rejects with ErrCancelled.
func (t *Task) finishCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = TaskCancelled
	t.terr = ErrCancelled
	t.enqueueLocked(delivery{snap: t.snapshotLocked()})
	close(t.done)
}
