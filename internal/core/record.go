package core

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// State is one of the five states an upload moves through over its
// life: Initial, Receiving, Idle, Complete, Terminated.
type State int

const (
	StateInitial State = iota
	StateReceiving
	StateIdle
	StateComplete
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateReceiving:
		return "receiving"
	case StateIdle:
		return "idle"
	case StateComplete:
		return "complete"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Record is the per-upload state machine: the single in-memory source
// of truth for one upload's whole life, across however many HTTP
// transactions it takes to complete.
//
// The buffered, backpressured stream from producer to consumer is an
// io.Pipe: pw is written to by whichever transaction currently holds
// the producer slot, pr is read continuously by the Downstream
// Adapter for the upload's entire life. io.Pipe.Write blocks until the
// paired Read has consumed the data, so the forwarded-byte count and
// the upload offset stay equal with no separate bookkeeping required.
type Record struct {
	token  string
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu               sync.Mutex
	state            State
	offset           int64
	totalLength      *int64
	interopVersion   int
	producerAttached bool
	lastActivity     time.Time

	pr *io.PipeReader
	pw *io.PipeWriter

	consumer *Adapter

	idleTimer     *time.Timer
	onIdleExpired func(token string)

	declaredComplete        bool
	declaredCompletePresent bool
	declaredCompleteErr     error
}

// NewRecord creates a record in StateInitial. It is inserted into the
// Registry before any bytes flow.
func NewRecord(token string, interopVersion int, cfg Config, logger *zap.Logger) *Record {
	pr, pw := io.Pipe()
	return &Record{
		token:          token,
		cfg:            cfg,
		logger:         logger,
		sem:            semaphore.NewWeighted(cfg.MaxChunkBytes),
		state:          StateInitial,
		interopVersion: interopVersion,
		pr:             pr,
		pw:             pw,
		lastActivity:   time.Now(),
	}
}

// Token returns the record's identity key.
func (r *Record) Token() string { return r.token }

// Snapshot is a point-in-time, lock-free copy of the fields the
// Protocol Handler needs to build a response.
type Snapshot struct {
	State          State
	Offset         int64
	TotalLength    *int64
	InteropVersion int
	Complete       bool
}

func (r *Record) snapshotLocked() Snapshot {
	return Snapshot{
		State:          r.state,
		Offset:         r.offset,
		TotalLength:    r.totalLength,
		InteropVersion: r.interopVersion,
		Complete:       r.state == StateComplete || r.state == StateTerminated,
	}
}

// Snapshot returns the record's current observable state, used by the
// offset-retrieval flow without attaching a producer.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Consumer returns the Downstream Adapter attached to this record, or
// nil if none has been created yet (before first contact).
func (r *Record) Consumer() *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumer
}

// SetConsumer attaches the Downstream Adapter created for this record.
// Called once, by the flow that first contacts the record (create).
func (r *Record) SetConsumer(a *Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumer = a
}

// AttachProducer validates the preconditions for admitting an append
// (or the initial create) and, if they hold, transitions
// Initial/Idle → Receiving and marks the producer slot occupied.
// Preconditions violated map to the sentinel errors StatusCode
// understands; the record is left untouched on any rejection.
func (r *Record) AttachProducer(interopVersion int, offset int64, length *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateTerminated:
		return ErrTerminated
	case StateComplete:
		return ErrUploadComplete
	case StateReceiving:
		return ErrConflictingProducer
	}

	if r.state != StateInitial {
		if interopVersion != r.interopVersion {
			return ErrInteropMismatch
		}
		if offset != r.offset {
			return ErrOffsetMismatch
		}
		if length != nil {
			if r.totalLength != nil && *r.totalLength != *length {
				return ErrLengthMismatch
			}
		}
	}

	if length != nil && r.totalLength == nil {
		l := *length
		r.totalLength = &l
	}

	r.state = StateReceiving
	r.producerAttached = true
	r.lastActivity = time.Now()
	r.stopIdleTimerLocked()
	return nil
}

// StreamResult reports what happened after a producer streamed a
// request body into the record.
type StreamResult struct {
	Written   int64
	NewState  State
	NewOffset int64
}

// StreamBody copies body into the record's pipe, honoring the
// semaphore-bounded chunk size from Config, then transitions the
// record out of Receiving based on declaredComplete (the
// Upload-Complete/Upload-Incomplete value the request carried) and
// whether the declared total length has now been reached. The caller
// must hold the producer slot via a prior successful AttachProducer.
//
// If the copy stops early (the body read fails, including on the
// transfer inactivity deadline, ctx is cancelled while waiting on the
// semaphore, or a DELETE racing this transfer closes the pipe), the
// partially-written count is still returned and the pipe is not closed
// by StreamBody: a producer abort never advances offset past the
// drained count, because io.Pipe.Write only returns once the consumer
// has drained exactly the bytes it reports written.
func (r *Record) StreamBody(ctx context.Context, body io.Reader) (StreamResult, error) {
	w := &boundedWriter{pw: r.pw, sem: r.sem, ctx: ctx, maxChunk: r.cfg.MaxChunkBytes}
	written, copyErr := io.Copy(w, body)
	if errors.Is(copyErr, os.ErrDeadlineExceeded) {
		copyErr = ErrTransferInactivity
	}

	r.mu.Lock()
	r.offset += written
	r.lastActivity = time.Now()
	r.producerAttached = false

	declaredComplete, present, hdrErr := r.pendingCompleteLocked()
	reachedLength := r.totalLength != nil && r.offset >= *r.totalLength

	var newState State
	switch {
	case r.state == StateTerminated:
		newState = StateTerminated
	case copyErr != nil:
		// Transport failure mid-body. Return to Idle at the drained
		// count; do not surface copyErr to the client, the next append
		// simply resumes.
		newState = StateIdle
	case present && declaredComplete:
		newState = StateComplete
	case reachedLength:
		newState = StateComplete
	default:
		newState = StateIdle
	}
	r.state = newState
	result := StreamResult{Written: written, NewState: newState, NewOffset: r.offset}

	if newState == StateComplete {
		// EOF to the Downstream Adapter: the application handler has now
		// seen the whole logical body.
		r.pw.Close()
	} else if newState == StateIdle {
		r.armIdleTimerLocked()
	}
	r.mu.Unlock()

	if hdrErr != nil && copyErr == nil {
		return result, hdrErr
	}
	return result, copyErr
}

// pendingCompleteLocked returns the value the Protocol Handler stored
// via SetDeclaredComplete just before calling StreamBody, since the
// Upload-Complete header for this chunk is only known from the request
// that is being streamed right now.
func (r *Record) pendingCompleteLocked() (complete bool, present bool, err error) {
	return r.declaredComplete, r.declaredCompletePresent, r.declaredCompleteErr
}

// SetDeclaredComplete records the Upload-Complete/Upload-Incomplete
// value parsed from the current producer's request, consumed by the
// next StreamBody call. Exported as a plain setter rather than folded
// into StreamBody's signature so ParseComplete's header-set lookup
// stays entirely inside the Protocol Handler.
func (r *Record) SetDeclaredComplete(complete, present bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declaredComplete = complete
	r.declaredCompletePresent = present
	r.declaredCompleteErr = err
}

// Terminate transitions the record to Terminated (DELETE or eviction)
// and closes the pipe's writer end with err: the Downstream Adapter's
// Read returns err, and any blocked producer Write returns
// io.ErrClosedPipe. The record is left in the Registry as a tombstone — callers
// must keep answering PATCH/HEAD against it with 410 — and is reaped
// later by the same idle timer a Registry arms for an Idle record, not
// removed on the spot.
func (r *Record) Terminate(err error) {
	r.mu.Lock()
	already := r.state == StateTerminated
	r.state = StateTerminated
	r.armIdleTimerLocked()
	r.mu.Unlock()
	if already {
		return
	}
	r.pw.CloseWithError(err)
}

// Close releases the record's pipe resources once it has been removed
// from the Registry. The writer end is already closed by Terminate in the
// normal cancel/expiry path; Close is idempotent and only surfaces a
// real error if closing either end of the pipe fails, combining both
// outcomes via multierr.
func (r *Record) Close() error {
	werr := r.pw.Close()
	rerr := r.pr.Close()
	return multierr.Combine(werr, rerr)
}

// ProducerReader exposes the pipe's reader side to the Downstream
// Adapter. Only the Adapter reads from it, for the record's whole
// life.
func (r *Record) ProducerReader() io.ReadCloser { return r.pr }

func (r *Record) armIdleTimerLocked() {
	if r.cfg.IdleTimeout <= 0 || r.onIdleExpired == nil {
		return
	}
	r.stopIdleTimerLocked()
	token := r.token
	r.idleTimer = time.AfterFunc(r.cfg.IdleTimeout, func() {
		r.onIdleExpired(token)
	})
}

func (r *Record) stopIdleTimerLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

// OnIdleExpired registers the Registry's reap callback, invoked when
// an Idle record has been untouched for Config.IdleTimeout.
func (r *Record) OnIdleExpired(fn func(token string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onIdleExpired = fn
}

// boundedWriter slices writes into at-most-semaphore-weight pieces so
// no more than Config.MaxChunkBytes worth of producer bytes are ever
// in flight toward the pipe at once. io.Pipe.Write only returns once
// fully drained, so this also bounds any future multi-chunk pipeline
// (e.g. read-ahead) built on top of the same pipe.
type boundedWriter struct {
	pw       *io.PipeWriter
	sem      *semaphore.Weighted
	ctx      context.Context
	maxChunk int64
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := int64(len(p))
		if n > w.maxChunk {
			n = w.maxChunk
		}
		if err := w.sem.Acquire(w.ctx, n); err != nil {
			return total, err
		}
		written, err := w.pw.Write(p[:n])
		w.sem.Release(n)
		total += written
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}
