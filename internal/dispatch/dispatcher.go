// Package dispatch routes speech segments to the active transcription
// backend and delivers results in emission order.
//
// The Dispatcher issues one goroutine per segment so backend calls overlap,
// then reorders completions by sequence number before delivery: segment N's
// text is always delivered before segment N+1's. The reorder window is
// bounded; when too many segments are in flight, Submit blocks, which
// naturally backpressures the segmenter.
//
// The active backend lives in an atomic pointer. Hot-swapping is atomic
// with respect to in-flight requests: a segment already dispatched finishes
// against the backend it started with, segments submitted afterwards use
// the new one. An unavailable backend causes Submit to reject segments with
// [ErrBackendUnavailable]; the dispatcher never switches backends on its
// own.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/smbpunt/opensay/internal/egress"
	"github.com/smbpunt/opensay/internal/observe"
	"github.com/smbpunt/opensay/internal/resilience"
	"github.com/smbpunt/opensay/pkg/audio"
	"github.com/smbpunt/opensay/pkg/backend"
)

// ErrBackendUnavailable is returned by Submit when no backend is set or
// the active backend reports itself unavailable (including an open circuit
// breaker). The caller drops the segment and continues; the pipeline is
// not aborted.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrSessionStopped is returned by Submit when the session context ended
// before a reorder window slot opened up.
var ErrSessionStopped = errors.New("session stopped")

// TranscriptionError wraps a per-segment backend failure. It aborts only
// the segment it belongs to.
type TranscriptionError struct {
	SegmentID uuid.UUID
	Cause     error
}

// Error implements the error interface.
func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription of segment %s failed: %v", e.SegmentID, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *TranscriptionError) Unwrap() error { return e.Cause }

// Transcript is one delivered result. Finals arrive in segment emission
// order; partials are best-effort and may interleave.
type Transcript struct {
	SegmentID uuid.UUID
	Text      string
	BackendID string
	IsFinal   bool
	Latency   time.Duration

	// Err carries a per-segment failure. Text is empty when set.
	Err error
}

// Config holds dispatcher tuning. Zero values select defaults.
type Config struct {
	// Workers bounds concurrent local (CPU-bound) backend calls.
	// Default: runtime.GOMAXPROCS(0). Network calls are I/O-bound and
	// not counted against it.
	Workers int

	// ReorderWindow is how many segments may be in flight ahead of the
	// next delivery. Submit blocks when the window is full. Default: 8.
	ReorderWindow int

	// Language is the BCP-47 hint passed to backends.
	Language string

	// Breaker tunes the circuit breaker wrapped around network backends.
	Breaker resilience.Settings
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = 8
	}
	return c
}

// active pairs a backend with the breaker gating it. Breaker is nil for
// local backends: their failures are inference errors, not connectivity.
type active struct {
	b   backend.Backend
	brk *resilience.Breaker
}

// Dispatcher routes segments to the active backend. Safe for concurrent
// use.
type Dispatcher struct {
	cfg   Config
	guard *egress.Guard
	slot  atomic.Pointer[active]

	localSem *semaphore.Weighted
	out      chan Transcript
	wg       sync.WaitGroup

	mu         sync.Mutex
	nextSeq    uint64
	delSeq     uint64
	pending    map[uint64]pendingResult
	window     chan struct{}
	delivering bool
	closed     bool
}

// pendingResult is a completed segment waiting for its turn in delivery
// order.
type pendingResult struct {
	tr      Transcript
	session context.Context
}

// New constructs a Dispatcher. guard must be non-nil if any network
// backend will ever be set; remote backends are built with the guard's
// HTTP client, so a dispatcher without a guard only accepts local
// backends.
func New(guard *egress.Guard, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		guard:    guard,
		localSem: semaphore.NewWeighted(int64(cfg.Workers)),
		out:      make(chan Transcript, 256),
		pending:  make(map[uint64]pendingResult),
		window:   make(chan struct{}, cfg.ReorderWindow),
	}
}

// Results returns the delivery channel. The caller must drain it; finals
// appear in segment emission order.
func (d *Dispatcher) Results() <-chan Transcript { return d.out }

// SetBackend atomically installs b as the active backend. Requests already
// in flight complete against the previous backend. A network backend is
// rejected when the dispatcher has no egress guard.
func (d *Dispatcher) SetBackend(b backend.Backend) error {
	if b == nil {
		d.slot.Store(nil)
		return nil
	}
	caps := b.Capabilities()
	var brk *resilience.Breaker
	if caps.RequiresNetwork {
		if d.guard == nil {
			return fmt.Errorf("dispatch: backend %q requires network but no egress guard is configured", caps.Name)
		}
		settings := d.cfg.Breaker
		settings.Name = caps.Name
		brk = resilience.NewBreaker(settings)
	}
	d.slot.Store(&active{b: b, brk: brk})
	slog.Info("dispatch: backend set", "backend", caps.Name, "network", caps.RequiresNetwork)
	return nil
}

// Backend returns the active backend, or nil when none is set.
func (d *Dispatcher) Backend() backend.Backend {
	a := d.slot.Load()
	if a == nil {
		return nil
	}
	return a.b
}

// Available reports whether Submit would currently accept segments.
func (d *Dispatcher) Available(ctx context.Context) bool {
	a := d.slot.Load()
	return a != nil && a.available(ctx)
}

func (a *active) available(ctx context.Context) bool {
	if a.brk != nil && !a.brk.Available() {
		return false
	}
	return a.b.IsAvailable(ctx)
}

// Submit accepts one segment for transcription. session is the recording
// session's context: it gates waiting for window space, and a session that
// has ended by delivery time has its result discarded rather than
// delivered. The dispatcher takes ownership of the segment's samples and
// wipes them once the backend call returns.
func (d *Dispatcher) Submit(session context.Context, seg *audio.Segment) error {
	a := d.slot.Load()
	if a == nil {
		return fmt.Errorf("dispatch: no backend selected: %w", ErrBackendUnavailable)
	}
	if !a.available(session) {
		return fmt.Errorf("dispatch: backend %q: %w", a.b.Capabilities().Name, ErrBackendUnavailable)
	}

	// Reserve a reorder window slot; this is the backpressure point.
	select {
	case d.window <- struct{}{}:
	case <-session.Done():
		return fmt.Errorf("dispatch: %w: %v", ErrSessionStopped, session.Err())
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.window
		return errors.New("dispatch: dispatcher closed")
	}
	seq := d.nextSeq
	d.nextSeq++
	d.wg.Add(1)
	d.mu.Unlock()

	go d.transcribe(session, a, seq, seg)
	return nil
}

// transcribe runs the backend call for one segment and queues the result
// for in-order delivery.
func (d *Dispatcher) transcribe(session context.Context, a *active, seq uint64, seg *audio.Segment) {
	defer d.wg.Done()

	caps := a.b.Capabilities()

	req := backend.Request{
		Segment:  seg,
		Language: d.cfg.Language,
		Require:  backend.Requirements{Language: d.cfg.Language},
	}
	if !caps.Satisfies(req.Require) {
		seg.Wipe()
		d.complete(session, seq, Transcript{
			SegmentID: seg.ID,
			BackendID: caps.Name,
			IsFinal:   true,
			Err: &TranscriptionError{SegmentID: seg.ID, Cause: fmt.Errorf(
				"backend %q does not support language %q: %w", caps.Name, req.Require.Language, backend.ErrUnavailable)},
		})
		return
	}

	// Local inference is CPU-bound: hold a worker slot for the duration.
	// An ended session abandons the wait; the segment is reported
	// cancelled.
	if !caps.RequiresNetwork {
		if err := d.localSem.Acquire(session, 1); err != nil {
			seg.Wipe()
			d.complete(session, seq, Transcript{
				SegmentID: seg.ID,
				BackendID: caps.Name,
				Err:       &TranscriptionError{SegmentID: seg.ID, Cause: err},
			})
			return
		}
		defer d.localSem.Release(1)
	}

	if caps.SupportsStreaming {
		req.OnPartial = func(r backend.Result) {
			if session.Err() != nil {
				return
			}
			// Partials are best-effort: never block the backend.
			select {
			case d.out <- Transcript{SegmentID: seg.ID, Text: r.Text, BackendID: r.BackendID, Latency: r.Latency}:
			default:
			}
		}
	}

	// In-flight calls run to completion even when the session ends
	// mid-call; the result is discarded at delivery time instead.
	callCtx, span := observe.StartSpan(context.WithoutCancel(session), "segment.transcribe",
		trace.WithAttributes(
			attribute.String("segment.id", seg.ID.String()),
			attribute.String("backend", caps.Name),
		))
	res, err := a.call(callCtx, req)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	seg.Wipe()

	tr := Transcript{
		SegmentID: seg.ID,
		BackendID: caps.Name,
		IsFinal:   true,
	}
	if err != nil {
		tr.Err = &TranscriptionError{SegmentID: seg.ID, Cause: err}
	} else {
		tr.Text = res.Text
		tr.BackendID = res.BackendID
		tr.Latency = res.Latency
	}
	d.complete(session, seq, tr)
}

// call invokes the backend, routing network backends through the circuit
// breaker. Egress denials and cancellations count as policy outcomes, not
// backend health, so they never trip the breaker.
func (a *active) call(ctx context.Context, req backend.Request) (backend.Result, error) {
	if a.brk == nil {
		return a.b.Transcribe(ctx, req)
	}

	var res backend.Result
	var callErr error
	execErr := a.brk.Execute(func() error {
		res, callErr = a.b.Transcribe(ctx, req)
		if callErr != nil && (egress.IsDenied(callErr) || errors.Is(callErr, context.Canceled)) {
			return nil
		}
		return callErr
	})
	if callErr != nil {
		return res, callErr
	}
	if execErr != nil {
		return res, execErr
	}
	return res, nil
}

// complete queues one finished segment and flushes every consecutive
// result that is now deliverable. The channel send happens outside the
// mutex so a slow Results consumer never blocks Submit or Close; the
// delivering flag keeps a single goroutine flushing at a time, which
// preserves delivery order.
func (d *Dispatcher) complete(session context.Context, seq uint64, tr Transcript) {
	d.mu.Lock()
	d.pending[seq] = pendingResult{tr: tr, session: session}
	if d.delivering {
		d.mu.Unlock()
		return
	}
	d.delivering = true
	for {
		p, ok := d.pending[d.delSeq]
		if !ok {
			d.delivering = false
			d.mu.Unlock()
			return
		}
		delete(d.pending, d.delSeq)
		d.delSeq++
		closed := d.closed
		d.mu.Unlock()
		<-d.window

		if p.session.Err() != nil {
			// The user stopped the session; delivering now would surface
			// text for a recording they believe has ended.
			slog.Debug("dispatch: result discarded, session ended", "segment", p.tr.SegmentID)
		} else if !closed {
			// Close waits for all in-flight completes before closing the
			// channel, so this send cannot race the close.
			d.out <- p.tr
		}
		d.mu.Lock()
	}
}

// Drain blocks until every in-flight segment has completed and been
// delivered or discarded, or ctx expires. Used on graceful session stop so
// the final flushed segment still produces text.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain: %w", ctx.Err())
	}
}

// Close waits for in-flight segments and closes the results channel. The
// dispatcher accepts no further submissions.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	close(d.out)
	return nil
}
