package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smbpunt/opensay/internal/segment"
	"github.com/smbpunt/opensay/pkg/audio"
)

// ErrNoSession is returned by StopSession when no session is active.
var ErrNoSession = errors.New("app: no active session")

// ErrSessionActive is returned by StartSession when a session is already
// running. Only one dictation session can be active at a time.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about an active dictation session.
type SessionInfo struct {
	// ID is the unique identifier for this session.
	ID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// sessionState tracks one running session: its segmenter, the cancel for
// its lifetime context, and the done channel closed when the segmenter
// loop exits.
type sessionState struct {
	info      SessionInfo
	segmenter *segment.Segmenter
	cancel    context.CancelFunc
	done      chan struct{}
}

// StartSession opens the capture stream and starts a fresh segmenter. Each
// session gets its own segmenter so VAD state never bleeds between
// sessions. Returns [ErrSessionActive] if a session is already running.
func (a *App) StartSession(ctx context.Context) (SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, a.session.info.ID)
	}

	a.buf.Reset()
	seg := segment.New(a.buf, a.providers.VAD, a.emitSegment, a.segmentConfig())

	if err := a.supervisor.Start(ctx); err != nil {
		return SessionInfo{}, fmt.Errorf("app: start capture: %w", err)
	}

	// The session outlives the StartSession call; it ends on StopSession
	// or Shutdown, not when the caller's ctx does.
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &sessionState{
		info: SessionInfo{
			ID:        uuid.NewString(),
			StartedAt: time.Now().UTC(),
		},
		segmenter: seg,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(sess.done)
		if err := seg.Run(sessCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("segmenter stopped", "session", sess.info.ID, "err", err)
		}
	}()

	a.session = sess
	a.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session started", "session", sess.info.ID)
	return sess.info, nil
}

// StopSession ends the active session: capture stops, the open segment (if
// any) is flushed for transcription, the segmenter loop exits, and the
// dispatcher is drained so every submitted segment is delivered before
// StopSession returns. ctx bounds the drain.
func (a *App) StopSession(ctx context.Context) error {
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.mu.Unlock()

	if sess == nil {
		return ErrNoSession
	}

	a.supervisor.Stop()

	// Flush with a non-cancellable context: the flushed segment's
	// transcript must be delivered even if the caller's ctx ends first.
	sess.segmenter.Flush(context.WithoutCancel(ctx))

	// Drain before cancelling the session context so segments already in
	// flight are delivered rather than discarded.
	drainErr := a.dispatcher.Drain(ctx)

	sess.cancel()
	<-sess.done

	a.metrics.ActiveSessions.Add(ctx, -1)
	slog.Info("session stopped", "session", sess.info.ID)

	if drainErr != nil {
		return fmt.Errorf("app: drain dispatcher: %w", drainErr)
	}
	return nil
}

// ActiveSession returns the current session's info, if one is running.
func (a *App) ActiveSession() (SessionInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return SessionInfo{}, false
	}
	return a.session.info, true
}

// emitSegment is the segmenter's emitter: it records segment metrics and
// submits the segment for transcription. ctx is the session context, so
// transcripts for segments of an ended session are discarded at delivery.
func (a *App) emitSegment(ctx context.Context, seg *audio.Segment) error {
	a.metrics.RecordSegment(ctx, seg.Duration.Seconds())
	return a.dispatcher.Submit(ctx, seg)
}

// segmentConfig maps the file config onto the segmenter's knobs.
func (a *App) segmentConfig() segment.Config {
	return segment.Config{
		SampleRate:       a.cfg.Audio.SampleRate,
		FrameMs:          a.cfg.VAD.FrameMs,
		SpeechThreshold:  a.cfg.VAD.SpeechThreshold,
		SilenceThreshold: a.cfg.VAD.SilenceThreshold,
		MinSpeech:        time.Duration(a.cfg.Segment.MinSpeechMs) * time.Millisecond,
		CloseSilence:     time.Duration(a.cfg.Segment.CloseSilenceMs) * time.Millisecond,
		Padding:          time.Duration(a.cfg.Segment.PaddingMs) * time.Millisecond,
		MaxSegment:       time.Duration(a.cfg.Segment.MaxSegmentSec) * time.Second,
	}
}
