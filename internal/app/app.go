// Package app wires all opensay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the main processing loop, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithGuard,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smbpunt/opensay/internal/capture"
	"github.com/smbpunt/opensay/internal/config"
	"github.com/smbpunt/opensay/internal/dispatch"
	"github.com/smbpunt/opensay/internal/egress"
	"github.com/smbpunt/opensay/internal/observe"
	"github.com/smbpunt/opensay/internal/resilience"
	"github.com/smbpunt/opensay/internal/ring"
	"github.com/smbpunt/opensay/internal/vocab"
	"github.com/smbpunt/opensay/pkg/audio"
	"github.com/smbpunt/opensay/pkg/backend"
	"github.com/smbpunt/opensay/pkg/vad"
)

// Providers holds one interface value per pluggable slot. Populated by
// main.go via the config registry. Host and VAD are required; Backend may
// be nil at startup and set later via [App.SetBackend].
type Providers struct {
	Host    audio.Host
	VAD     vad.Engine
	Backend backend.Backend
}

// App owns all subsystem lifetimes and orchestrates the dictation pipeline:
// capture feeds the ring buffer, the per-session segmenter cuts speech
// segments, and the dispatcher hands them to the active backend.
type App struct {
	cfg       *config.Config
	providers *Providers

	guard      *egress.Guard
	buf        *ring.Buffer
	supervisor *capture.Supervisor
	dispatcher *dispatch.Dispatcher
	metrics    *observe.Metrics

	// corrector rewrites custom-vocabulary terms in final transcripts.
	// Swappable at runtime when the vocabulary config changes.
	corrector atomic.Pointer[vocab.Corrector]

	// transcripts is the app-owned fan-out of dispatcher results, with
	// metrics recorded per transcript.
	transcripts chan dispatch.Transcript

	// events republishes capture events and egress decisions for
	// frontends. Best effort: slow consumers miss events rather than
	// stall the pipeline.
	events chan Event

	mu      sync.Mutex
	session *sessionState

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGuard injects an egress guard instead of creating one from the
// privacy config.
func WithGuard(g *egress.Guard) Option {
	return func(a *App) { a.guard = g }
}

// WithMetrics injects a metrics instance instead of using the package
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Host == nil {
		return nil, fmt.Errorf("app: an audio host is required")
	}
	if providers.VAD == nil {
		return nil, fmt.Errorf("app: a vad engine is required")
	}

	a := &App{
		cfg:         cfg,
		providers:   providers,
		transcripts: make(chan dispatch.Transcript, 64),
		events:      make(chan Event, 64),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.SetVocabulary(vocab.New(vocab.Config{
		Terms:             cfg.Vocabulary.Terms,
		PhoneticThreshold: cfg.Vocabulary.PhoneticThreshold,
		FuzzyThreshold:    cfg.Vocabulary.FuzzyThreshold,
	}))

	if err := a.initGuard(); err != nil {
		return nil, fmt.Errorf("app: init egress guard: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if providers.Backend != nil {
		if err := a.dispatcher.SetBackend(providers.Backend); err != nil {
			return nil, fmt.Errorf("app: set initial backend: %w", err)
		}
	}

	return a, nil
}

// initGuard builds the egress guard from the privacy config unless one was
// injected. The process always starts in local-only mode.
func (a *App) initGuard() error {
	if a.guard != nil {
		return nil
	}

	ecfg := egress.Config{
		AllowLists: make(map[egress.Category][]string, len(a.cfg.Privacy.AllowLists)),
	}
	for cat, hosts := range a.cfg.Privacy.AllowLists {
		ecfg.AllowLists[egress.Category(cat)] = hosts
	}
	for _, cat := range a.cfg.Privacy.LocalAllowedCategories {
		ecfg.LocalAllowedCategories = append(ecfg.LocalAllowedCategories, egress.Category(cat))
	}

	if path := a.cfg.Privacy.AuditLog; path != "" {
		audit, err := egress.OpenAuditLog(path)
		if err != nil {
			return err
		}
		ecfg.Audit = audit
		a.closers = append(a.closers, audit.Close)
	}

	a.guard = egress.New(ecfg)
	return nil
}

// initPipeline creates the ring buffer, capture supervisor, and dispatcher.
// The segmenter is per-session and created in StartSession so VAD state
// never bleeds across sessions.
func (a *App) initPipeline() error {
	sampleRate := a.cfg.Audio.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	bufSeconds := a.cfg.Audio.BufferSeconds
	if bufSeconds <= 0 {
		bufSeconds = 60
	}

	buf, err := ring.New(sampleRate * bufSeconds)
	if err != nil {
		return err
	}
	a.buf = buf

	a.supervisor = capture.New(a.providers.Host, buf, capture.Config{
		SampleRate:          sampleRate,
		MaxRecoveryAttempts: a.cfg.Audio.RecoveryAttempts,
		RecoveryDelay:       time.Duration(a.cfg.Audio.RecoveryDelayMs) * time.Millisecond,
	})

	a.dispatcher = dispatch.New(a.guard, dispatch.Config{
		Workers:       a.cfg.Dispatch.Workers,
		ReorderWindow: a.cfg.Dispatch.ReorderWindow,
		Language:      a.cfg.Backends.Language,
		Breaker: resilience.Settings{
			Threshold: a.cfg.Dispatch.BreakerThreshold,
			Cooldown:  time.Duration(a.cfg.Dispatch.BreakerCooldownSec) * time.Second,
		},
	})
	a.closers = append(a.closers, a.dispatcher.Close)

	return nil
}

// Transcripts returns the channel on which finished transcripts are
// delivered, in segment emission order. The channel is closed once the
// dispatcher has shut down and the last result has been forwarded.
func (a *App) Transcripts() <-chan dispatch.Transcript { return a.transcripts }

// Event is the app-level observability fan-in; exactly one of Capture or
// Egress is set per event.
type Event struct {
	Capture *capture.Event
	Egress  *egress.Decision
}

// Events returns the fan-in of capture events and egress decisions, for
// frontends that surface pipeline state. The channel is never closed;
// events stop arriving once the app shuts down.
func (a *App) Events() <-chan Event { return a.events }

// publish forwards an event without blocking the watch loops. A full
// channel drops the event; consumers observe state, they do not drive it.
func (a *App) publish(ev Event) {
	select {
	case a.events <- ev:
	default:
	}
}

// Guard returns the egress guard, for wiring consent flows and building
// guarded HTTP clients.
func (a *App) Guard() *egress.Guard { return a.guard }

// Dispatcher exposes the dispatcher for readiness checks.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// CaptureState returns the supervisor's current capture state.
func (a *App) CaptureState() capture.State { return a.supervisor.State() }

// SetBackend hot-swaps the active transcription backend. In-flight segments
// finish on the backend they started with.
func (a *App) SetBackend(b backend.Backend) error {
	return a.dispatcher.SetBackend(b)
}

// SetVocabulary hot-swaps the custom-vocabulary corrector. It applies to
// the next delivered transcript.
func (a *App) SetVocabulary(c *vocab.Corrector) {
	a.corrector.Store(c)
}

// Run starts the background loops and blocks until ctx is cancelled, then
// shuts the application down. It returns ctx's cause.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		a.pumpTranscripts(ctx)
	}()
	go func() {
		defer wg.Done()
		a.watchCapture(ctx)
	}()
	go func() {
		defer wg.Done()
		a.watchEgress(ctx)
	}()

	<-ctx.Done()

	err := a.Shutdown(context.Background())
	wg.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// pumpTranscripts forwards dispatcher results to the app channel, recording
// per-transcript metrics on the way. It owns the transcripts channel and
// closes it when the dispatcher shuts down.
func (a *App) pumpTranscripts(ctx context.Context) {
	defer close(a.transcripts)
	for tr := range a.dispatcher.Results() {
		status := "ok"
		if tr.Err != nil {
			status = "error"
		}
		if tr.IsFinal {
			a.metrics.RecordTranscription(ctx, tr.BackendID, status, tr.Latency.Seconds())
		}
		if tr.Err == nil && tr.IsFinal {
			if c := a.corrector.Load(); c != nil && !c.Empty() {
				var fixes []vocab.Correction
				tr.Text, fixes = c.Apply(tr.Text)
				if len(fixes) > 0 {
					observe.Logger(ctx).Debug("vocabulary corrections applied",
						"segment", tr.SegmentID, "count", len(fixes))
				}
			}
		}
		select {
		case a.transcripts <- tr:
		case <-ctx.Done():
			// Nobody is listening any more; keep draining so the
			// dispatcher can finish delivering and shut down.
		}
	}
}

// watchCapture consumes supervisor events: it records recovery metrics and
// flushes the open segment when recovery is exhausted, so captured speech
// is transcribed rather than stranded in the ring.
func (a *App) watchCapture(ctx context.Context) {
	logger := observe.Logger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.supervisor.Events():
			a.publish(Event{Capture: &ev})
			switch ev.Type {
			case capture.EventRecoveryFailed:
				a.metrics.RecordCaptureRecovery(ctx, "failed")
				logger.Warn("capture recovery attempt failed",
					"device", ev.Device, "attempts", ev.Attempts, "err", ev.Err)
			case capture.EventOverrun:
				a.metrics.SamplesDropped.Add(ctx, int64(ev.Dropped))
				logger.Warn("ring buffer overrun", "dropped", ev.Dropped)
			case capture.EventStateChanged:
				logger.Info("capture state changed",
					"from", ev.From.String(), "to", ev.To.String())
				if ev.From == capture.StateRecovering && ev.To == capture.StateRecording {
					a.metrics.RecordCaptureRecovery(ctx, "recovered")
				}
				// Leaving Recording orphans whatever the segmenter has
				// accumulated: the ring is reset during recovery, so an
				// open segment must be flushed now or pre-loss speech
				// merges with post-recovery audio across the gap.
				if ev.To == capture.StateDeviceLost || ev.To == capture.StateError {
					a.flushActiveSession(ctx)
				}
			}
		}
	}
}

// watchEgress records every guard decision as a metric and republishes it
// on the app event channel.
func (a *App) watchEgress(ctx context.Context) {
	decisions := a.guard.Decisions()
	for {
		select {
		case <-ctx.Done():
			return
		case dec := <-decisions:
			a.publish(Event{Egress: &dec})
			a.metrics.RecordEgressDecision(ctx, string(dec.Category), dec.Allowed)
		}
	}
}

// flushActiveSession closes the open segment of the active session, if any.
func (a *App) flushActiveSession(ctx context.Context) {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess != nil {
		sess.segmenter.Flush(ctx)
	}
}

// Shutdown tears the application down: any active session is stopped, the
// dispatcher is drained and closed, and all closers run in reverse order.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if stopErr := a.StopSession(ctx); stopErr != nil && !errors.Is(stopErr, ErrNoSession) {
			err = stopErr
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if cerr := a.closers[i](); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
