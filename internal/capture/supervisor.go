// Package capture owns the physical input stream and the device-loss
// recovery state machine.
//
// The Supervisor opens a capture stream on the system default input device
// and writes converted frames into the pipeline's ring buffer from the
// platform's real-time callback. Device loss (stream failure, device
// unplugged, or the OS switching default devices) moves the state machine
// through DeviceLost → Recovering with exponentially backed-off reopen
// attempts, ending in Recording on success or Error once attempts are
// exhausted.
//
// No state transition blocks the caller: stream open/close and recovery
// sleeps happen on internal goroutines, and the real-time frame callback
// only converts samples, writes to the lock-free buffer, and returns.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smbpunt/opensay/internal/ring"
	"github.com/smbpunt/opensay/pkg/audio"
)

// State is the supervisor's capture state.
type State int32

const (
	// StateIdle: no stream open, ready to record.
	StateIdle State = iota

	// StateRecording: stream open and healthy.
	StateRecording

	// StateDeviceLost: the stream terminated unexpectedly.
	StateDeviceLost

	// StateRecovering: a reopen attempt is scheduled or in progress.
	StateRecovering

	// StateError: recovery exhausted; waits for an explicit Start.
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDeviceLost:
		return "device-lost"
	case StateRecovering:
		return "recovering"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType classifies supervisor events.
type EventType int

const (
	// EventStateChanged reports a state machine transition.
	EventStateChanged EventType = iota

	// EventRecoveryFailed reports one failed reopen attempt.
	EventRecoveryFailed

	// EventOverrun reports sustained ring-buffer overwrites: the consumer
	// is not draining fast enough for the capture rate. Non-terminal.
	EventOverrun
)

// Event is delivered to the Events channel on every transition and
// noteworthy condition. The payload carries enough context (attempt count,
// device name, error) for direct display without log inspection.
type Event struct {
	Type     EventType
	From, To State
	Device   string
	Attempts int
	Dropped  uint64
	Err      error
	Time     time.Time
}

// ErrDeviceUnavailable is returned by Start when no input device exists.
var ErrDeviceUnavailable = errors.New("capture: no input device available")

// errNotIdle is returned by Start when a session is already active.
var errNotIdle = errors.New("capture: not idle")

// RecoveryExhaustedError is the terminal error carried by the event that
// moves the supervisor to StateError.
type RecoveryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("capture: device recovery exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RecoveryExhaustedError) Unwrap() error { return e.LastErr }

// Config holds the supervisor's tuning knobs. Zero values select defaults.
type Config struct {
	// SampleRate is the pipeline sample rate frames are converted to.
	// Default: 16000.
	SampleRate int

	// RecoveryDelay is the fixed delay before the first reopen attempt.
	// Default: 500 ms.
	RecoveryDelay time.Duration

	// MaxRecoveryDelay caps the exponential backoff. Default: 4 s.
	MaxRecoveryDelay time.Duration

	// MaxRecoveryAttempts is the number of consecutive failures before the
	// supervisor gives up. Default: 3.
	MaxRecoveryAttempts int

	// OverrunThreshold is the number of dropped samples between overrun
	// events; growth beyond it escalates to an EventOverrun.
	// Default: half a second of audio at SampleRate.
	OverrunThreshold uint64
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 500 * time.Millisecond
	}
	if c.MaxRecoveryDelay <= 0 {
		c.MaxRecoveryDelay = 4 * time.Second
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.OverrunThreshold == 0 {
		c.OverrunThreshold = uint64(c.SampleRate / 2)
	}
	return c
}

// Supervisor owns the capture stream and its recovery lifecycle.
// All exported methods are safe for concurrent use.
type Supervisor struct {
	host audio.Host
	buf  *ring.Buffer
	cfg  Config

	state atomic.Int32
	level atomic.Uint64 // math.Float64bits of the last frame RMS

	// epoch invalidates callbacks from streams belonging to earlier
	// sessions; it is bumped on Stop and on every reopen.
	epoch atomic.Uint64

	// lastOverrun is the drop count at the last overrun event.
	lastOverrun atomic.Uint64

	events chan Event

	mu            sync.Mutex
	stream        audio.Stream
	device        audio.DeviceInfo
	recoverCancel context.CancelFunc
}

// New creates a Supervisor capturing from host into buf.
func New(host audio.Host, buf *ring.Buffer, cfg Config) *Supervisor {
	return &Supervisor{
		host:   host,
		buf:    buf,
		cfg:    cfg.withDefaults(),
		events: make(chan Event, 64),
	}
}

// Events returns the channel supervisor events are delivered on. Events
// are dropped, never blocked on, when the consumer lags.
func (s *Supervisor) Events() <-chan Event { return s.events }

// State returns the current capture state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Level returns the most recent input RMS level, normalised 0.0–1.0.
// Returns 0 when not recording.
func (s *Supervisor) Level() float64 {
	if s.State() != StateRecording {
		return 0
	}
	return math.Float64frombits(s.level.Load())
}

// Start opens a stream on the current default input device and moves
// Idle → Recording. It returns ErrDeviceUnavailable, leaving the state at
// Idle, when no input device exists. Start is also the explicit restart
// path out of StateError.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateIdle && st != StateError {
		return fmt.Errorf("%w: state is %s", errNotIdle, st)
	}

	// Reset before the stream exists: an adapter may invoke the frame
	// callback the moment Open returns, and Reset is only valid while the
	// producer is stopped.
	s.buf.Reset()

	if err := s.openDefaultLocked(ctx); err != nil {
		// Stay where we were; Idle remains Idle.
		return err
	}

	s.transition(st, StateRecording, 0, nil)
	return nil
}

// Stop is valid from any state and always ends in Idle. It releases the
// device handle, cancels any pending recovery, and discards buffered
// unread samples.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recoverCancel != nil {
		s.recoverCancel()
		s.recoverCancel = nil
	}
	s.epoch.Add(1)
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			slog.Warn("capture: stream close", "err", err)
		}
		s.stream = nil
	}
	s.level.Store(0)
	s.buf.Reset()

	if st := s.State(); st != StateIdle {
		s.transition(st, StateIdle, 0, nil)
	}
}

// openDefaultLocked enumerates the default device and opens a stream on
// it. Caller holds s.mu.
func (s *Supervisor) openDefaultLocked(ctx context.Context) error {
	dev, err := s.host.DefaultDevice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	epoch := s.epoch.Add(1)
	cb := s.frameCallback(epoch)
	onErr := func(streamErr error) { s.onStreamError(epoch, streamErr) }

	stream, err := s.host.Open(ctx, dev.ID, audio.StreamConfig{
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
	}, cb, onErr)
	if err != nil {
		return fmt.Errorf("%w: open %q: %v", ErrDeviceUnavailable, dev.Name, err)
	}

	s.stream = stream
	s.device = dev
	slog.Info("capture: stream opened", "device", dev.Name, "sample_rate", s.cfg.SampleRate)
	return nil
}

// frameCallback returns the real-time callback for the stream opened at
// the given epoch. The callback converts to mono at the pipeline rate,
// writes into the ring buffer, and updates the level meter. It takes no
// locks and does not block.
func (s *Supervisor) frameCallback(epoch uint64) audio.FrameCallback {
	return func(f audio.Frame) {
		if s.epoch.Load() != epoch {
			return // stale stream
		}

		samples := audio.DownmixMono(f.Samples, f.Channels)
		if f.SampleRate != s.cfg.SampleRate {
			samples = audio.Resample(samples, f.SampleRate, s.cfg.SampleRate)
		}

		out := s.buf.Write(samples)
		s.level.Store(math.Float64bits(audio.RMSLevel(samples)))

		if out.Dropped > 0 {
			s.noteOverrun()
		}
	}
}

// noteOverrun escalates when the cumulative drop count grew past the
// threshold since the last overrun event.
func (s *Supervisor) noteOverrun() {
	total := s.buf.Dropped()
	last := s.lastOverrun.Load()
	if total-last < s.cfg.OverrunThreshold {
		return
	}
	if !s.lastOverrun.CompareAndSwap(last, total) {
		return
	}
	s.emit(Event{
		Type:    EventOverrun,
		From:    StateRecording,
		To:      StateRecording,
		Dropped: total,
		Err:     errors.New("capture: sustained buffer overrun, segmentation too slow for capture rate"),
		Time:    time.Now(),
	})
}

// onStreamError handles unexpected stream termination and default-device
// changes (adapters report both through the error callback). It moves
// Recording → DeviceLost and schedules recovery.
func (s *Supervisor) onStreamError(epoch uint64, streamErr error) {
	if s.epoch.Load() != epoch {
		return
	}
	if !s.state.CompareAndSwap(int32(StateRecording), int32(StateDeviceLost)) {
		return
	}

	go func() {
		s.mu.Lock()
		if s.State() != StateDeviceLost {
			// A concurrent Stop won; it already released the stream.
			s.mu.Unlock()
			return
		}
		if s.stream != nil {
			_ = s.stream.Close()
			s.stream = nil
		}
		device := s.device.Name
		s.level.Store(0)

		rctx, cancel := context.WithCancel(context.Background())
		s.recoverCancel = cancel
		s.mu.Unlock()

		s.emit(Event{
			Type: EventStateChanged,
			From: StateRecording, To: StateDeviceLost,
			Device: device,
			Err:    streamErr,
			Time:   time.Now(),
		})
		slog.Warn("capture: device lost", "device", device, "err", streamErr)

		s.recover(rctx)
	}()
}

// recover runs the reopen loop: fixed initial delay, exponential backoff,
// bounded attempts. Success returns to Recording; exhaustion lands in
// Error and stays there until an explicit Start.
func (s *Supervisor) recover(ctx context.Context) {
	delay := s.cfg.RecoveryDelay
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxRecoveryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if attempt == 1 {
			if !s.state.CompareAndSwap(int32(StateDeviceLost), int32(StateRecovering)) {
				return // stopped meanwhile
			}
			s.emit(Event{
				Type: EventStateChanged,
				From: StateDeviceLost, To: StateRecovering,
				Attempts: attempt,
				Time:     time.Now(),
			})
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		// Discard samples from the dead stream before the new one can
		// write; Reset must not race a live producer.
		s.buf.Reset()
		err := s.openDefaultLocked(ctx)
		if err == nil {
			s.recoverCancel = nil
			s.transition(StateRecovering, StateRecording, attempt, nil)
			s.mu.Unlock()
			slog.Info("capture: recovered", "attempt", attempt)
			return
		}
		s.mu.Unlock()

		lastErr = err
		s.emit(Event{
			Type:     EventRecoveryFailed,
			From:     StateRecovering,
			To:       StateRecovering,
			Attempts: attempt,
			Err:      err,
			Time:     time.Now(),
		})
		slog.Warn("capture: recovery attempt failed", "attempt", attempt, "err", err)

		delay *= 2
		if delay > s.cfg.MaxRecoveryDelay {
			delay = s.cfg.MaxRecoveryDelay
		}
	}

	if !s.state.CompareAndSwap(int32(StateRecovering), int32(StateError)) {
		return
	}
	exhausted := &RecoveryExhaustedError{Attempts: s.cfg.MaxRecoveryAttempts, LastErr: lastErr}
	s.emit(Event{
		Type: EventStateChanged,
		From: StateRecovering, To: StateError,
		Attempts: s.cfg.MaxRecoveryAttempts,
		Err:      exhausted,
		Time:     time.Now(),
	})
	slog.Error("capture: recovery exhausted", "attempts", s.cfg.MaxRecoveryAttempts, "err", lastErr)
}

// transition stores the new state and emits the matching event. Callers
// hold s.mu (it reads s.device); the CAS variants above are used where a
// racing Stop must win.
func (s *Supervisor) transition(from, to State, attempts int, err error) {
	s.state.Store(int32(to))
	s.emit(Event{
		Type: EventStateChanged,
		From: from, To: to,
		Device:   s.device.Name,
		Attempts: attempts,
		Err:      err,
		Time:     time.Now(),
	})
}

// emit delivers without blocking; a lagging consumer loses events rather
// than stalling capture.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Debug("capture: event dropped, consumer lagging", "type", ev.Type)
	}
}
