package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smbpunt/opensay/internal/ring"
	"github.com/smbpunt/opensay/pkg/audio"
	"github.com/smbpunt/opensay/pkg/audio/mock"
)

var errUnplugged = errors.New("device unplugged")

func testConfig() Config {
	return Config{
		SampleRate:          16000,
		RecoveryDelay:       5 * time.Millisecond,
		MaxRecoveryDelay:    20 * time.Millisecond,
		MaxRecoveryAttempts: 3,
	}
}

func newSupervisor(t *testing.T, host *mock.Host) (*Supervisor, *ring.Buffer) {
	t.Helper()
	buf, err := ring.New(16000)
	if err != nil {
		t.Fatal(err)
	}
	return New(host, buf, testConfig()), buf
}

func defaultHost() *mock.Host {
	return &mock.Host{
		DevicesResult: []audio.DeviceInfo{
			{ID: "mic0", Name: "Built-in Microphone", SampleRate: 48000, Channels: 2, IsDefault: true},
		},
	}
}

// waitForState polls until the supervisor reaches want or the deadline
// passes.
func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

// drainUntil consumes events until one matches pred or the deadline passes.
func drainUntil(t *testing.T, events <-chan Event, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event never arrived")
		}
	}
}

func TestStart_NoDevice(t *testing.T) {
	host := &mock.Host{} // no devices at all
	s, _ := newSupervisor(t, host)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle after failed start", s.State())
	}
}

func TestStart_OpensDefaultDevice(t *testing.T) {
	host := defaultHost()
	s, _ := newSupervisor(t, host)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if s.State() != StateRecording {
		t.Fatalf("state = %s, want recording", s.State())
	}
	if host.CallCountOpen != 1 || host.OpenedIDs[0] != "mic0" {
		t.Errorf("opened %v, want one open of mic0", host.OpenedIDs)
	}

	ev := drainUntil(t, s.Events(), func(ev Event) bool { return ev.Type == EventStateChanged })
	if ev.From != StateIdle || ev.To != StateRecording {
		t.Errorf("transition %s→%s, want idle→recording", ev.From, ev.To)
	}
}

func TestStart_WhileRecordingFails(t *testing.T) {
	s, _ := newSupervisor(t, defaultHost())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail while recording")
	}
}

func TestFrames_ConvertedIntoBuffer(t *testing.T) {
	host := defaultHost()
	s, buf := newSupervisor(t, host)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// 48 kHz stereo in, 16 kHz mono out: 960 samples → 480 frames → 160.
	frame := make([]int16, 960)
	for i := range frame {
		frame[i] = 1000
	}
	host.EmitFrame(audio.Frame{Samples: frame, SampleRate: 48000, Channels: 2})

	if used := buf.Used(); used != 160 {
		t.Errorf("buffer holds %d samples, want 160", used)
	}
	if s.Level() == 0 {
		t.Error("level meter should be non-zero after a loud frame")
	}
}

func TestDeviceLoss_EntersDeviceLostImmediately(t *testing.T) {
	host := defaultHost()
	// Block all recovery attempts so the supervisor stays observable.
	host.OpenErrors = []error{nil, errUnplugged, errUnplugged, errUnplugged}
	s, _ := newSupervisor(t, host)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	host.FailStream(errUnplugged)

	ev := drainUntil(t, s.Events(), func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.To == StateDeviceLost
	})
	if ev.From != StateRecording {
		t.Errorf("device loss from %s, want recording", ev.From)
	}
}

func TestRecovery_SucceedsBackToRecording(t *testing.T) {
	host := defaultHost()
	s, _ := newSupervisor(t, host)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	host.FailStream(errUnplugged)
	waitForState(t, s, StateRecording)

	if host.CallCountOpen != 2 {
		t.Errorf("open calls = %d, want 2 (initial + recovery)", host.CallCountOpen)
	}
	drainUntil(t, s.Events(), func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.From == StateRecovering && ev.To == StateRecording
	})
}

func TestBufferResetBeforeStreamOpens(t *testing.T) {
	frame := make([]int16, 160)
	for i := range frame {
		frame[i] = 500
	}

	host := defaultHost()
	// The adapter starts delivering frames the moment the stream exists.
	host.OnOpen = func(cb audio.FrameCallback) {
		cb(audio.Frame{Samples: frame, SampleRate: 16000, Channels: 1})
	}

	s, buf := newSupervisor(t, host)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// A reset after Open would wipe the frame written during Open.
	if used := buf.Used(); used != 160 {
		t.Errorf("buffer holds %d samples after Start, want 160", used)
	}

	// Same ordering on the recovery path: stale samples from the dead
	// stream are discarded, the recovery stream's first frame survives.
	host.EmitFrame(audio.Frame{Samples: frame, SampleRate: 16000, Channels: 1})
	host.FailStream(errUnplugged)
	waitForState(t, s, StateRecording)

	if used := buf.Used(); used != 160 {
		t.Errorf("buffer holds %d samples after recovery, want 160", used)
	}
}

func TestRecovery_ExhaustedAfterThreeAttempts(t *testing.T) {
	host := defaultHost()
	host.OpenErrors = []error{nil, errUnplugged, errUnplugged, errUnplugged}
	s, _ := newSupervisor(t, host)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	host.FailStream(errUnplugged)
	waitForState(t, s, StateError)

	// Initial open + exactly 3 recovery attempts.
	if host.CallCountOpen != 4 {
		t.Errorf("open calls = %d, want 4", host.CallCountOpen)
	}

	ev := drainUntil(t, s.Events(), func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.To == StateError
	})
	var exhausted *RecoveryExhaustedError
	if !errors.As(ev.Err, &exhausted) {
		t.Fatalf("terminal event error = %v, want RecoveryExhaustedError", ev.Err)
	}
	if exhausted.Attempts != 3 || ev.Attempts != 3 {
		t.Errorf("attempts = %d/%d, want 3", exhausted.Attempts, ev.Attempts)
	}

	// Stays in Error: no further automatic retries.
	time.Sleep(50 * time.Millisecond)
	if s.State() != StateError {
		t.Fatalf("state = %s, want error to persist", s.State())
	}
	if host.CallCountOpen != 4 {
		t.Errorf("open calls grew to %d after exhaustion", host.CallCountOpen)
	}

	// Explicit Start is the only way out.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart from error: %v", err)
	}
	defer s.Stop()
	if s.State() != StateRecording {
		t.Errorf("state = %s, want recording after restart", s.State())
	}
}

func TestRecovery_FailedAttemptEventsCarryAttemptCount(t *testing.T) {
	host := defaultHost()
	host.OpenErrors = []error{nil, errUnplugged, errUnplugged, errUnplugged}
	s, _ := newSupervisor(t, host)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	host.FailStream(errUnplugged)
	waitForState(t, s, StateError)

	for want := 1; want <= 3; want++ {
		ev := drainUntil(t, s.Events(), func(ev Event) bool { return ev.Type == EventRecoveryFailed })
		if ev.Attempts != want {
			t.Errorf("failed attempt #%d reported as %d", want, ev.Attempts)
		}
	}
}

func TestStop_FromAnyStateEndsIdle(t *testing.T) {
	t.Run("from idle", func(t *testing.T) {
		s, _ := newSupervisor(t, defaultHost())
		s.Stop()
		if s.State() != StateIdle {
			t.Errorf("state = %s", s.State())
		}
	})

	t.Run("from recording", func(t *testing.T) {
		host := defaultHost()
		s, buf := newSupervisor(t, host)
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		host.EmitFrame(audio.Frame{Samples: make([]int16, 160), SampleRate: 16000, Channels: 1})
		s.Stop()
		if s.State() != StateIdle {
			t.Errorf("state = %s", s.State())
		}
		if buf.Used() != 0 {
			t.Errorf("stop should discard %d buffered samples", buf.Used())
		}
	})

	t.Run("from error", func(t *testing.T) {
		host := defaultHost()
		host.OpenErrors = []error{nil, errUnplugged, errUnplugged, errUnplugged}
		s, _ := newSupervisor(t, host)
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		host.FailStream(errUnplugged)
		waitForState(t, s, StateError)
		s.Stop()
		if s.State() != StateIdle {
			t.Errorf("state = %s", s.State())
		}
	})
}

func TestStaleStreamFrames_Ignored(t *testing.T) {
	host := defaultHost()
	s, buf := newSupervisor(t, host)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Grab the live stream's callback by emitting after Stop: the mock
	// keeps the stream, the supervisor's epoch guard must discard frames.
	s.Stop()
	host.EmitFrame(audio.Frame{Samples: make([]int16, 160), SampleRate: 16000, Channels: 1})
	if buf.Used() != 0 {
		t.Errorf("stale frame landed in buffer: %d samples", buf.Used())
	}
}

func TestSustainedOverrun_EmitsEvent(t *testing.T) {
	host := defaultHost()
	buf, err := ring.New(200)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.OverrunThreshold = 100
	s := New(host, buf, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// Nobody drains the buffer; hammer it far past the threshold.
	frame := make([]int16, 160)
	for range 10 {
		host.EmitFrame(audio.Frame{Samples: frame, SampleRate: 16000, Channels: 1})
	}

	ev := drainUntil(t, s.Events(), func(ev Event) bool { return ev.Type == EventOverrun })
	if ev.Dropped == 0 {
		t.Error("overrun event should carry the drop count")
	}
	if s.State() != StateRecording {
		t.Errorf("overrun must not leave recording, state = %s", s.State())
	}
}
