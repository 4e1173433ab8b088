// Package energy implements vad.Engine with an adaptive RMS energy
// detector. It needs no model file and no cgo, which makes it the default
// detector: speech probability is derived from the ratio between a frame's
// RMS energy and a slowly adapting noise-floor estimate, smoothed with an
// exponential moving average to suppress single-frame flicker.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/smbpunt/opensay/pkg/vad"
)

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

const (
	// minFloor prevents the noise-floor estimate from collapsing to zero
	// in digital silence, which would classify any non-zero sample as speech.
	minFloor = 40.0

	// floorAdapt is the per-frame adaptation rate of the noise floor while
	// the frame is quieter than the current floor estimate.
	floorAdapt = 0.05

	// floorDrift lets the floor creep upward slowly so a changed ambient
	// level is eventually absorbed.
	floorDrift = 0.002

	// smoothing is the EMA factor applied to the raw probability.
	smoothing = 0.3

	// ratioAtFull is the energy/floor ratio mapped to probability 1.0.
	ratioAtFull = 8.0
)

// Engine creates energy-detector sessions.
type Engine struct{}

// New returns a ready Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a detector session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs < 10 || cfg.FrameSizeMs > 30 {
		return nil, fmt.Errorf("energy: frame size must be 10-30 ms, got %d", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold out of range: %v", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, %v]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		cfg:        cfg,
		frameSize:  cfg.SampleRate * cfg.FrameSizeMs / 1000,
		noiseFloor: minFloor,
	}, nil
}

type session struct {
	mu  sync.Mutex
	cfg vad.Config

	frameSize  int
	noiseFloor float64
	smoothed   float64
	inSpeech   bool
	seen       bool
	closed     bool
}

var errClosed = errors.New("energy: session is closed")

// ProcessFrame classifies one frame. See package doc for the detection
// model.
func (s *session) ProcessFrame(frame []int16) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Result{}, errClosed
	}
	if len(frame) != s.frameSize {
		return vad.Result{}, fmt.Errorf("energy: expected %d samples per frame, got %d", s.frameSize, len(frame))
	}

	rms := frameRMS(frame)

	// Track the noise floor: follow quickly downward, drift slowly upward.
	if rms < s.noiseFloor {
		s.noiseFloor += (rms - s.noiseFloor) * floorAdapt
	} else if !s.inSpeech {
		s.noiseFloor += (rms - s.noiseFloor) * floorDrift
	}
	if s.noiseFloor < minFloor {
		s.noiseFloor = minFloor
	}

	// Map the energy ratio onto [0,1].
	raw := (rms/s.noiseFloor - 1.0) / (ratioAtFull - 1.0)
	raw = math.Max(0, math.Min(1, raw))

	if s.seen {
		s.smoothed = smoothing*raw + (1-smoothing)*s.smoothed
	} else {
		s.smoothed = raw
		s.seen = true
	}

	// Hysteresis between the two thresholds keeps the previous state.
	switch {
	case s.smoothed >= s.cfg.SpeechThreshold:
		s.inSpeech = true
	case s.smoothed < s.cfg.SilenceThreshold:
		s.inSpeech = false
	}

	return vad.Result{Speech: s.inSpeech, Probability: s.smoothed}, nil
}

// Reset clears the noise floor and smoothing history.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noiseFloor = minFloor
	s.smoothed = 0
	s.inSpeech = false
	s.seen = false
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func frameRMS(frame []int16) float64 {
	var sum float64
	for _, v := range frame {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}
