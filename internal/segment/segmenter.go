// Package segment turns the continuous capture stream into bounded speech
// segments.
//
// The Segmenter polls the ring buffer at a fixed frame cadence, classifies
// each frame with a [vad.SessionHandle], and runs a two-state machine
// (silence, speech-accumulating). A segment opens once speech has been
// sustained for the configured minimum duration, including a pre-roll of
// padding so onsets are not clipped, and closes when trailing silence
// exceeds the close threshold, when the segment hits its maximum duration
// bound, or when the session is flushed. Audio that never reaches the
// minimum speech duration is dropped as noise.
//
// The segmenter performs no network or disk access; it is a pure in-memory
// transform between the capture side and the dispatcher.
package segment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smbpunt/opensay/internal/ring"
	"github.com/smbpunt/opensay/pkg/audio"
	"github.com/smbpunt/opensay/pkg/vad"
)

// Emitter receives each closed segment. The segmenter hands over ownership
// of the segment's samples; the consumer wipes them after use.
type Emitter func(ctx context.Context, seg *audio.Segment) error

// Config holds segmentation parameters. Zero values select defaults.
type Config struct {
	// SampleRate of the ring buffer's samples. Default: 16000.
	SampleRate int

	// FrameMs is the polling cadence and VAD frame size in milliseconds.
	// Default: 20.
	FrameMs int

	// SpeechThreshold and SilenceThreshold are passed to the VAD session.
	// Defaults: 0.6 and 0.4.
	SpeechThreshold  float64
	SilenceThreshold float64

	// MinSpeech is the sustained speech duration required to open a
	// segment. Shorter bursts are dropped as noise. Default: 300 ms.
	MinSpeech time.Duration

	// CloseSilence is the trailing silence duration that closes an open
	// segment. Default: 500 ms.
	CloseSilence time.Duration

	// Padding is retained before the detected onset and after the detected
	// offset so segment boundaries do not clip speech. Default: 150 ms.
	Padding time.Duration

	// MaxSegment bounds segment length under continuous speech.
	// Default: 30 s.
	MaxSegment time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameMs <= 0 {
		c.FrameMs = 20
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.6
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 0.4
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = 300 * time.Millisecond
	}
	if c.CloseSilence <= 0 {
		c.CloseSilence = 500 * time.Millisecond
	}
	if c.Padding <= 0 {
		c.Padding = 150 * time.Millisecond
	}
	if c.MaxSegment <= 0 {
		c.MaxSegment = 30 * time.Second
	}
	return c
}

func (c Config) frameSize() int { return c.SampleRate * c.FrameMs / 1000 }

func (c Config) samples(d time.Duration) int {
	return int(d * time.Duration(c.SampleRate) / time.Second)
}

type segState int

const (
	stateSilence segState = iota
	stateSpeech
)

// Segmenter consumes the ring buffer and emits speech segments.
type Segmenter struct {
	buf    *ring.Buffer
	engine vad.Engine
	cfg    Config
	emit   Emitter

	mu   sync.Mutex
	sess vad.SessionHandle

	state      segState
	carry      []int16 // partial frame left over between polls
	preroll    []int16 // recent silence kept for onset padding
	pending    []int16 // speech candidate shorter than MinSpeech
	pendingDur time.Duration
	accum      []int16 // open segment samples
	silenceRun time.Duration
	probSum    float64
	probCount  int
	consumed   uint64 // total samples taken from the ring this session
	startOff   uint64 // sample offset of the open segment's first sample
}

// New creates a Segmenter reading from buf, classifying with engine, and
// delivering closed segments to emit.
func New(buf *ring.Buffer, engine vad.Engine, emit Emitter, cfg Config) *Segmenter {
	return &Segmenter{
		buf:    buf,
		engine: engine,
		cfg:    cfg.withDefaults(),
		emit:   emit,
	}
}

// Run polls the buffer until ctx is cancelled. Cancellation discards any
// audio still awaiting classification; use [Segmenter.Flush] first for a
// graceful stop that emits the pending segment.
func (s *Segmenter) Run(ctx context.Context) error {
	sess, err := s.engine.NewSession(vad.Config{
		SampleRate:       s.cfg.SampleRate,
		FrameSizeMs:      s.cfg.FrameMs,
		SpeechThreshold:  s.cfg.SpeechThreshold,
		SilenceThreshold: s.cfg.SilenceThreshold,
	})
	if err != nil {
		return fmt.Errorf("segment: create vad session: %w", err)
	}

	s.mu.Lock()
	s.sess = sess
	s.resetLocked()
	s.mu.Unlock()

	defer sess.Close()

	ticker := time.NewTicker(time.Duration(s.cfg.FrameMs) * time.Millisecond)
	defer ticker.Stop()

	scratch := make([]int16, s.cfg.frameSize()*64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx, scratch)
		}
	}
}

// poll drains available samples and feeds complete frames through the
// state machine.
func (s *Segmenter) poll(ctx context.Context, scratch []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess == nil {
		return
	}
	n := s.buf.ReadAvailable(scratch)
	if n == 0 {
		return
	}
	s.carry = append(s.carry, scratch[:n]...)

	frameSize := s.cfg.frameSize()
	for len(s.carry) >= frameSize {
		frame := s.carry[:frameSize]
		s.processFrame(ctx, frame)
		s.carry = s.carry[frameSize:]
	}
	if len(s.carry) == 0 {
		s.carry = nil
	}
}

// processFrame advances the state machine by one frame. Caller holds s.mu.
func (s *Segmenter) processFrame(ctx context.Context, frame []int16) {
	res, err := s.sess.ProcessFrame(frame)
	if err != nil {
		slog.Warn("segment: vad frame error", "err", err)
		return
	}
	s.consumed += uint64(len(frame))
	frameDur := time.Duration(s.cfg.FrameMs) * time.Millisecond

	switch s.state {
	case stateSilence:
		if res.Speech {
			s.pending = append(s.pending, frame...)
			s.pendingDur += frameDur
			s.probSum += res.Probability
			s.probCount++
			if s.pendingDur >= s.cfg.MinSpeech {
				s.openSegment()
			}
			return
		}
		// Noise burst shorter than MinSpeech: fold it into the pre-roll.
		if len(s.pending) > 0 {
			s.preroll = append(s.preroll, s.pending...)
			s.pending = nil
			s.pendingDur = 0
			s.probSum = 0
			s.probCount = 0
		}
		s.preroll = append(s.preroll, frame...)
		s.trimPreroll()

	case stateSpeech:
		s.accum = append(s.accum, frame...)
		if res.Speech {
			s.silenceRun = 0
			s.probSum += res.Probability
			s.probCount++
		} else {
			s.silenceRun += frameDur
			if s.silenceRun >= s.cfg.CloseSilence {
				s.closeSegment(ctx, false)
				return
			}
		}
		if s.accumDur() >= s.cfg.MaxSegment {
			s.closeSegment(ctx, true)
		}
	}
}

// openSegment promotes the pending speech into an open segment, prepending
// the pre-roll padding.
func (s *Segmenter) openSegment() {
	s.accum = make([]int16, 0, len(s.preroll)+len(s.pending)+s.cfg.samples(time.Second))
	s.accum = append(s.accum, s.preroll...)
	s.accum = append(s.accum, s.pending...)
	s.startOff = s.consumed - uint64(len(s.accum))
	s.preroll = nil
	s.pending = nil
	s.pendingDur = 0
	s.silenceRun = 0
	s.state = stateSpeech
}

// closeSegment emits the open segment. When atBound is true the segment
// hit MaxSegment and accumulation continues seamlessly; otherwise the
// trailing silence beyond the offset padding is trimmed and recycled as
// the next pre-roll.
func (s *Segmenter) closeSegment(ctx context.Context, atBound bool) {
	samples := s.accum
	var tail []int16

	if !atBound {
		trim := s.cfg.samples(s.silenceRun) - s.cfg.samples(s.cfg.Padding)
		if trim > 0 && trim < len(samples) {
			cut := len(samples) - trim
			// Copy: emitted samples are wiped by the consumer, the tail
			// must not share their backing array.
			tail = make([]int16, trim)
			copy(tail, samples[cut:])
			samples = samples[:cut]
		}
	}

	confidence := 0.0
	if s.probCount > 0 {
		confidence = s.probSum / float64(s.probCount)
	}

	seg := &audio.Segment{
		ID:          uuid.New(),
		Samples:     samples,
		SampleRate:  s.cfg.SampleRate,
		StartOffset: time.Duration(s.startOff) * time.Second / time.Duration(s.cfg.SampleRate),
		Duration:    time.Duration(len(samples)) * time.Second / time.Duration(s.cfg.SampleRate),
		Confidence:  confidence,
	}

	s.accum = nil
	s.probSum = 0
	s.probCount = 0
	s.silenceRun = 0

	if atBound {
		// Continuous speech: stay in the speech state, next segment picks
		// up exactly where this one ended.
		s.startOff = s.consumed
	} else {
		s.state = stateSilence
		s.preroll = tail
		s.trimPreroll()
	}

	if err := s.emit(ctx, seg); err != nil {
		slog.Warn("segment: emit failed, segment dropped", "segment", seg.ID, "err", err)
		seg.Wipe()
	}
}

// Flush closes and emits the segment being accumulated, if any. Pending
// audio that never reached MinSpeech is dropped as noise. Called when the
// supervisor leaves Recording and on graceful session stop.
func (s *Segmenter) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateSpeech && len(s.accum) > 0 {
		s.closeSegment(ctx, false)
	}
	s.resetLocked()
	if s.sess != nil {
		s.sess.Reset()
	}
}

// accumDur is the duration of the open segment. Caller holds s.mu.
func (s *Segmenter) accumDur() time.Duration {
	return time.Duration(len(s.accum)) * time.Second / time.Duration(s.cfg.SampleRate)
}

// trimPreroll bounds the pre-roll to the padding window. Caller holds s.mu.
func (s *Segmenter) trimPreroll() {
	maxLen := s.cfg.samples(s.cfg.Padding)
	if len(s.preroll) > maxLen {
		s.preroll = append([]int16(nil), s.preroll[len(s.preroll)-maxLen:]...)
	}
}

// resetLocked clears all per-session accumulation state. Caller holds s.mu.
func (s *Segmenter) resetLocked() {
	s.state = stateSilence
	s.carry = nil
	s.preroll = nil
	s.pending = nil
	s.pendingDur = 0
	s.accum = nil
	s.silenceRun = 0
	s.probSum = 0
	s.probCount = 0
	s.consumed = 0
	s.startOff = 0
}
