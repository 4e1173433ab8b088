// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (an energy detector, a
// Silero model, …) and surfaces it as a stateful session. Each session
// maintains its own internal state (noise floor, smoothing history) so that
// detection state never bleeds across recording sessions.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency pipeline stage
// that gates transcription input.
//
// Implementations must be safe for concurrent use across different
// sessions. A single SessionHandle should not be shared across goroutines
// unless the implementation explicitly documents thread safety.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match
	// this size. Valid range 10–30 ms.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame is
	// classified as speech. Range [0.0, 1.0]. Typical: 0.6.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame is classified
	// as silence. Must be <= SpeechThreshold; frames between the two keep
	// the previous classification (hysteresis). Typical: 0.4.
	SilenceThreshold float64
}

// Result is the detection outcome for a single frame.
type Result struct {
	// Speech reports whether the frame is classified as speech.
	Speech bool

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of mono PCM samples and returns the
	// detection result. The frame must contain exactly
	// SampleRate*FrameSizeMs/1000 samples. This method is called
	// synchronously in the segmenter loop; it must not block.
	ProcessFrame(frame []int16) (Result, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted
	// so stale state from the previous stream cannot affect new frames.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid (unsupported sample rate, frame
	// size, or threshold out of range).
	NewSession(cfg Config) (SessionHandle, error)
}
