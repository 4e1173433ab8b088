package audio

import (
	"time"

	"github.com/google/uuid"
)

// Frame represents a single frame of captured audio flowing through the
// pipeline. Frames are the atomic unit of transport between the platform
// capture callback and the ring buffer.
type Frame struct {
	// Samples holds signed 16-bit PCM samples, interleaved when Channels > 1.
	Samples []int16

	// SampleRate in Hz as delivered by the device (e.g., 48000 before
	// resampling, 16000 after).
	SampleRate int

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// DeviceInfo identifies an audio input device as reported by a [Host].
// Device identity is never persisted; IDs are only valid for the lifetime
// of the platform session that enumerated them.
type DeviceInfo struct {
	// ID is the platform-assigned device identifier.
	ID string

	// Name is the human-readable device name.
	Name string

	// SampleRate is the device's native sample rate in Hz.
	SampleRate int

	// Channels is the device's native channel count.
	Channels int

	// IsDefault reports whether this is the system default input device.
	IsDefault bool
}

// Segment is an immutable, owned copy of contiguous speech samples emitted
// by the segmenter. A Segment is consumed exactly once by the dispatcher;
// after the transcription call that consumes it returns, the consumer must
// call [Segment.Wipe] so the audio payload does not outlive the call.
type Segment struct {
	// ID uniquely identifies the segment within a session.
	ID uuid.UUID

	// Samples is mono 16-bit PCM speech audio, including the configured
	// onset/offset padding.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// StartOffset is the position of the first sample relative to the start
	// of the recording session.
	StartOffset time.Duration

	// Duration is the audible length of the segment.
	Duration time.Duration

	// Confidence is the mean speech probability reported by the detector
	// over the segment's speech frames (0.0–1.0).
	Confidence float64
}

// Wipe overwrites the segment's sample storage with zeros and drops the
// reference. Audio payloads must never persist beyond the transcription
// call that consumes them; releasing the slice alone is not enough.
func (s *Segment) Wipe() {
	for i := range s.Samples {
		s.Samples[i] = 0
	}
	s.Samples = nil
}
