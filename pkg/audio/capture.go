// Package audio defines the interfaces and types for audio capture within
// OpenSay.
//
// The two primary abstractions are:
//
//   - [Host] enumerates input devices and opens capture streams.
//   - [Stream] is a live capture stream delivering PCM frames through a
//     real-time callback until closed.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages (CoreAudio, WASAPI, ALSA, …). The interfaces are
// intentionally narrow so the capture supervisor stays decoupled from
// platform details. This package lives under pkg/ because external code
// (third-party platform adapters) is expected to implement [Host] and
// [Stream].
package audio

import "context"

// FrameCallback receives captured audio frames. It is invoked on the
// platform's real-time audio thread: implementations must return quickly,
// must not block, and must not acquire locks that slower threads hold.
type FrameCallback func(Frame)

// ErrorCallback is invoked when a stream terminates unexpectedly; the
// device was unplugged, the OS tore the stream down, or the system default
// input switched away from the opened device. Adapters surface
// default-device changes through this callback too, because continuing to
// read from a stale device handle is never correct. The callback runs on an
// internal goroutine and must not block.
type ErrorCallback func(error)

// StreamConfig describes the format the caller wants frames delivered in.
// Adapters convert from the device's native format when necessary.
type StreamConfig struct {
	// SampleRate is the desired PCM sample rate in Hz (e.g., 16000).
	SampleRate int

	// Channels is the desired channel count. 1 requests mono frames.
	Channels int
}

// Stream is an open capture stream. Frames flow through the
// [FrameCallback] supplied to [Host.Open] until Close is called or the
// [ErrorCallback] fires.
type Stream interface {
	// Close stops capture and releases the device handle. It is safe to
	// call Close more than once; subsequent calls are no-ops and return nil.
	// After Close returns, no further frame or error callbacks fire.
	Close() error
}

// Host is the entry point for a platform audio backend.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// Devices lists the currently available input devices.
	Devices() ([]DeviceInfo, error)

	// DefaultDevice returns the system default input device. Returns an
	// error when no input device exists.
	DefaultDevice() (DeviceInfo, error)

	// Open starts capturing from the device identified by id (pass the ID
	// from [Host.DefaultDevice] for the default device). Captured frames
	// are delivered via cb and abnormal termination via onErr. The supplied
	// ctx governs the lifetime of the open attempt only; once open, the
	// Stream remains alive until [Stream.Close] or a device failure.
	Open(ctx context.Context, id string, cfg StreamConfig, cb FrameCallback, onErr ErrorCallback) (Stream, error)
}
