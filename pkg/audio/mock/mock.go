// Package mock provides in-memory mock implementations of the [audio.Host]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values. The mock
// stream can inject frames ([Host.EmitFrame]) and simulate device loss
// ([Host.FailStream]) to drive the capture supervisor's recovery paths.
//
// Typical usage:
//
//	host := &mock.Host{
//	    DevicesResult: []audio.DeviceInfo{{ID: "mic0", IsDefault: true}},
//	}
//	sup := capture.New(host, buf, capture.Config{})
//	_ = sup.Start(ctx)
//	host.EmitFrame(audio.Frame{Samples: samples, SampleRate: 16000, Channels: 1})
//	host.FailStream(errors.New("device unplugged"))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/smbpunt/opensay/pkg/audio"
)

// Host is a mock implementation of [audio.Host].
// Set the exported Result fields before use; inspect the Call* fields after.
type Host struct {
	mu sync.Mutex

	// DevicesResult is returned by [Host.Devices]. The first entry with
	// IsDefault set is returned by [Host.DefaultDevice].
	DevicesResult []audio.DeviceInfo

	// DevicesError is returned by [Host.Devices] when non-nil.
	DevicesError error

	// OpenErrors is consumed one entry per Open call; a nil entry means
	// that Open call succeeds. Once exhausted, Open succeeds. Use this to
	// script a sequence of failed recovery attempts.
	OpenErrors []error

	// OnOpen, when set, runs synchronously inside each successful Open
	// with the new stream's frame callback, before Open returns. Use it
	// to model adapters that deliver frames as soon as a stream exists.
	OnOpen func(cb audio.FrameCallback)

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// OpenedIDs records the device ID passed to each Open call, in order.
	OpenedIDs []string

	// active is the currently open stream, nil when closed.
	active *Stream
}

// Devices returns DevicesResult or DevicesError.
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DevicesError != nil {
		return nil, h.DevicesError
	}
	out := make([]audio.DeviceInfo, len(h.DevicesResult))
	copy(out, h.DevicesResult)
	return out, nil
}

// DefaultDevice returns the first device marked IsDefault, or an error when
// no device qualifies.
func (h *Host) DefaultDevice() (audio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DevicesError != nil {
		return audio.DeviceInfo{}, h.DevicesError
	}
	for _, d := range h.DevicesResult {
		if d.IsDefault {
			return d, nil
		}
	}
	return audio.DeviceInfo{}, errors.New("mock: no default input device")
}

// Open records the call and returns a new mock [Stream], or the next
// scripted error from OpenErrors.
func (h *Host) Open(_ context.Context, id string, _ audio.StreamConfig, cb audio.FrameCallback, onErr audio.ErrorCallback) (audio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.CallCountOpen++
	h.OpenedIDs = append(h.OpenedIDs, id)

	if len(h.OpenErrors) > 0 {
		err := h.OpenErrors[0]
		h.OpenErrors = h.OpenErrors[1:]
		if err != nil {
			return nil, err
		}
	}

	s := &Stream{cb: cb, onErr: onErr}
	h.active = s
	if h.OnOpen != nil {
		h.OnOpen(cb)
	}
	return s, nil
}

// EmitFrame delivers a frame through the currently open stream's callback.
// It reports whether a stream was open to receive it.
func (h *Host) EmitFrame(f audio.Frame) bool {
	h.mu.Lock()
	s := h.active
	h.mu.Unlock()
	if s == nil {
		return false
	}
	return s.emit(f)
}

// FailStream simulates device loss on the currently open stream: the
// stream's error callback fires synchronously and the stream is marked
// closed. It reports whether a stream was open to fail.
func (h *Host) FailStream(err error) bool {
	h.mu.Lock()
	s := h.active
	h.active = nil
	h.mu.Unlock()
	if s == nil {
		return false
	}
	return s.fail(err)
}

// Stream is the mock capture stream handed out by [Host.Open].
type Stream struct {
	mu     sync.Mutex
	cb     audio.FrameCallback
	onErr  audio.ErrorCallback
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Close marks the stream closed. Safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

func (s *Stream) emit(f audio.Frame) bool {
	s.mu.Lock()
	closed, cb := s.closed, s.cb
	s.mu.Unlock()
	if closed || cb == nil {
		return false
	}
	cb(f)
	return true
}

func (s *Stream) fail(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	onErr := s.onErr
	s.mu.Unlock()
	if onErr != nil {
		onErr(err)
	}
	return true
}
