// Package mock provides an in-memory mock implementation of [vad.Engine]
// and [vad.SessionHandle] for use in unit tests.
//
// The mock classifies frames with a caller-supplied function, so tests can
// script exact speech/silence boundaries without depending on a real
// detector's tuning.
package mock

import (
	"sync"

	"github.com/smbpunt/opensay/pkg/vad"
)

// Engine is a mock implementation of [vad.Engine].
type Engine struct {
	mu sync.Mutex

	// ClassifyFunc decides the result for each frame. When nil, every
	// frame is classified as silence with probability 0.
	ClassifyFunc func(frame []int16) vad.Result

	// NewSessionError is returned by NewSession when non-nil.
	NewSessionError error

	// CallCountNewSession records how many times NewSession was called.
	CallCountNewSession int
}

// NewSession returns a session that delegates to ClassifyFunc.
func (e *Engine) NewSession(_ vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountNewSession++
	if e.NewSessionError != nil {
		return nil, e.NewSessionError
	}
	return &Session{classify: e.ClassifyFunc}, nil
}

// Session is the mock session handed out by [Engine.NewSession].
type Session struct {
	mu       sync.Mutex
	classify func(frame []int16) vad.Result

	// CallCountProcessFrame records how many frames were processed.
	CallCountProcessFrame int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// ProcessFrame classifies the frame via the engine's ClassifyFunc.
func (s *Session) ProcessFrame(frame []int16) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountProcessFrame++
	if s.classify == nil {
		return vad.Result{}, nil
	}
	return s.classify(frame), nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountReset++
}

// Close records the call and returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}
