// Package backend defines the Backend interface for transcription engines.
//
// A backend turns a bounded speech segment into text. Implementations range
// from fully local inference (whisper.cpp via CGO bindings) to remote batch
// APIs (OpenAI) and remote streaming APIs (Deepgram). The dispatcher treats
// them uniformly: it inspects [Capabilities] to decide scheduling and egress
// policy, probes availability, and calls Transcribe once per segment.
//
// Implementations must be safe for concurrent use; the dispatcher may run
// multiple Transcribe calls at once.
package backend

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/smbpunt/opensay/pkg/audio"
)

// ErrUnavailable is returned (possibly wrapped) by Transcribe when the
// backend cannot serve requests right now (model not loaded, credentials
// missing, or network egress denied). The dispatcher reports it per segment
// without tearing down the session.
var ErrUnavailable = errors.New("backend unavailable")

// Capabilities describes static properties of a backend. The dispatcher and
// the egress guard read these to decide how to schedule and police calls.
type Capabilities struct {
	// Name identifies the backend in logs, results, and configuration
	// (e.g. "whisper-local", "openai", "deepgram").
	Name string

	// RequiresNetwork is true when Transcribe sends audio off the machine.
	// Network backends are only reachable through the egress guard's HTTP
	// client and are refused entirely in local-only mode.
	RequiresNetwork bool

	// SupportsStreaming is true when the backend can emit interim results
	// via Request.OnPartial before the final text.
	SupportsStreaming bool

	// Languages lists supported BCP-47 tags. Empty means the backend
	// auto-detects or accepts any language.
	Languages []string
}

// Satisfies reports whether a backend with these capabilities can serve a
// request carrying the given requirements.
func (c Capabilities) Satisfies(r Requirements) bool {
	if r.Streaming && !c.SupportsStreaming {
		return false
	}
	if r.Language != "" && len(c.Languages) > 0 && !slices.Contains(c.Languages, r.Language) {
		return false
	}
	return true
}

// Requirements narrows which backends may serve a request. Zero values
// impose no constraint; the dispatcher rejects a segment instead of calling
// a backend that cannot satisfy them.
type Requirements struct {
	// Language is a BCP-47 tag the backend must support. A backend with an
	// empty Capabilities.Languages list accepts any language.
	Language string

	// Streaming requires interim results via Request.OnPartial.
	Streaming bool
}

// Request carries one segment to transcribe.
type Request struct {
	// Segment is the speech audio. The backend must not retain the samples
	// after Transcribe returns; the dispatcher wipes them.
	Segment *audio.Segment

	// Language is a BCP-47 hint. Empty lets the backend decide.
	Language string

	// Require lists constraints the serving backend must meet. The
	// dispatcher checks them against [Capabilities] before the call.
	Require Requirements

	// OnPartial, when non-nil and the backend supports streaming, receives
	// interim results before Transcribe returns the final one. It is called
	// from the backend's goroutine and must not block.
	OnPartial func(Result)
}

// Result is a transcription outcome.
type Result struct {
	// Text is the recognised text, trimmed.
	Text string

	// IsFinal is false for interim streaming results delivered via
	// OnPartial, true for the result returned by Transcribe.
	IsFinal bool

	// BackendID names the backend that produced the result.
	BackendID string

	// Latency is the wall time the backend spent on the segment.
	Latency time.Duration
}

// Backend is the abstraction over any transcription engine.
type Backend interface {
	// Capabilities reports the backend's static properties. It must be
	// cheap and never block.
	Capabilities() Capabilities

	// IsAvailable reports whether Transcribe is likely to succeed right
	// now: model loaded, credentials present, endpoint reachable. It must
	// respect ctx and return promptly.
	IsAvailable(ctx context.Context) bool

	// Transcribe converts the request's segment to text. It respects ctx
	// for cancellation and returns the final result or an error. Errors
	// affect only the failing segment.
	Transcribe(ctx context.Context, req Request) (Result, error)

	// Close releases models, connections, and goroutines. Calling Close
	// more than once is safe.
	Close() error
}
