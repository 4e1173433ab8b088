// Package mock provides a scriptable test double for the backend package.
//
// Use Backend to script per-call transcription results, latencies, and
// errors, and to inspect which segments the dispatcher delivered.
//
// Example:
//
//	b := &mock.Backend{
//	    Name:    "scripted",
//	    Results: []mock.Call{{Text: "hello"}, {Err: io.ErrUnexpectedEOF}},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/smbpunt/opensay/pkg/backend"
)

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Call scripts the outcome of one Transcribe invocation.
type Call struct {
	// Text is the final result text when Err is nil.
	Text string

	// Partials are delivered to the request's OnPartial callback, in
	// order, before the final result.
	Partials []string

	// Delay is slept (respecting ctx) before returning, to simulate
	// backend latency.
	Delay time.Duration

	// Err, when non-nil, is returned instead of a result.
	Err error
}

// Backend is a scriptable implementation of backend.Backend.
type Backend struct {
	mu sync.Mutex

	// Name is reported in Capabilities and results. Defaults to "mock".
	Name string

	// Network and Streaming set the corresponding capability flags.
	Network   bool
	Streaming bool

	// Languages sets Capabilities.Languages. Empty accepts any language.
	Languages []string

	// Available is returned by IsAvailable. Set it to true for a usable
	// backend; the zero value reports unavailable.
	Available bool

	// Results scripts successive Transcribe calls. Calls beyond the end
	// of the slice reuse the last entry; an empty slice yields empty
	// final results.
	Results []Call

	// Requests records every Transcribe invocation. Segment samples are
	// copied so later wipes don't affect the record.
	Requests []backend.Request

	// CallCountTranscribe and CallCountClose record invocations.
	CallCountTranscribe int
	CallCountClose      int
}

func (b *Backend) name() string {
	if b.Name == "" {
		return "mock"
	}
	return b.Name
}

// Capabilities reports the scripted capability flags.
func (b *Backend) Capabilities() backend.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return backend.Capabilities{
		Name:              b.name(),
		RequiresNetwork:   b.Network,
		SupportsStreaming: b.Streaming,
		Languages:         b.Languages,
	}
}

// IsAvailable returns the scripted availability.
func (b *Backend) IsAvailable(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Available
}

// Transcribe records the request and plays back the next scripted call.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (backend.Result, error) {
	b.mu.Lock()
	idx := b.CallCountTranscribe
	b.CallCountTranscribe++

	recorded := req
	if req.Segment != nil {
		seg := *req.Segment
		seg.Samples = append([]int16(nil), req.Segment.Samples...)
		recorded.Segment = &seg
	}
	b.Requests = append(b.Requests, recorded)

	var call Call
	if len(b.Results) > 0 {
		if idx >= len(b.Results) {
			idx = len(b.Results) - 1
		}
		call = b.Results[idx]
	}
	name := b.name()
	b.mu.Unlock()

	if call.Delay > 0 {
		select {
		case <-time.After(call.Delay):
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}
	if call.Err != nil {
		return backend.Result{}, call.Err
	}

	if req.OnPartial != nil {
		for _, text := range call.Partials {
			req.OnPartial(backend.Result{Text: text, BackendID: name})
		}
	}
	return backend.Result{
		Text:      call.Text,
		IsFinal:   true,
		BackendID: name,
		Latency:   call.Delay,
	}, nil
}

// Close records the call and returns nil.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return nil
}

// Reset clears recorded calls and requests. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Requests = nil
	b.CallCountTranscribe = 0
	b.CallCountClose = 0
}
