// Package whisper provides a fully local transcription backend using the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared across all Transcribe
// calls; each call creates its own whisper context, so segments can be
// transcribed concurrently. Audio never leaves the process.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/smbpunt/opensay/pkg/backend"
)

const defaultLanguage = "en"

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage sets the default BCP-47 language code for transcription
// (e.g. "en", "de", "fr"). A per-request language overrides it. Defaults
// to "en".
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// WithTranslate enables translating recognised speech to English instead of
// transcribing it verbatim.
func WithTranslate(translate bool) Option {
	return func(b *Backend) { b.translate = translate }
}

// Backend implements backend.Backend using whisper.cpp in-process.
type Backend struct {
	language  string
	translate bool

	mu     sync.RWMutex
	model  whisperlib.Model
	closed bool
}

// New creates a Backend that loads the whisper.cpp model from the given
// file path. The caller must call Close when the backend is no longer
// needed.
func New(modelPath string, opts ...Option) (*Backend, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	b := &Backend{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Capabilities reports a local, non-streaming backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              "whisper-local",
		RequiresNetwork:   false,
		SupportsStreaming: false,
	}
}

// IsAvailable reports whether the model is loaded.
func (b *Backend) IsAvailable(_ context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed && b.model != nil
}

// Transcribe runs whisper.cpp inference on the segment. Each call creates a
// fresh whisper context from the shared model; contexts are not thread-safe
// but the model is, so concurrent calls are fine.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (backend.Result, error) {
	if err := ctx.Err(); err != nil {
		return backend.Result{}, fmt.Errorf("whisper: %w", err)
	}
	b.mu.RLock()
	model, closed := b.model, b.closed
	b.mu.RUnlock()
	if closed || model == nil {
		return backend.Result{}, fmt.Errorf("whisper: model not loaded: %w", backend.ErrUnavailable)
	}
	if req.Segment == nil || len(req.Segment.Samples) == 0 {
		return backend.Result{}, errors.New("whisper: empty segment")
	}

	start := time.Now()

	wctx, err := model.NewContext()
	if err != nil {
		return backend.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = b.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using model default", "language", lang, "error", err)
	}
	wctx.SetTranslate(b.translate)

	samples := pcm16ToFloat32(req.Segment.Samples)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return backend.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return backend.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return backend.Result{
		Text:      strings.Join(parts, " "),
		IsFinal:   true,
		BackendID: "whisper-local",
		Latency:   time.Since(start),
	}, nil
}

// Close releases the whisper model. Calling Close more than once is safe.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.model != nil {
		return b.model.Close()
	}
	return nil
}

// pcm16ToFloat32 converts 16-bit signed PCM samples to float32 normalised
// to [-1.0, 1.0], the input format whisper.cpp expects.
func pcm16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
