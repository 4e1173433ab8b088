// Package openai provides a transcription backend using the OpenAI audio
// transcription API. Segments are encoded as WAV and submitted as batch
// requests; there is no streaming, so partial results are never emitted.
//
// The backend refuses to construct without an HTTP client. Callers pass the
// egress guard's client so every request is subject to the privacy policy;
// there is no code path that reaches the network around the guard.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/smbpunt/opensay/pkg/audio"
	"github.com/smbpunt/opensay/pkg/backend"
)

const defaultModel = "whisper-1"

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*config)

// config holds optional configuration for the backend.
type config struct {
	model   string
	baseURL string
}

// WithModel sets the transcription model (e.g. "whisper-1",
// "gpt-4o-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL, for compatible
// self-hosted endpoints.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// Backend implements backend.Backend against the OpenAI transcription API.
type Backend struct {
	client oai.Client
	model  string
	hasKey bool
}

// New constructs an OpenAI transcription backend. httpClient must be the
// egress guard's client; passing nil is an error, not a fallback to the
// default transport.
func New(apiKey string, httpClient *http.Client, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if httpClient == nil {
		return nil, errors.New("openai: httpClient must not be nil")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Backend{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		hasKey: true,
	}, nil
}

// Capabilities reports a network batch backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              "openai",
		RequiresNetwork:   true,
		SupportsStreaming: false,
	}
}

// IsAvailable reports whether credentials are configured. Whether the
// egress guard will authorize the request is decided per call.
func (b *Backend) IsAvailable(_ context.Context) bool {
	return b.hasKey
}

// Transcribe encodes the segment as WAV and submits it to the transcription
// endpoint.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (backend.Result, error) {
	if req.Segment == nil || len(req.Segment.Samples) == 0 {
		return backend.Result{}, errors.New("openai: empty segment")
	}

	wav, err := audio.EncodeWAV(req.Segment.Samples, req.Segment.SampleRate)
	if err != nil {
		return backend.Result{}, fmt.Errorf("openai: encode segment: %w", err)
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "segment.wav", "audio/wav"),
		Model: oai.AudioModel(b.model),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}

	start := time.Now()
	resp, err := b.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return backend.Result{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	return backend.Result{
		Text:      strings.TrimSpace(resp.Text),
		IsFinal:   true,
		BackendID: "openai",
		Latency:   time.Since(start),
	}, nil
}

// Close releases nothing; the HTTP client is owned by the egress guard.
func (b *Backend) Close() error { return nil }
