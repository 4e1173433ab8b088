// Package deepgram provides a transcription backend using the Deepgram
// streaming WebSocket API. Each segment opens a short-lived stream: the PCM
// audio is written in small binary messages, interim results are forwarded
// as partials, and the concatenated final results become the segment's text.
//
// Like every network backend, construction requires the egress guard's HTTP
// client; the WebSocket dial goes through it, so the privacy policy applies
// to the handshake.
package deepgram

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/smbpunt/opensay/pkg/backend"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"

	// chunkSamples is the number of samples per binary WebSocket message,
	// 100 ms at 16 kHz. Deepgram recommends chunks in the 20-250 ms range.
	chunkSamples = 1600
)

// Compile-time assertion that Backend satisfies backend.Backend.
var _ backend.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithModel sets the Deepgram model (e.g. "nova-3", "base"). Defaults to
// "nova-3".
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithLanguage sets the default BCP-47 language code. A per-request
// language overrides it. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// WithEndpoint overrides the streaming endpoint URL, for self-hosted
// Deepgram deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(b *Backend) { b.endpoint = endpoint }
}

// Backend implements backend.Backend against the Deepgram streaming API.
type Backend struct {
	apiKey     string
	httpClient *http.Client
	endpoint   string
	model      string
	language   string
}

// New constructs a Deepgram backend. httpClient must be the egress guard's
// client; passing nil is an error, not a fallback to the default transport.
func New(apiKey string, httpClient *http.Client, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if httpClient == nil {
		return nil, errors.New("deepgram: httpClient must not be nil")
	}
	b := &Backend{
		apiKey:     apiKey,
		httpClient: httpClient,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Capabilities reports a network streaming backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              "deepgram",
		RequiresNetwork:   true,
		SupportsStreaming: true,
	}
}

// IsAvailable reports whether credentials are configured. Whether the
// egress guard will authorize the dial is decided per call.
func (b *Backend) IsAvailable(_ context.Context) bool {
	return b.apiKey != ""
}

// Transcribe streams the segment over a fresh WebSocket connection and
// collects the final results. Interim results are forwarded to
// req.OnPartial when set.
func (b *Backend) Transcribe(ctx context.Context, req backend.Request) (backend.Result, error) {
	if req.Segment == nil || len(req.Segment.Samples) == 0 {
		return backend.Result{}, errors.New("deepgram: empty segment")
	}

	wsURL, err := b.buildURL(req)
	if err != nil {
		return backend.Result{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.apiKey)

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: b.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return backend.Result{}, fmt.Errorf("deepgram: dial: %w: %w", backend.ErrUnavailable, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "segment done")

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- b.writeSegment(ctx, conn, req.Segment.Samples)
	}()

	finals, err := b.readResults(ctx, conn, req.OnPartial, start)
	if err != nil {
		return backend.Result{}, err
	}
	if werr := <-writeErr; werr != nil {
		return backend.Result{}, fmt.Errorf("deepgram: send audio: %w", werr)
	}

	return backend.Result{
		Text:      strings.Join(finals, " "),
		IsFinal:   true,
		BackendID: "deepgram",
		Latency:   time.Since(start),
	}, nil
}

// Close releases nothing; connections are per-segment.
func (b *Backend) Close() error { return nil }

// buildURL constructs the streaming endpoint URL for the request.
func (b *Backend) buildURL(req backend.Request) (string, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return "", err
	}

	lang := req.Language
	if lang == "" {
		lang = b.language
	}

	q := u.Query()
	q.Set("model", b.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(req.Segment.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	if req.OnPartial != nil {
		q.Set("interim_results", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeSegment sends the PCM samples in ~100 ms binary messages followed by
// a CloseStream control message so Deepgram flushes its final results.
func (b *Backend) writeSegment(ctx context.Context, conn *websocket.Conn, samples []int16) error {
	for off := 0; off < len(samples); off += chunkSamples {
		end := min(off+chunkSamples, len(samples))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm16Bytes(samples[off:end])); err != nil {
			return err
		}
	}
	return conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

// deepgramResponse is the JSON structure of a Deepgram Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// readResults consumes messages until the server signals the end of the
// stream. It returns the transcripts of all final results in order.
func (b *Backend) readResults(ctx context.Context, conn *websocket.Conn, onPartial func(backend.Result), start time.Time) ([]string, error) {
	var finals []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return finals, nil
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("deepgram: %w", ctx.Err())
			}
			return nil, fmt.Errorf("deepgram: read: %w", err)
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "Results":
			if len(resp.Channel.Alternatives) == 0 {
				continue
			}
			text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
			if text == "" {
				continue
			}
			if resp.IsFinal {
				finals = append(finals, text)
			} else if onPartial != nil {
				onPartial(backend.Result{
					Text:      text,
					IsFinal:   false,
					BackendID: "deepgram",
					Latency:   time.Since(start),
				})
			}
		case "Metadata":
			// Sent after CloseStream once all results are flushed.
			return finals, nil
		}
	}
}

// pcm16Bytes converts samples to 16-bit little-endian PCM bytes, the wire
// format declared by encoding=linear16.
func pcm16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
