package egress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

// recordingTransport counts round trips without reaching the network.
type recordingTransport struct {
	calls int
}

func (r *recordingTransport) RoundTrip(_ *http.Request) (*http.Response, error) {
	r.calls++
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestGuardedClientDeniesWithoutDialing(t *testing.T) {
	g := testGuard(nil)
	base := &recordingTransport{}
	client := g.httpClient(CategoryTranscription, base)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "https://api.deepgram.com/v1/listen", strings.NewReader("pcm"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	_, err = client.Do(req)
	if err == nil {
		t.Fatal("request should be denied in local mode")
	}
	if !errors.Is(err, ErrEgressDenied) {
		t.Errorf("error %v does not wrap ErrEgressDenied", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error %v is not a DeniedError", err)
	}
	if denied.Destination != "api.deepgram.com" {
		t.Errorf("denied destination = %q", denied.Destination)
	}
	if base.calls != 0 {
		t.Errorf("base transport dialed %d times on denial", base.calls)
	}

	// The attempt is still audited.
	tail := g.Tail()
	if len(tail) != 1 || tail[0].Allowed {
		t.Fatalf("tail = %+v, want one denied record", tail)
	}
	if tail[0].Reason != "POST /v1/listen" {
		t.Errorf("audit reason = %q", tail[0].Reason)
	}
}

// closeRecorder reports whether the request body was closed.
type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestDenialClosesRequestBody(t *testing.T) {
	g := testGuard(nil)
	transport := &guardedTransport{guard: g, category: CategoryTranscription, base: &recordingTransport{}}

	body := &closeRecorder{Reader: strings.NewReader("pcm")}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "https://api.deepgram.com/v1/listen", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	if _, err := transport.RoundTrip(req); !errors.Is(err, ErrEgressDenied) {
		t.Fatalf("error = %v, want denial", err)
	}
	if !body.closed {
		t.Error("request body not closed on denial")
	}
}

func TestGuardedClientAllowsAfterConsent(t *testing.T) {
	g := testGuard(nil)
	grantConsent(t, g, CategoryTranscription, "api.deepgram.com")

	base := &recordingTransport{}
	client := g.httpClient(CategoryTranscription, base)

	resp, err := client.Get("https://api.deepgram.com/v1/listen")
	if err != nil {
		t.Fatalf("request denied after consent: %v", err)
	}
	resp.Body.Close()
	if base.calls != 1 {
		t.Errorf("base transport calls = %d, want 1", base.calls)
	}

	tail := g.Tail()
	if len(tail) != 1 || !tail[0].Allowed {
		t.Fatalf("tail = %+v, want one allowed record", tail)
	}
}

func TestIsDenied(t *testing.T) {
	err := &DeniedError{Destination: "api.openai.com", Reason: "local-only"}
	if !IsDenied(err) {
		t.Error("IsDenied should match DeniedError")
	}
	if IsDenied(errors.New("other")) {
		t.Error("IsDenied should not match unrelated errors")
	}
}
