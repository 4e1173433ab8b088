package egress

import (
	"errors"
	"fmt"
	"net/http"
)

// DeniedError is returned by the guarded transport when a request is
// blocked. It wraps [ErrEgressDenied] so callers can match with errors.Is.
type DeniedError struct {
	Destination string
	Reason      string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("egress denied for %s: %s", e.Destination, e.Reason)
}

// Unwrap makes errors.Is(err, ErrEgressDenied) work.
func (e *DeniedError) Unwrap() error { return ErrEgressDenied }

// guardedTransport authorizes every request before handing it to the base
// round tripper. A denial never dials.
type guardedTransport struct {
	guard    *Guard
	category Category
	base     http.RoundTripper
}

var _ http.RoundTripper = (*guardedTransport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	byteEstimate := req.ContentLength
	if byteEstimate == 0 && req.Body != nil {
		byteEstimate = -1
	}
	dec := t.guard.Authorize(req.Context(), Descriptor{
		Destination:  req.URL.Hostname(),
		Category:     t.category,
		ByteEstimate: byteEstimate,
		Reason:       req.Method + " " + req.URL.Path,
	})
	if !dec.Allowed {
		// The RoundTripper contract requires closing the body even on
		// error paths.
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, &DeniedError{Destination: req.URL.Hostname(), Reason: dec.DenyReason}
	}
	return t.base.RoundTrip(req)
}

// HTTPClient returns an HTTP client whose every request passes Authorize
// under the given category. This is the only client remote backends are
// constructed with; there is no unguarded path to the network.
func (g *Guard) HTTPClient(cat Category) *http.Client {
	return g.httpClient(cat, http.DefaultTransport)
}

// httpClient allows tests to substitute the base transport.
func (g *Guard) httpClient(cat Category, base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &guardedTransport{guard: g, category: cat, base: base},
	}
}

// IsDenied reports whether err stems from an egress denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrEgressDenied)
}
