package intercept

import (
	"net/http"

	"github.com/funnyzak/reqsnipe/pkg/request"
)

// Transport wraps a RoundTripper and captures matching outgoing calls.
type Transport struct {
	tap  *Tap
	base http.RoundTripper
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(tap *Tap, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{tap: tap, base: base}
}

func (t *Transport) Name() string {
	return "transport"
}

func (t *Transport) Tap() *Tap {
	return t.tap
}

// RoundTrip implements http.RoundTripper. The wrapped call always proceeds
// with the original method, headers and body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || !t.tap.shouldCapture(req.Method, req.URL.String()) {
		return t.base.RoundTrip(req)
	}

	out := req
	body, restored, err := t.tap.readBody(req.Body)
	if restored != req.Body {
		out = req.Clone(req.Context())
		out.Body = restored
	}
	if err != nil {
		t.tap.fail(t.Name(), err)
		return t.base.RoundTrip(out)
	}

	headers := request.FlattenHeader(req.Header)
	t.tap.observe(req.Context(), t.Name(), req.Method, req.URL.String(), headers, body)

	return t.base.RoundTrip(out)
}
