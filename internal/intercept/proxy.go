package intercept

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/funnyzak/reqsnipe/pkg/request"
)

// Proxy is a reverse proxy in front of the target origin. Browser traffic
// pointed at it is forwarded unchanged; calls to the target endpoint are captured.
type Proxy struct {
	tap     *Tap
	origin  *url.URL
	proxy   *httputil.ReverseProxy
	observe bool
}

// NewProxy creates a proxy forwarding to the origin of the tap's target URL through transport.
// When transport is a *Transport on the same tap, capture happens there instead.
func NewProxy(tap *Tap, transport http.RoundTripper) (*Proxy, error) {
	target, err := url.Parse(tap.TargetURL())
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, errors.New("target url must be absolute")
	}
	origin := &url.URL{Scheme: target.Scheme, Host: target.Host}

	p := &Proxy{tap: tap, origin: origin, observe: true}
	if tt, ok := transport.(*Transport); ok && tt.tap == tap {
		p.observe = false
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			tap.logger.Warn("Proxy upstream error", "url", r.URL.String(), "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return p, nil
}

func (p *Proxy) Name() string {
	return "proxy"
}

func (p *Proxy) Tap() *Tap {
	return p.tap
}

// ServeHTTP implements http.Handler
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.IsAbs() && r.URL.Host != p.origin.Host {
		http.Error(w, "only "+p.origin.String()+" is proxied", http.StatusForbidden)
		return
	}

	absolute := p.absoluteURL(r)
	if p.observe && p.tap.shouldCapture(r.Method, absolute) {
		body, restored, err := p.tap.readBody(r.Body)
		r.Body = restored
		if err != nil {
			p.tap.fail(p.Name(), err)
		} else {
			p.tap.observe(r.Context(), p.Name(), r.Method, absolute, request.FlattenHeader(r.Header), body)
		}
	}

	p.proxy.ServeHTTP(w, r)
}

// absoluteURL maps the incoming request onto the target origin.
func (p *Proxy) absoluteURL(r *http.Request) string {
	u := *p.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return u.String()
}
