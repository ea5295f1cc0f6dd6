package request

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Headers is a flat header mapping with case-preserved keys and case-insensitive lookup.
type Headers map[string]string

// Get returns the value stored under name, ignoring case.
func (h Headers) Get(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for key, value := range h {
		if strings.EqualFold(key, name) {
			return value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing key matching name (ignoring case),
// keeping the stored spelling, or adds name when no key matches.
func (h Headers) Set(name, value string) {
	for key := range h {
		if strings.EqualFold(key, name) {
			h[key] = value
			return
		}
	}
	h[name] = value
}

// Clone returns a deep copy of the headers.
func (h Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// FlattenHeader collapses a multi-valued http.Header into Headers.
// Keys are kept as observed; invalid field names are dropped.
func FlattenHeader(src http.Header) Headers {
	out := make(Headers, len(src))
	for key, values := range src {
		if !httpguts.ValidHeaderFieldName(key) || len(values) == 0 {
			continue
		}
		sep := ", "
		if strings.EqualFold(key, "Cookie") {
			sep = "; "
		}
		out[key] = strings.Join(values, sep)
	}
	return out
}

// Options holds the replayable parts of a captured call.
type Options struct {
	Method  string  `json:"method" yaml:"method"`
	Headers Headers `json:"headers" yaml:"headers"`
	Body    string  `json:"body" yaml:"body"`
}

// Clone returns a deep copy, so overlays never touch the corpus entry.
func (o Options) Clone() Options {
	return Options{
		Method:  o.Method,
		Headers: o.Headers.Clone(),
		Body:    o.Body,
	}
}

// Template is an immutable snapshot of one captured request.
type Template struct {
	URL        string    `json:"url" yaml:"url"`
	Options    Options   `json:"options" yaml:"options"`
	Source     string    `json:"source,omitempty" yaml:"source,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitzero" yaml:"captured_at,omitempty"`
}

// NewTemplate builds a template from an outgoing request's parts.
func NewTemplate(url, method string, headers Headers, body []byte, source string) Template {
	if headers == nil {
		headers = Headers{}
	}
	return Template{
		URL: url,
		Options: Options{
			Method:  strings.ToUpper(method),
			Headers: headers,
			Body:    string(body),
		},
		Source:     source,
		CapturedAt: time.Now(),
	}
}

// Credentials is the latest observed token/cookie pair.
type Credentials struct {
	Token  string `json:"token"`
	Cookie string `json:"cookie"`
}

// Empty reports whether neither field is set.
func (c Credentials) Empty() bool {
	return c.Token == "" && c.Cookie == ""
}

// Masked returns a copy safe for display.
func (c Credentials) Masked() Credentials {
	return Credentials{Token: mask(c.Token), Cookie: mask(c.Cookie)}
}

func mask(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 8:
		return strings.Repeat("*", len(v))
	default:
		return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
	}
}

// Response is what the HTTP client capability hands back for one send.
type Response struct {
	StatusCode int
	Body       []byte
}

// generateID creates a random, URL-safe identifier with the given prefix.
func generateID(prefix string) string {
	const idBytes = 12
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(b))
}
