// Package intercept observes outgoing traffic to the target endpoint and feeds
// matching calls into the capture store without affecting them.
package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/funnyzak/reqsnipe/internal/capture"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/internal/report"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

// ErrBodyTooLarge is reported when a matching call's body exceeds the capture limit.
// The call is still forwarded in full; only the capture is skipped.
var ErrBodyTooLarge = errors.New("request body exceeds capture limit")

// Interceptor is implemented by every capture adapter.
type Interceptor interface {
	// Name labels captures made through the adapter.
	Name() string
	// Tap returns the tap the adapter feeds.
	Tap() *Tap
}

// Sink receives captured templates.
type Sink interface {
	Add(ctx context.Context, tmpl request.Template) (capture.Update, error)
}

// TapOptions configures a Tap.
type TapOptions struct {
	TargetURL string
	// Method defaults to POST.
	Method string
	// MaxBodyBytes bounds how much of a body is captured (0 = unlimited).
	MaxBodyBytes int64
	Capturing    bool
}

// Tap is the matcher and sink shared by all adapters.
type Tap struct {
	capturing atomic.Bool
	target    string
	method    string
	maxBody   int64
	sink      Sink
	reporter  report.Reporter
	logger    logger.Logger
}

// NewTap creates a tap feeding sink.
func NewTap(opts TapOptions, sink Sink, reporter report.Reporter, log logger.Logger) *Tap {
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	if reporter == nil {
		reporter = report.Discard
	}
	t := &Tap{
		target:   opts.TargetURL,
		method:   opts.Method,
		maxBody:  opts.MaxBodyBytes,
		sink:     sink,
		reporter: reporter,
		logger:   log,
	}
	t.capturing.Store(opts.Capturing)
	return t
}

// SetCapturing toggles capture mode.
func (t *Tap) SetCapturing(on bool) {
	t.capturing.Store(on)
}

func (t *Tap) Capturing() bool {
	return t.capturing.Load()
}

func (t *Tap) TargetURL() string {
	return t.target
}

// Matches reports whether a call to url with method is the target endpoint.
func (t *Tap) Matches(method, url string) bool {
	return url == t.target && strings.EqualFold(method, t.method)
}

// shouldCapture combines capture mode and the endpoint predicate.
func (t *Tap) shouldCapture(method, url string) bool {
	return t.Capturing() && t.Matches(method, url)
}

// observe records one matching call. It never panics and never returns an error:
// failures become error events.
func (t *Tap) observe(ctx context.Context, adapter, method, url string, headers request.Headers, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.fail(adapter, fmt.Errorf("panic during capture: %v", r))
		}
	}()

	tmpl := request.NewTemplate(url, method, headers, body, adapter)
	upd, err := t.sink.Add(ctx, tmpl)
	if err != nil {
		t.fail(adapter, err)
		return
	}

	t.logger.Info("Request captured",
		"source", adapter,
		"total", upd.Size,
		"body_bytes", len(body),
	)
	t.reporter.Report(report.Success(report.KindCapture,
		fmt.Sprintf("captured via %s, total %d", adapter, upd.Size),
		"source", adapter,
		"total", upd.Size,
	))
	if upd.TokenUpdated {
		t.reporter.Report(report.Info(report.KindCredential, "token updated", "source", adapter))
	}
	if upd.CookieUpdated {
		t.reporter.Report(report.Info(report.KindCredential, "cookie updated", "source", adapter))
	}
}

func (t *Tap) fail(adapter string, err error) {
	t.logger.Error("Capture failed", "source", adapter, "error", err)
	t.reporter.Report(report.Error(report.KindError,
		fmt.Sprintf("capture via %s failed: %v", adapter, err),
		"source", adapter,
	))
}

// readBody buffers body and returns the bytes plus a replacement reader that
// yields exactly what the original would have. On a read error, or a body over
// the limit, the replacement still yields the bytes read so far followed by the
// unread remainder.
func (t *Tap) readBody(body io.ReadCloser) ([]byte, io.ReadCloser, error) {
	if body == nil || body == http.NoBody {
		return nil, body, nil
	}
	var buf bytes.Buffer
	var err error
	if t.maxBody > 0 {
		_, err = io.Copy(&buf, io.LimitReader(body, t.maxBody+1))
	} else {
		_, err = io.Copy(&buf, body)
	}
	captured := buf.Bytes()
	restored := &multiReadCloser{
		Reader: io.MultiReader(bytes.NewReader(captured), body),
		closer: body,
	}
	if err == nil && t.maxBody > 0 && int64(len(captured)) > t.maxBody {
		err = fmt.Errorf("%w (limit %d bytes)", ErrBodyTooLarge, t.maxBody)
	}
	return captured, restored, err
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
