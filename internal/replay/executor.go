// Package replay sends one corpus entry per scheduler tick and classifies the responses.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/internal/report"
	"github.com/funnyzak/reqsnipe/internal/storage"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

// ErrEmptyCorpus is returned by Tick when there is nothing to send.
var ErrEmptyCorpus = errors.New("corpus is empty")

// Sender is the HTTP client capability. It must not be intercepted.
type Sender interface {
	Send(ctx context.Context, url string, opts request.Options) (*request.Response, error)
}

// Source provides templates and the current credentials.
type Source interface {
	At(i int) (request.Template, int, bool)
	Credentials() request.Credentials
}

// Options configures overlay, labelling and classification.
type Options struct {
	TokenHeader  string
	CookieHeader string

	SuccessField string
	SuccessValue string
	MessageField string

	LabelFormField string
	LabelJSONPath  string
}

// OptionsFromConfig builds executor options from the target section.
func OptionsFromConfig(cfg *config.TargetConfig) Options {
	return Options{
		TokenHeader:    cfg.TokenHeader,
		CookieHeader:   cfg.CookieHeader,
		SuccessField:   cfg.SuccessField,
		SuccessValue:   cfg.SuccessValue,
		MessageField:   cfg.MessageField,
		LabelFormField: cfg.Label.FormField,
		LabelJSONPath:  cfg.Label.JSONPath,
	}
}

// Summary counts attempts since the executor was created.
type Summary struct {
	Sent    int64 `json:"sent"`
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// Executor turns ticks into sends.
type Executor struct {
	source   Source
	sender   Sender
	history  storage.AttemptLog
	reporter report.Reporter
	logger   logger.Logger
	opts     Options

	mu     sync.Mutex
	cursor int
	seq    int

	group errgroup.Group

	sent    atomic.Int64
	success atomic.Int64
	failure atomic.Int64
}

// NewExecutor creates an executor. history may be nil.
func NewExecutor(source Source, sender Sender, history storage.AttemptLog, reporter report.Reporter, log logger.Logger, opts Options) *Executor {
	if opts.SuccessField == "" {
		opts.SuccessField = "code"
	}
	if opts.SuccessValue == "" {
		opts.SuccessValue = "1"
	}
	if reporter == nil {
		reporter = report.Discard
	}
	return &Executor{
		source:   source,
		sender:   sender,
		history:  history,
		reporter: reporter,
		logger:   log,
		opts:     opts,
	}
}

// Tick picks the next template round-robin, overlays credentials and sends it
// asynchronously. It returns as soon as the send has been started.
func (e *Executor) Tick(ctx context.Context) error {
	e.mu.Lock()
	tmpl, index, ok := e.source.At(e.cursor)
	if !ok {
		e.mu.Unlock()
		return ErrEmptyCorpus
	}
	e.cursor++
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	opts := tmpl.Options.Clone()
	e.overlay(opts.Headers, e.source.Credentials())
	label := e.label(opts.Body, seq)

	attempt := request.NewAttempt(seq, index, label, tmpl.URL, opts)
	e.sent.Add(1)
	e.reporter.Report(report.Info(report.KindTick,
		fmt.Sprintf("sending #%d (%s)", seq, label),
		"seq", seq,
		"index", index,
	))

	e.group.Go(func() error {
		e.send(ctx, tmpl.URL, opts, attempt)
		return nil
	})
	return nil
}

// overlay replaces credential headers with the non-empty credential fields.
func (e *Executor) overlay(headers request.Headers, creds request.Credentials) {
	if creds.Token != "" && e.opts.TokenHeader != "" {
		headers.Set(e.opts.TokenHeader, creds.Token)
	}
	if creds.Cookie != "" && e.opts.CookieHeader != "" {
		headers.Set(e.opts.CookieHeader, creds.Cookie)
	}
}

func (e *Executor) label(body string, seq int) string {
	if id, ok := extractLabel(body, e.opts.LabelFormField, e.opts.LabelJSONPath); ok {
		return "course " + id
	}
	return fmt.Sprintf("request #%d", seq)
}

func (e *Executor) send(ctx context.Context, url string, opts request.Options, attempt *request.Attempt) {
	started := time.Now()
	resp, err := e.sender.Send(ctx, url, opts)
	attempt.ResponseTimeMs = time.Since(started).Milliseconds()

	if err != nil {
		attempt.Outcome = request.OutcomeFailure
		attempt.Error = err.Error()
		attempt.Message = err.Error()
	} else {
		attempt.StatusCode = resp.StatusCode
		attempt.ResponseBody = resp.Body
		attempt.Outcome, attempt.Message = classify(resp.Body, e.opts)
	}

	if attempt.Outcome == request.OutcomeSuccess {
		e.success.Add(1)
		e.reporter.Report(report.Success(report.KindResponse,
			fmt.Sprintf("response (%s): %s", attempt.Label, attempt.Message),
			"seq", attempt.Seq,
			"status", attempt.StatusCode,
		))
	} else {
		e.failure.Add(1)
		msg := fmt.Sprintf("response (%s): %s", attempt.Label, attempt.Message)
		if err != nil {
			msg = fmt.Sprintf("request failed (%s): %s", attempt.Label, attempt.Message)
		}
		e.reporter.Report(report.Error(report.KindResponse, msg,
			"seq", attempt.Seq,
			"status", attempt.StatusCode,
		))
	}

	e.logger.Debug("Replay attempt finished",
		"seq", attempt.Seq,
		"label", attempt.Label,
		"outcome", string(attempt.Outcome),
		"latency_ms", attempt.ResponseTimeMs,
	)

	if e.history != nil {
		// Detached from ctx so attempts finishing during shutdown are still kept
		if err := e.history.RecordAttempt(context.WithoutCancel(ctx), attempt); err != nil {
			e.logger.Warn("Failed to record attempt", "seq", attempt.Seq, "error", err)
		}
	}
}

// Wait blocks until every started send has finished.
func (e *Executor) Wait() {
	_ = e.group.Wait()
}

func (e *Executor) Summary() Summary {
	return Summary{
		Sent:    e.sent.Load(),
		Success: e.success.Load(),
		Failure: e.failure.Load(),
	}
}
