// Package schedule arms a one-shot start timer and drives fixed-interval replay ticks
// until the configured duration has elapsed.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/funnyzak/reqsnipe/internal/clock"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/internal/replay"
	"github.com/funnyzak/reqsnipe/internal/report"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

// State of the replay session.
type State string

const (
	StateIdle     State = "idle"
	StateArmed    State = "armed"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// Arm rejection reasons, checked in this order.
var (
	ErrAlreadyArmed  = errors.New("schedule already armed")
	ErrNoStart       = errors.New("start time is not set")
	ErrEmptyCorpus   = errors.New("corpus is empty, capture requests first")
	ErrNoCredentials = errors.New("no token or cookie captured yet")
	ErrStartPassed   = errors.New("start time has already passed")
	ErrInvalidConfig = errors.New("interval and duration must be positive")
)

// ArmError is returned for every rejected arm attempt.
type ArmError struct {
	Reason error
	State  State
}

func (e *ArmError) Error() string {
	return "arm rejected: " + e.Reason.Error()
}

func (e *ArmError) Unwrap() error {
	return e.Reason
}

// Finish reasons.
const (
	ReasonDurationElapsed = "duration elapsed"
	ReasonCorpusEmpty     = "corpus empty"
	ReasonStopped         = "stopped"
)

// Config is frozen once armed.
type Config struct {
	Start    time.Time     `json:"start"`
	Interval time.Duration `json:"interval"`
	Duration time.Duration `json:"duration"`
}

// Corpus is what arming checks before accepting a schedule.
type Corpus interface {
	Size() int
	Credentials() request.Credentials
}

// Ticker performs one send per tick.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Status is a point-in-time snapshot.
type Status struct {
	State        State      `json:"state"`
	Start        *time.Time `json:"start,omitempty"`
	IntervalMs   int64      `json:"interval_ms,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
	Ticks        int        `json:"ticks"`
	ArmedAt      *time.Time `json:"armed_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Scheduler owns the replay state machine idle → armed → running → finished.
type Scheduler struct {
	ctx      context.Context
	clock    clock.Clock
	corpus   Corpus
	ticker   Ticker
	reporter report.Reporter
	logger   logger.Logger

	mu         sync.Mutex
	state      State
	cfg        Config
	ticks      int
	nextTick   int
	nextTickAt time.Time
	armTimer   clock.Timer
	tickTimer  clock.Timer
	stopTimer  clock.Timer
	armedAt    time.Time
	startedAt  time.Time
	finishedAt time.Time
	reason     string
	done       chan struct{}
}

// New creates an idle scheduler. ctx is handed to every Tick.
func New(ctx context.Context, clk clock.Clock, corpus Corpus, ticker Ticker, reporter report.Reporter, log logger.Logger) *Scheduler {
	if reporter == nil {
		reporter = report.Discard
	}
	return &Scheduler{
		ctx:      ctx,
		clock:    clk,
		corpus:   corpus,
		ticker:   ticker,
		reporter: reporter,
		logger:   log,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// Arm validates cfg and schedules the start. A rejection leaves the state untouched.
func (s *Scheduler) Arm(cfg Config) error {
	s.mu.Lock()
	err := s.checkLocked(cfg)
	if err != nil {
		state := s.state
		s.mu.Unlock()
		armErr := &ArmError{Reason: err, State: state}
		s.logger.Warn("Arm rejected", "reason", err.Error(), "state", string(state))
		s.reporter.Report(report.Error(report.KindArm, armErr.Error()))
		return armErr
	}

	now := s.clock.Now()
	delay := cfg.Start.Sub(now)
	s.cfg = cfg
	s.state = StateArmed
	s.armedAt = now
	s.armTimer = s.clock.AfterFunc(delay, s.begin)
	s.mu.Unlock()

	s.logger.Info("Replay armed",
		"start", cfg.Start,
		"delay", delay,
		"interval", cfg.Interval,
		"duration", cfg.Duration,
	)
	s.reporter.Report(report.Success(report.KindArm,
		fmt.Sprintf("armed, starting at %s", cfg.Start.Format("2006-01-02 15:04:05.000")),
		"start", cfg.Start,
		"interval_ms", cfg.Interval.Milliseconds(),
		"duration_ms", cfg.Duration.Milliseconds(),
	))
	return nil
}

func (s *Scheduler) checkLocked(cfg Config) error {
	switch {
	case s.state != StateIdle:
		return ErrAlreadyArmed
	case cfg.Start.IsZero():
		return ErrNoStart
	case s.corpus.Size() == 0:
		return ErrEmptyCorpus
	case s.corpus.Credentials().Empty():
		return ErrNoCredentials
	case !cfg.Start.After(s.clock.Now()):
		return ErrStartPassed
	case cfg.Interval <= 0 || cfg.Duration <= 0:
		return ErrInvalidConfig
	}
	return nil
}

// begin runs when the arm timer fires.
func (s *Scheduler) begin() {
	s.mu.Lock()
	if s.state != StateArmed {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.startedAt = s.clock.Now()
	end := s.cfg.Start.Add(s.cfg.Duration)
	s.stopTimer = s.clock.AfterFunc(end.Sub(s.startedAt), s.deadline)
	s.nextTick = 1
	s.scheduleTickLocked()
	s.mu.Unlock()

	s.logger.Info("Replay started", "interval", s.cfg.Interval, "duration", s.cfg.Duration)
	s.reporter.Report(report.Success(report.KindStart, "started, replaying with the latest credentials"))
}

// scheduleTickLocked arms the timer for tick n at start + n*interval, unless
// that falls after the end of the run.
func (s *Scheduler) scheduleTickLocked() {
	at := s.cfg.Start.Add(time.Duration(s.nextTick) * s.cfg.Interval)
	if at.After(s.cfg.Start.Add(s.cfg.Duration)) {
		s.tickTimer = nil
		s.nextTickAt = time.Time{}
		return
	}
	s.nextTickAt = at
	s.tickTimer = s.clock.AfterFunc(at.Sub(s.clock.Now()), s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	finished := s.fireLocked()
	if !finished {
		s.nextTick++
		s.scheduleTickLocked()
	}
	s.mu.Unlock()
}

// fireLocked hands one tick to the ticker. It reports whether the run ended.
func (s *Scheduler) fireLocked() bool {
	if s.corpus.Size() == 0 {
		s.finishLocked(ReasonCorpusEmpty)
		return true
	}
	if err := s.ticker.Tick(s.ctx); err != nil {
		if errors.Is(err, replay.ErrEmptyCorpus) {
			s.finishLocked(ReasonCorpusEmpty)
			return true
		}
		s.logger.Error("Tick failed", "error", err)
		s.reporter.Report(report.Error(report.KindError, fmt.Sprintf("tick failed: %v", err)))
	}
	s.ticks++
	return false
}

// deadline runs when the duration timer fires. A tick due at exactly the end
// of the run is still sent.
func (s *Scheduler) deadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	// The tick callback may already be waiting on s.mu; it finds the run
	// finished and returns, so the tick is fired here either way.
	if s.tickTimer != nil && !s.nextTickAt.IsZero() && !s.nextTickAt.After(s.cfg.Start.Add(s.cfg.Duration)) && !s.nextTickAt.After(s.clock.Now()) {
		s.tickTimer.Stop()
		if s.fireLocked() {
			return
		}
	}
	s.finishLocked(ReasonDurationElapsed)
}

// Stop ends the session from any state. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateFinished:
		return
	case StateIdle:
		s.state = StateFinished
		s.finishedAt = s.clock.Now()
		s.reason = ReasonStopped
		close(s.done)
	default:
		s.finishLocked(ReasonStopped)
	}
}

func (s *Scheduler) finishLocked(reason string) {
	for _, t := range []clock.Timer{s.armTimer, s.tickTimer, s.stopTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.armTimer, s.tickTimer, s.stopTimer = nil, nil, nil
	s.state = StateFinished
	s.finishedAt = s.clock.Now()
	s.reason = reason
	close(s.done)

	s.logger.Info("Replay finished", "reason", reason, "ticks", s.ticks)
	s.reporter.Report(report.Info(report.KindFinish,
		fmt.Sprintf("finished (%s) after %d sends", reason, s.ticks),
		"ticks", s.ticks,
		"reason", reason,
	))
}

// Done is closed when the scheduler reaches the finished state.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:        s.state,
		Ticks:        s.ticks,
		FinishReason: s.reason,
	}
	if s.state != StateIdle && !s.cfg.Start.IsZero() {
		start := s.cfg.Start
		st.Start = &start
		st.IntervalMs = s.cfg.Interval.Milliseconds()
		st.DurationMs = s.cfg.Duration.Milliseconds()
	}
	st.ArmedAt = timePtr(s.armedAt)
	st.StartedAt = timePtr(s.startedAt)
	st.FinishedAt = timePtr(s.finishedAt)
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
