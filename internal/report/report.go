// Package report turns capture and replay activity into status events.
package report

import (
	"sync"
	"time"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
)

// Severity of a status event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Kind names what produced an event.
type Kind string

const (
	KindInit       Kind = "init"
	KindCapture    Kind = "capture"
	KindCredential Kind = "credential"
	KindClear      Kind = "clear"
	KindArm        Kind = "arm"
	KindStart      Kind = "start"
	KindTick       Kind = "tick"
	KindResponse   Kind = "response"
	KindFinish     Kind = "finish"
	KindError      Kind = "error"
)

// Event is one user-visible status notification.
type Event struct {
	Time     time.Time              `json:"time"`
	Kind     Kind                   `json:"kind"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// NewEvent builds an event stamped with the current time. kv holds key/value pairs.
func NewEvent(kind Kind, sev Severity, msg string, kv ...interface{}) Event {
	ev := Event{Time: time.Now(), Kind: kind, Severity: sev, Message: msg}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if ev.Fields == nil {
			ev.Fields = make(map[string]interface{}, len(kv)/2)
		}
		ev.Fields[key] = kv[i+1]
	}
	return ev
}

func Info(kind Kind, msg string, kv ...interface{}) Event {
	return NewEvent(kind, SeverityInfo, msg, kv...)
}

func Success(kind Kind, msg string, kv ...interface{}) Event {
	return NewEvent(kind, SeveritySuccess, msg, kv...)
}

func Error(kind Kind, msg string, kv ...interface{}) Event {
	return NewEvent(kind, SeverityError, msg, kv...)
}

// Reporter receives status events. Implementations must not block the caller for long.
type Reporter interface {
	Report(Event)
}

// Discard drops every event.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(Event) {}

// Multi fans an event out to several reporters in order.
type Multi []Reporter

func (m Multi) Report(ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ev)
		}
	}
}

// LogReporter writes events through the structured logger.
type LogReporter struct {
	log logger.Logger
}

func NewLogReporter(log logger.Logger) *LogReporter {
	return &LogReporter{log: log}
}

func (l *LogReporter) Report(ev Event) {
	fields := make([]interface{}, 0, 2*len(ev.Fields)+2)
	fields = append(fields, "kind", string(ev.Kind))
	for k, v := range ev.Fields {
		fields = append(fields, k, v)
	}
	switch ev.Severity {
	case SeverityError:
		l.log.Error(ev.Message, fields...)
	default:
		l.log.Info(ev.Message, fields...)
	}
}

// History keeps the most recent events in memory.
type History struct {
	mu     sync.RWMutex
	limit  int
	events []Event
}

// NewHistory retains at most limit events (limit <= 0 keeps 200).
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 200
	}
	return &History{limit: limit}
}

func (h *History) Report(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if len(h.events) > h.limit {
		h.events = append([]Event(nil), h.events[len(h.events)-h.limit:]...)
	}
}

// Events returns retained events, oldest first.
func (h *History) Events() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Event(nil), h.events...)
}

// Filter returns retained events of the given kind, oldest first.
func (h *History) Filter(kind Kind) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// NewPrinter returns the console-facing reporter for the configured output mode,
// or Discard when output is silenced.
func NewPrinter(cfg *config.OutputConfig, log logger.Logger) Reporter {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return Discard
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log)
	}
}
