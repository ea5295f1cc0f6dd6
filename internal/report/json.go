package report

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/funnyzak/reqsnipe/internal/logger"
)

// JSONPrinter writes events as JSON lines
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
	seq     uint64
}

// NewJSONPrinter creates a JSON printer writing to stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination writer
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonEventEnvelope struct {
	Type  string `json:"type"`
	ID    uint64 `json:"id"`
	Event Event  `json:"event"`
}

// Report encodes the event
func (p *JSONPrinter) Report(ev Event) {
	env := jsonEventEnvelope{
		Type:  "event",
		ID:    atomic.AddUint64(&p.seq, 1),
		Event: ev,
	}
	p.mu.Lock()
	err := p.encoder.Encode(env)
	p.mu.Unlock()
	if err != nil && p.logger != nil {
		p.logger.Error("Failed to encode event JSON", "error", err)
	}
}
