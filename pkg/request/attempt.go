package request

import (
	"time"
)

// Outcome classifies a replay response.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt represents a single replay send and its result
type Attempt struct {
	ID             string    `json:"id"`
	Seq            int       `json:"seq"`
	TemplateIndex  int       `json:"template_index"`
	Label          string    `json:"label"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	Headers        Headers   `json:"headers"`
	Body           string    `json:"body"`
	StatusCode     int       `json:"status_code"`
	ResponseBody   []byte    `json:"response_body"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Outcome        Outcome   `json:"outcome"`
	Message        string    `json:"message"`
	Error          string    `json:"error,omitempty"`
}

// NewAttempt starts an attempt record for the given send.
func NewAttempt(seq, index int, label, url string, opts Options) *Attempt {
	return &Attempt{
		ID:            generateID("RPL"),
		Seq:           seq,
		TemplateIndex: index,
		Label:         label,
		Timestamp:     time.Now(),
		Method:        opts.Method,
		URL:           url,
		Headers:       opts.Headers.Clone(),
		Body:          opts.Body,
	}
}
