package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/report"
	"github.com/funnyzak/reqsnipe/internal/schedule"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

const (
	contentTypeJSON  = "application/json; charset=utf-8"
	maxAPIBodyBytes  = 64 * 1024
	defaultListLimit = 50
)

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// armReasons are the machine-readable codes returned with a 409 from POST /arm.
var armReasons = []struct {
	err  error
	code string
}{
	{schedule.ErrAlreadyArmed, "already_armed"},
	{schedule.ErrNoStart, "no_start"},
	{schedule.ErrEmptyCorpus, "empty_corpus"},
	{schedule.ErrNoCredentials, "no_credentials"},
	{schedule.ErrStartPassed, "start_passed"},
	{schedule.ErrInvalidConfig, "invalid_config"},
}

type captureRequest struct {
	Enable *bool `json:"enable"`
}

type captureStatus struct {
	Capturing bool   `json:"capturing"`
	Target    string `json:"target"`
	Method    string `json:"method"`
	Adapter   string `json:"adapter"`
	Size      int    `json:"size"`
}

type corpusResponse struct {
	Size  int                `json:"size"`
	Items []request.Template `json:"items"`
}

type credentialsResponse struct {
	TokenHeader  string              `json:"token_header"`
	CookieHeader string              `json:"cookie_header"`
	Credentials  request.Credentials `json:"credentials"`
}

type armRequest struct {
	Start      string `json:"start"`
	IntervalMs *int   `json:"interval_ms"`
	DurationMs *int   `json:"duration_ms"`
}

type statusResponse struct {
	Schedule      schedule.Status `json:"schedule"`
	Capture       captureStatus   `json:"capture"`
	HasToken      bool            `json:"has_token"`
	HasCookie     bool            `json:"has_cookie"`
	Sent          int64           `json:"sent"`
	Success       int64           `json:"success"`
	Failure       int64           `json:"failure"`
	Clients       int             `json:"ws_clients"`
	DroppedEvents uint64          `json:"dropped_events"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	State  string `json:"state,omitempty"`
}

func (s *Server) registerAPI(r *mux.Router) {
	r.HandleFunc("/capture", s.handleGetCapture).Methods(http.MethodGet)
	r.HandleFunc("/capture", s.handleSetCapture).Methods(http.MethodPost)
	r.HandleFunc("/corpus", s.handleListCorpus).Methods(http.MethodGet)
	r.HandleFunc("/corpus", s.handleClearCorpus).Methods(http.MethodDelete)
	r.HandleFunc("/credentials", s.handleCredentials).Methods(http.MethodGet)
	r.HandleFunc("/arm", s.handleArm).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/attempts", s.handleAttempts).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.Handle("/ws", s.hub).Methods(http.MethodGet)
}

func (s *Server) currentCapture() captureStatus {
	tap := s.adapter.Tap()
	return captureStatus{
		Capturing: tap.Capturing(),
		Target:    tap.TargetURL(),
		Method:    s.config.Target.Method,
		Adapter:   s.adapter.Name(),
		Size:      s.corpus.Size(),
	}
}

func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.currentCapture())
}

func (s *Server) handleSetCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Enable == nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "enable is required"})
		return
	}

	if s.tap.Capturing() != *req.Enable {
		s.tap.SetCapturing(*req.Enable)
		mode := "off"
		if *req.Enable {
			mode = "on"
		}
		s.logger.Info("Capture mode changed", "capturing", *req.Enable)
		s.reporter.Report(report.Info(report.KindCapture, "capture mode "+mode, "capturing", *req.Enable))
	}
	s.respondJSON(w, http.StatusOK, s.currentCapture())
}

func (s *Server) handleListCorpus(w http.ResponseWriter, r *http.Request) {
	items := s.corpus.List()
	s.respondJSON(w, http.StatusOK, corpusResponse{Size: len(items), Items: items})
}

func (s *Server) handleClearCorpus(w http.ResponseWriter, r *http.Request) {
	if err := s.corpus.Clear(r.Context()); err != nil {
		s.logger.Error("Failed to clear corpus", "error", err)
		s.reporter.Report(report.Error(report.KindError, fmt.Sprintf("clear failed: %v", err)))
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("Corpus cleared")
	s.reporter.Report(report.Info(report.KindClear, "captured requests and credentials cleared"))
	s.respondJSON(w, http.StatusOK, corpusResponse{Size: 0, Items: []request.Template{}})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	token, cookie := s.corpus.HeaderNames()
	s.respondJSON(w, http.StatusOK, credentialsResponse{
		TokenHeader:  token,
		CookieHeader: cookie,
		Credentials:  s.corpus.Credentials().Masked(),
	})
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var req armRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	cfg, err := s.armConfig(req)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.scheduler.Arm(cfg); err != nil {
		resp := errorResponse{Error: err.Error()}
		var armErr *schedule.ArmError
		if errors.As(err, &armErr) {
			resp.State = string(armErr.State)
		}
		for _, reason := range armReasons {
			if errors.Is(err, reason.err) {
				resp.Reason = reason.code
				break
			}
		}
		s.respondJSON(w, http.StatusConflict, resp)
		return
	}
	s.respondJSON(w, http.StatusOK, s.scheduler.Status())
}

// armConfig fills unset fields from the schedule defaults and enforces the floors.
// A start left unset everywhere is passed on as zero so the scheduler rejects it.
func (s *Server) armConfig(req armRequest) (schedule.Config, error) {
	defaults := s.config.Schedule

	var start time.Time
	raw := req.Start
	if raw == "" {
		raw = defaults.Start
	}
	if raw != "" {
		parsed, err := config.ParseStart(raw)
		if err != nil {
			return schedule.Config{}, err
		}
		start = parsed
	}

	intervalMs := defaults.IntervalMs
	if req.IntervalMs != nil {
		intervalMs = *req.IntervalMs
	}
	durationMs := defaults.DurationMs
	if req.DurationMs != nil {
		durationMs = *req.DurationMs
	}
	if err := defaults.Check(intervalMs, durationMs); err != nil {
		return schedule.Config{}, err
	}

	return schedule.Config{
		Start:    start,
		Interval: time.Duration(intervalMs) * time.Millisecond,
		Duration: time.Duration(durationMs) * time.Millisecond,
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	creds := s.corpus.Credentials()
	sum := s.executor.Summary()
	s.respondJSON(w, http.StatusOK, statusResponse{
		Schedule:      s.scheduler.Status(),
		Capture:       s.currentCapture(),
		HasToken:      creds.Token != "",
		HasCookie:     creds.Cookie != "",
		Sent:          sum.Sent,
		Success:       sum.Success,
		Failure:       sum.Failure,
		Clients:       s.hub.ClientCount(),
		DroppedEvents: s.hub.Dropped(),
	})
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit)
	if limit < 0 {
		limit = defaultListLimit
	}
	attempts, err := s.store.ListAttempts(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list attempts", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if attempts == nil {
		attempts = []*request.Attempt{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var events []report.Event
	if kind := r.URL.Query().Get("kind"); kind != "" {
		events = s.history.Filter(report.Kind(kind))
	} else {
		events = s.history.Events()
	}
	if events == nil {
		events = []report.Event{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// decodeBody reads a size-limited JSON body into v. An empty body leaves v untouched.
// It writes the error response itself and reports whether decoding succeeded.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := readRequestBody(r, maxAPIBodyBytes)
	if err != nil {
		s.handleBodyReadError(w, err)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func readRequestBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (s *Server) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		s.logger.Warn("Request body exceeds configured limit", "limit_bytes", maxAPIBodyBytes)
		s.respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
	default:
		s.logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read body"})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}

	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}
