package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/funnyzak/reqsnipe/internal/capture"
	"github.com/funnyzak/reqsnipe/internal/clock"
	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/report"
	"github.com/funnyzak/reqsnipe/internal/schedule"
	"github.com/funnyzak/reqsnipe/internal/storage"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

var epoch = time.Date(2025, 6, 20, 9, 59, 0, 0, time.UTC)

const targetPath = "/elective/volunteer.do"

// noopLogger implements logger.Logger for tests
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

type received struct {
	body   string
	token  string
	cookie string
}

// origin stands in for the real course-selection server.
type origin struct {
	mu    sync.Mutex
	calls []received
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	o.mu.Lock()
	o.calls = append(o.calls, received{body: string(b), token: r.Header.Get("token"), cookie: r.Header.Get("Cookie")})
	o.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"code":"1","msg":"selected"}`))
}

func (o *origin) snapshot() []received {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]received(nil), o.calls...)
}

func testConfig(target string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 38888, AdminPath: "/_reqsnipe", MaxBodyBytes: 1 << 20},
		Target: config.TargetConfig{
			URL:          target,
			Method:       "POST",
			TokenHeader:  "token",
			CookieHeader: "cookie",
			SuccessField: "code",
			SuccessValue: "1",
			MessageField: "msg",
			Label:        config.LabelConfig{FormField: "addParam", JSONPath: "data.teachingClassId"},
		},
		Capture:  config.CaptureConfig{Adapter: "proxy"},
		Schedule: config.ScheduleConfig{IntervalMs: 100, DurationMs: 250, MinIntervalMs: 50, MinDurationMs: 100},
		Client:   config.ClientConfig{Timeout: 5},
		Storage:  config.StorageConfig{Driver: "memory", Key: "corpus"},
		Log:      config.LogConfig{Level: "error"},
		Output:   config.OutputConfig{Mode: "console", Silence: true},
	}
}

type fixture struct {
	srv    *Server
	front  *httptest.Server
	origin *origin
	clock  *clock.VirtualClock
}

func newFixture(t *testing.T, kv *storage.MemoryStore, mutate func(*config.Config)) *fixture {
	t.Helper()
	up := &origin{}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	cfg := testConfig(upSrv.URL + targetPath)
	if mutate != nil {
		mutate(cfg)
	}
	if kv == nil {
		kv = storage.NewMemoryStore(0)
	}
	vc := clock.NewVirtualClock(epoch)

	srv, err := New(cfg, noopLogger{}, WithClock(vc), WithStore(kv), WithPrinter(report.Discard))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	front := httptest.NewServer(srv.Router())
	t.Cleanup(front.Close)
	return &fixture{srv: srv, front: front, origin: up, clock: vc}
}

func (f *fixture) api(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.front.URL+"/_reqsnipe"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// submit sends a call to the target endpoint through the proxy, like the browser would.
func (f *fixture) submit(t *testing.T, body, token, cookie string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.front.URL+targetPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("token", token)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("proxied submit failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxied submit returned %d", resp.StatusCode)
	}
}

func armBody(start time.Time, intervalMs, durationMs int) string {
	return fmt.Sprintf(`{"start":%q,"interval_ms":%d,"duration_ms":%d}`, start.Format(time.RFC3339Nano), intervalMs, durationMs)
}

func TestCaptureArmAndReplay(t *testing.T) {
	f := newFixture(t, nil, nil)

	if code, _ := f.api(t, http.MethodPost, "/capture", `{"enable":true}`); code != http.StatusOK {
		t.Fatalf("enable capture returned %d", code)
	}
	f.submit(t, "addParam=a", "T1", "C1")
	f.submit(t, "addParam=b", "", "")

	code, corpus := f.api(t, http.MethodGet, "/corpus", "")
	if code != http.StatusOK || corpus["size"].(float64) != 2 {
		t.Fatalf("unexpected corpus response %d %v", code, corpus)
	}

	code, armed := f.api(t, http.MethodPost, "/arm", armBody(epoch.Add(10*time.Millisecond), 100, 250))
	if code != http.StatusOK || armed["state"] != "armed" {
		t.Fatalf("arm returned %d %v", code, armed)
	}

	f.clock.Advance(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		f.clock.Advance(100 * time.Millisecond)
		f.srv.Executor().Wait()
	}

	if state := f.srv.Scheduler().State(); state != schedule.StateFinished {
		t.Fatalf("expected finished session, got %s", state)
	}
	calls := f.origin.snapshot()
	if len(calls) != 4 {
		t.Fatalf("expected 2 proxied + 2 replayed calls, got %d", len(calls))
	}
	replays := calls[2:]
	if replays[0].body != "addParam=a" || replays[1].body != "addParam=b" {
		t.Fatalf("unexpected replay order: %+v", replays)
	}
	for i, c := range replays {
		if c.token != "T1" || c.cookie != "C1" {
			t.Fatalf("replay %d carried token=%q cookie=%q", i, c.token, c.cookie)
		}
	}

	_, status := f.api(t, http.MethodGet, "/status", "")
	sched := status["schedule"].(map[string]interface{})
	if sched["state"] != "finished" || sched["ticks"].(float64) != 2 || sched["finish_reason"] != schedule.ReasonDurationElapsed {
		t.Fatalf("unexpected schedule status: %v", sched)
	}
	if status["sent"].(float64) != 2 || status["success"].(float64) != 2 {
		t.Fatalf("unexpected summary: %v", status)
	}

	_, attempts := f.api(t, http.MethodGet, "/attempts?limit=1", "")
	if attempts["count"].(float64) != 1 {
		t.Fatalf("expected limited attempts, got %v", attempts)
	}

	_, finish := f.api(t, http.MethodGet, "/events?kind=finish", "")
	if finish["count"].(float64) != 1 {
		t.Fatalf("expected one finish event, got %v", finish)
	}
}

func TestArmRejections(t *testing.T) {
	f := newFixture(t, nil, nil)
	future := epoch.Add(time.Minute)

	expectReason := func(body, reason string) {
		t.Helper()
		code, resp := f.api(t, http.MethodPost, "/arm", body)
		if code != http.StatusConflict || resp["reason"] != reason {
			t.Fatalf("arm %s: expected 409 %s, got %d %v", body, reason, code, resp)
		}
	}

	expectReason(`{}`, "no_start")
	expectReason(armBody(future, 100, 250), "empty_corpus")

	f.api(t, http.MethodPost, "/capture", `{"enable":true}`)
	f.submit(t, "x=1", "", "")
	expectReason(armBody(future, 100, 250), "no_credentials")

	f.submit(t, "x=2", "T1", "")
	expectReason(armBody(epoch, 100, 250), "start_passed")

	for _, body := range []string{
		`{"start":"next tuesday"}`,
		armBody(future, 10, 250),
		armBody(future, 100, 50),
		`{"start":`,
	} {
		if code, resp := f.api(t, http.MethodPost, "/arm", body); code != http.StatusBadRequest {
			t.Fatalf("arm %s: expected 400, got %d %v", body, code, resp)
		}
	}

	if state := f.srv.Scheduler().State(); state != schedule.StateIdle {
		t.Fatalf("rejections must not change state, got %s", state)
	}

	if code, _ := f.api(t, http.MethodPost, "/arm", armBody(future, 100, 250)); code != http.StatusOK {
		t.Fatalf("valid arm returned %d", code)
	}
	code, resp := f.api(t, http.MethodPost, "/arm", armBody(future.Add(time.Minute), 200, 1000))
	if code != http.StatusConflict || resp["reason"] != "already_armed" || resp["state"] != "armed" {
		t.Fatalf("second arm: got %d %v", code, resp)
	}

	_, status := f.api(t, http.MethodGet, "/status", "")
	sched := status["schedule"].(map[string]interface{})
	if sched["interval_ms"].(float64) != 100 {
		t.Fatalf("second arm altered the schedule: %v", sched)
	}
}

func TestArmUsesConfiguredDefaults(t *testing.T) {
	f := newFixture(t, nil, func(cfg *config.Config) {
		cfg.Schedule.Start = epoch.Add(time.Second).Format(time.RFC3339)
		cfg.Schedule.IntervalMs = 200
		cfg.Schedule.DurationMs = 1000
	})
	f.api(t, http.MethodPost, "/capture", `{"enable":true}`)
	f.submit(t, "x=1", "T1", "")

	code, resp := f.api(t, http.MethodPost, "/arm", "")
	if code != http.StatusOK {
		t.Fatalf("arm with defaults returned %d %v", code, resp)
	}
	if resp["interval_ms"].(float64) != 200 || resp["duration_ms"].(float64) != 1000 {
		t.Fatalf("defaults not applied: %v", resp)
	}
}

func TestClearResetsCorpusAndCredentials(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.api(t, http.MethodPost, "/capture", `{"enable":true}`)
	f.submit(t, "x=1", "abcd1234efgh", "C1")

	_, creds := f.api(t, http.MethodGet, "/credentials", "")
	masked := creds["credentials"].(map[string]interface{})
	if masked["token"] != "abcd****efgh" || masked["cookie"] != "**" {
		t.Fatalf("unexpected masked credentials: %v", masked)
	}

	if code, resp := f.api(t, http.MethodDelete, "/corpus", ""); code != http.StatusOK || resp["size"].(float64) != 0 {
		t.Fatalf("clear returned %d %v", code, resp)
	}

	_, creds = f.api(t, http.MethodGet, "/credentials", "")
	masked = creds["credentials"].(map[string]interface{})
	if masked["token"] != "" || masked["cookie"] != "" {
		t.Fatalf("credentials survived clear: %v", masked)
	}
	if _, events := f.api(t, http.MethodGet, "/events?kind=clear", ""); events["count"].(float64) != 1 {
		t.Fatalf("expected a clear event, got %v", events)
	}

	code, resp := f.api(t, http.MethodPost, "/arm", armBody(epoch.Add(time.Minute), 100, 250))
	if code != http.StatusConflict || resp["reason"] != "empty_corpus" {
		t.Fatalf("arm after clear: got %d %v", code, resp)
	}
}

func TestCaptureModeToggle(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, status := f.api(t, http.MethodGet, "/capture", "")
	if status["capturing"] != false || status["adapter"] != "proxy" {
		t.Fatalf("unexpected initial capture status: %v", status)
	}

	f.submit(t, "x=1", "T1", "")
	if f.srv.corpus.Size() != 0 {
		t.Fatal("captured while capture mode was off")
	}
	if len(f.origin.snapshot()) != 1 {
		t.Fatal("proxied call did not reach the origin")
	}

	if code, _ := f.api(t, http.MethodPost, "/capture", `{}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing enable, got %d", code)
	}
	f.api(t, http.MethodPost, "/capture", `{"enable":true}`)
	f.submit(t, "x=1", "T1", "")
	if f.srv.corpus.Size() != 1 {
		t.Fatalf("expected one capture, got %d", f.srv.corpus.Size())
	}

	big := `{"enable":true,"pad":"` + strings.Repeat("x", maxAPIBodyBytes) + `"}`
	if code, _ := f.api(t, http.MethodPost, "/capture", big); code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", code)
	}
}

func TestTransportAdapter(t *testing.T) {
	f := newFixture(t, nil, func(cfg *config.Config) {
		cfg.Capture.Adapter = "transport"
		cfg.Capture.EnableOnStart = true
	})
	f.submit(t, "x=1", "T1", "")

	items := f.srv.corpus.List()
	if len(items) != 1 {
		t.Fatalf("expected a single capture, got %d", len(items))
	}
	if items[0].Source != "transport" {
		t.Fatalf("expected transport capture, got %q", items[0].Source)
	}
	if _, ok := items[0].Options.Headers["Token"]; !ok {
		t.Fatalf("expected canonical header keys, got %#v", items[0].Options.Headers)
	}

	_, status := f.api(t, http.MethodGet, "/capture", "")
	if status["adapter"] != "transport" || status["size"].(float64) != 1 {
		t.Fatalf("unexpected capture status: %v", status)
	}
}

func TestRestoreOnStartup(t *testing.T) {
	kv := storage.NewMemoryStore(0)
	seed := capture.NewStore(kv, capture.Options{})
	for _, body := range []string{"a", "b"} {
		tmpl := request.NewTemplate("https://example.com"+targetPath, "POST", request.Headers{"token": "old"}, []byte(body), "proxy")
		if _, err := seed.Add(context.Background(), tmpl); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	f := newFixture(t, kv, nil)
	if f.srv.corpus.Size() != 2 {
		t.Fatalf("expected 2 restored templates, got %d", f.srv.corpus.Size())
	}
	if !f.srv.corpus.Credentials().Empty() {
		t.Fatalf("credentials must not be restored: %+v", f.srv.corpus.Credentials())
	}
	inits := f.srv.history.Filter(report.KindInit)
	if len(inits) != 1 || inits[0].Message != "ready, 2 captured requests restored" {
		t.Fatalf("unexpected init events: %+v", inits)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/_reqsnipe/status")
	if err != nil {
		t.Fatalf("status over listener: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status returned %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if state := f.srv.Scheduler().State(); state != schedule.StateFinished {
		t.Fatalf("expected finished session after shutdown, got %s", state)
	}
}

func TestRunReportsBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	f := newFixture(t, nil, func(cfg *config.Config) {
		cfg.Server.Port = port
	})
	if err := f.srv.Run(context.Background()); err == nil {
		t.Fatal("expected a bind error")
	}
}

func TestParseIntDefault(t *testing.T) {
	if got := parseIntDefault("", 7); got != 7 {
		t.Fatalf("empty: got %d", got)
	}
	if got := parseIntDefault("12", 7); got != 12 {
		t.Fatalf("number: got %d", got)
	}
	if got := parseIntDefault("x", 7); got != 7 {
		t.Fatalf("garbage: got %d", got)
	}
}
