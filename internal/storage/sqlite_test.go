package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func newTestStore(t *testing.T, maxAttempts int) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.StorageConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(dir, "reqsnipe.db"),
		Key:         "corpus",
		MaxAttempts: maxAttempts,
	}
	store, err := New(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func fakeAttempt(seq int, ts time.Time) *request.Attempt {
	a := request.NewAttempt(seq, seq%2, fmt.Sprintf("course %d", seq), "https://example.com/submit", request.Options{
		Method:  "POST",
		Headers: request.Headers{"token": "T1", "Content-Type": "application/x-www-form-urlencoded"},
		Body:    "addParam=x",
	})
	a.Timestamp = ts
	a.StatusCode = 200
	a.ResponseBody = []byte(`{"code":"1","msg":"ok"}`)
	a.Outcome = request.OutcomeSuccess
	a.Message = "ok"
	return a
}

func TestSQLiteStore_KVDefaultAndOverwrite(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()

	got, err := store.Get(ctx, "corpus", "[]")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != "[]" {
		t.Fatalf("expected default for unset key, got %q", got)
	}

	if err := store.Set(ctx, "corpus", `[{"url":"a"}]`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "corpus", `[{"url":"b"}]`); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err = store.Get(ctx, "corpus", "[]")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != `[{"url":"b"}]` {
		t.Fatalf("expected last value, got %q", got)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "nested", "reqsnipe.db"), Key: "corpus"}
	ctx := context.Background()

	first, err := New(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := first.Set(ctx, "corpus", "saved"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	first.Close()

	second, err := New(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()
	got, err := second.Get(ctx, "corpus", "")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != "saved" {
		t.Fatalf("expected persisted value, got %q", got)
	}
}

func TestSQLiteStore_RecordAndListAttempts(t *testing.T) {
	store := newTestStore(t, 100)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 1; i <= 3; i++ {
		if err := store.RecordAttempt(ctx, fakeAttempt(i, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	all, err := store.ListAttempts(ctx, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(all))
	}
	if all[0].Seq != 3 || all[2].Seq != 1 {
		t.Fatalf("expected newest first, got seqs %d..%d", all[0].Seq, all[2].Seq)
	}
	if all[0].Headers["token"] != "T1" {
		t.Fatalf("headers not round-tripped: %#v", all[0].Headers)
	}
	if all[0].Outcome != request.OutcomeSuccess || all[0].Label != "course 3" {
		t.Fatalf("unexpected attempt: %#v", all[0])
	}
	if string(all[0].ResponseBody) != `{"code":"1","msg":"ok"}` {
		t.Fatalf("unexpected response body: %s", string(all[0].ResponseBody))
	}

	limited, err := store.ListAttempts(ctx, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Seq != 3 {
		t.Fatalf("unexpected limited list: %d", len(limited))
	}
}

func TestSQLiteStore_PrunesAttempts(t *testing.T) {
	store := newTestStore(t, 2)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 1; i <= 4; i++ {
		if err := store.RecordAttempt(ctx, fakeAttempt(i, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	all, err := store.ListAttempts(ctx, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected pruning to keep 2 attempts, got %d", len(all))
	}
	if all[0].Seq != 4 || all[1].Seq != 3 {
		t.Fatalf("expected newest attempts to survive, got %d and %d", all[0].Seq, all[1].Seq)
	}
}

func TestSQLiteStore_RejectsNilAttempt(t *testing.T) {
	store := newTestStore(t, 10)
	if err := store.RecordAttempt(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil attempt")
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	if _, err := New(&config.StorageConfig{Driver: "mongo"}, noopLogger{}); err != ErrUnsupportedDriver {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}
