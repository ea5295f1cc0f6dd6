package storage

import (
	"context"
	"testing"
	"time"

	"github.com/funnyzak/reqsnipe/internal/config"
)

func TestMemoryStore_KV(t *testing.T) {
	store, err := New(&config.StorageConfig{Driver: "memory"}, noopLogger{})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	ctx := context.Background()

	if got, _ := store.Get(ctx, "corpus", "fallback"); got != "fallback" {
		t.Fatalf("expected default, got %q", got)
	}
	if err := store.Set(ctx, "corpus", "v1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, _ := store.Get(ctx, "corpus", "fallback"); got != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
}

func TestMemoryStore_AttemptsCappedNewestFirst(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 5; i++ {
		if err := store.RecordAttempt(ctx, fakeAttempt(i, now)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	all, _ := store.ListAttempts(ctx, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(all))
	}
	if all[0].Seq != 5 || all[2].Seq != 3 {
		t.Fatalf("unexpected order: %d..%d", all[0].Seq, all[2].Seq)
	}

	limited, _ := store.ListAttempts(ctx, 1)
	if len(limited) != 1 || limited[0].Seq != 5 {
		t.Fatalf("unexpected limited result: %#v", limited)
	}
}
