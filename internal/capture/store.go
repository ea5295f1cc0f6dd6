// Package capture owns the replay corpus and the latest credentials observed in captured traffic.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/funnyzak/reqsnipe/internal/storage"
	"github.com/funnyzak/reqsnipe/pkg/request"
)

const (
	DefaultTokenHeader  = "token"
	DefaultCookieHeader = "cookie"
)

// Options configures a Store.
type Options struct {
	// Key is the KV key the corpus is persisted under.
	Key          string
	TokenHeader  string
	CookieHeader string
}

// Update describes what a single Add changed.
type Update struct {
	TokenUpdated  bool
	CookieUpdated bool
	Size          int
}

// Store is the single writer of the corpus and the credential record.
type Store struct {
	mu          sync.RWMutex
	kv          storage.KV
	opts        Options
	corpus      []request.Template
	credentials request.Credentials
}

// NewStore creates an empty store persisting through kv.
func NewStore(kv storage.KV, opts Options) *Store {
	if opts.Key == "" {
		opts.Key = "corpus"
	}
	if opts.TokenHeader == "" && opts.CookieHeader == "" {
		opts.TokenHeader = DefaultTokenHeader
		opts.CookieHeader = DefaultCookieHeader
	}
	return &Store{kv: kv, opts: opts}
}

// Add appends tmpl to the corpus, persists the corpus and refreshes credentials
// from tmpl's headers. A persist error is returned after the in-memory state
// (corpus and credentials) has already been updated.
func (s *Store) Add(ctx context.Context, tmpl request.Template) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.corpus = append(s.corpus, tmpl)
	persistErr := s.persistLocked(ctx)

	var upd Update
	if s.opts.TokenHeader != "" {
		if v, ok := tmpl.Options.Headers.Get(s.opts.TokenHeader); ok && v != "" {
			s.credentials.Token = v
			upd.TokenUpdated = true
		}
	}
	if s.opts.CookieHeader != "" {
		if v, ok := tmpl.Options.Headers.Get(s.opts.CookieHeader); ok && v != "" {
			s.credentials.Cookie = v
			upd.CookieUpdated = true
		}
	}
	upd.Size = len(s.corpus)

	if persistErr != nil {
		return upd, fmt.Errorf("persist corpus: %w", persistErr)
	}
	return upd, nil
}

// Clear empties the corpus and forgets the credentials.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.corpus = nil
	s.credentials = request.Credentials{}
	if err := s.persistLocked(ctx); err != nil {
		return fmt.Errorf("persist corpus: %w", err)
	}
	return nil
}

// Restore loads the persisted corpus. Credentials always start empty.
func (s *Store) Restore(ctx context.Context) (int, error) {
	raw, err := s.kv.Get(ctx, s.opts.Key, "[]")
	if err != nil {
		return 0, fmt.Errorf("load corpus: %w", err)
	}
	var corpus []request.Template
	if err := json.Unmarshal([]byte(raw), &corpus); err != nil {
		return 0, fmt.Errorf("decode corpus: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.corpus = corpus
	s.credentials = request.Credentials{}
	return len(corpus), nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	corpus := s.corpus
	if corpus == nil {
		corpus = []request.Template{}
	}
	payload, err := json.Marshal(corpus)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, s.opts.Key, string(payload))
}

func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.corpus)
}

// List returns a copy of the corpus in capture order.
func (s *Store) List() []request.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]request.Template, len(s.corpus))
	for i, tmpl := range s.corpus {
		tmpl.Options = tmpl.Options.Clone()
		out[i] = tmpl
	}
	return out
}

// At returns the template at i modulo the corpus size, with its options deep-copied.
// ok is false when the corpus is empty.
func (s *Store) At(i int) (tmpl request.Template, index int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.corpus) == 0 {
		return request.Template{}, 0, false
	}
	index = i % len(s.corpus)
	if index < 0 {
		index += len(s.corpus)
	}
	tmpl = s.corpus[index]
	tmpl.Options = tmpl.Options.Clone()
	return tmpl, index, true
}

func (s *Store) Credentials() request.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials
}

// HeaderNames returns the configured token and cookie header names.
func (s *Store) HeaderNames() (token, cookie string) {
	return s.opts.TokenHeader, s.opts.CookieHeader
}
