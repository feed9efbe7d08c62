package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vigil/cmd/internal/storage"
)

var errInjected = errors.New("injected failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore wraps a MemoryStore and fails writes on demand.
type flakyStore struct {
	*storage.MemoryStore

	mu         sync.Mutex
	failSet    bool
	failRemove bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *flakyStore) setFailures(set, remove bool) {
	s.mu.Lock()
	s.failSet, s.failRemove = set, remove
	s.mu.Unlock()
}

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *flakyStore) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	fail := s.failRemove
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.MemoryStore.Remove(ctx, keys...)
}

// fakeRemote counts InvalidateSession calls and captures the stored user at
// call time so tests can assert remote-before-local ordering.
type fakeRemote struct {
	mu        sync.Mutex
	calls     int
	err       error
	userAtHit []string
	entered   chan struct{}
	release   chan struct{}
	store     storage.Store
}

func (r *fakeRemote) InvalidateSession(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	entered, release, err, st := r.entered, r.release, r.err, r.store
	r.mu.Unlock()

	if st != nil {
		u, _ := st.Get(ctx, KeyCurrentUser)
		r.mu.Lock()
		r.userAtHit = append(r.userAtHit, u)
		r.mu.Unlock()
	}
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *fakeRemote) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingNavigator struct {
	mu        sync.Mutex
	redirects []Redirect
	ch        chan Redirect
}

func newRecordingNavigator() *recordingNavigator {
	return &recordingNavigator{ch: make(chan Redirect, 16)}
}

func (n *recordingNavigator) Redirect(_ context.Context, r Redirect) {
	n.mu.Lock()
	n.redirects = append(n.redirects, r)
	n.mu.Unlock()
	select {
	case n.ch <- r:
	default:
	}
}

func (n *recordingNavigator) All() []Redirect {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Redirect(nil), n.redirects...)
}

func (n *recordingNavigator) wait(t *testing.T) Redirect {
	t.Helper()
	select {
	case r := <-n.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for redirect")
		return Redirect{}
	}
}

func mustGet(t *testing.T, st storage.Store, key string) string {
	t.Helper()
	v, err := st.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return v
}

func mustMissing(t *testing.T, st storage.Store, key string) {
	t.Helper()
	if _, err := st.Get(context.Background(), key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected %s to be removed, got err=%v", key, err)
	}
}
