package server

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Registry tracks the live sessions of a server. Readers take an immutable
// snapshot without locking; writers copy the map under mu and publish the
// copy, so a snapshot is never mutated after it is handed out.
type Registry struct {
	mu       sync.Mutex
	sessions atomic.Pointer[map[string]*Session]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]*Session{}
	r.sessions.Store(&empty)
	return r
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.sessions.Load()
	next := make(map[string]*Session, len(current)+1)
	for id, existing := range current {
		next[id] = existing
	}
	next[s.id] = s
	r.sessions.Store(&next)
}

// Remove drops s if it is still the session registered under its id.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.sessions.Load()
	if existing, ok := current[s.id]; !ok || existing != s {
		return false
	}
	next := make(map[string]*Session, len(current))
	for id, existing := range current {
		if id != s.id {
			next[id] = existing
		}
	}
	r.sessions.Store(&next)
	return true
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := (*r.sessions.Load())[id]
	return s, ok
}

func (r *Registry) Len() int {
	return len(*r.sessions.Load())
}

// Snapshot returns the registered sessions ordered by connection time.
func (r *Registry) Snapshot() []*Session {
	current := *r.sessions.Load()
	out := make([]*Session, 0, len(current))
	for _, s := range current {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].connectedAt.Equal(out[j].connectedAt) {
			return out[i].id < out[j].id
		}
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// CloseAll force-closes the sessions registered when it is called and waits
// for each to finish teardown. Sessions registered afterwards are left
// alone; Stop closes the listener first so none arrive during shutdown.
// Sessions still open when ctx ends are reported in a *CloseError.
func (r *Registry) CloseAll(ctx context.Context) error {
	sessions := r.Snapshot()
	if len(sessions) == 0 {
		return nil
	}

	for _, s := range sessions {
		s.ForceShutdown()
	}

	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	for _, s := range sessions {
		g.Go(func() error {
			select {
			case <-s.Done():
			case <-ctx.Done():
				mu.Lock()
				failed = append(failed, s.id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return &CloseError{Open: len(failed), SessionIDs: failed}
	}
	return nil
}
