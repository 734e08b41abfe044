// Package memory implements sessions.Store with an in-process LRU cache
// and a background sweep that expires sessions past their TTL. State
// does not survive process restart and is invisible to other processes.
package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tsok-org/model-context-protocol/internal/idgen"
	"github.com/tsok-org/model-context-protocol/sessions"
)

// Store is an in-memory sessions.Store.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *sessions.Session]
	gen   idgen.Generator
	ttl   time.Duration

	stopSweep chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long a session may go unaccessed before the
// background sweep marks it expired. Defaults to 30 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithIDGenerator overrides the id generator used for new sessions.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Store) { s.gen = g }
}

// New constructs a Store holding up to maxSessions entries.
func New(maxSessions int, opts ...Option) (*Store, error) {
	cache, err := lru.New[string, *sessions.Session](maxSessions)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cache:     cache,
		gen:       idgen.New(),
		ttl:       30 * time.Minute,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()

	return s, nil
}

func (s *Store) Create(ctx context.Context, _ sessions.RequestMetadata) (*sessions.Session, error) {
	id := s.gen.Generate(idgen.Options{})
	now := time.Now()

	sess := &sessions.Session{
		ID:        id,
		State:     sessions.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.cache.Add(id, sess)
	s.mu.Unlock()

	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string, _ sessions.RequestMetadata) (*sessions.Session, error) {
	s.mu.RLock()
	sess, ok := s.cache.Get(id)
	s.mu.RUnlock()

	if !ok {
		return nil, sessions.ErrNotFound
	}
	if sess.State == sessions.StateExpired || sess.State == sessions.StateDeleted {
		return nil, sessions.ErrNotFound
	}
	return sess, nil
}

func (s *Store) Update(ctx context.Context, session *sessions.Session) error {
	session.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache.Get(session.ID); !ok {
		return sessions.ErrNotFound
	}
	s.cache.Add(session.ID, session)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string, _ sessions.RequestMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.cache.Get(id); ok {
		now := time.Now()
		sess.State = sessions.StateDeleted
		sess.DeletedAt = &now
		s.cache.Remove(id)
	}
	return nil
}

// Close stops the background expiry sweep.
func (s *Store) Close() error {
	close(s.stopSweep)
	return nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range s.cache.Keys() {
		sess, ok := s.cache.Peek(id)
		if !ok {
			continue
		}
		if sess.State == sessions.StateDeleted || sess.State == sessions.StateExpired {
			continue
		}
		if now.Sub(sess.UpdatedAt) > s.ttl {
			sess.State = sessions.StateExpired
			sess.ExpiredAt = &now
			s.cache.Remove(id)
		}
	}
}

var _ sessions.Store = (*Store)(nil)
