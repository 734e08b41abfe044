// Package redis implements sessions.Store on Redis, so that sessions
// created on one node of a horizontally scaled deployment are visible
// to every other node sharing the same Redis instance.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/tsok-org/model-context-protocol/internal/idgen"
	"github.com/tsok-org/model-context-protocol/sessions"
)

// Config configures a Redis-backed Store. Populate via New directly or
// NewFromEnv, which decodes these fields from the environment using
// struct tags.
type Config struct {
	// RedisAddr is the Redis server address. ENV: SESSIONS_REDIS_ADDR
	RedisAddr string `env:"SESSIONS_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix prefixes every Redis key the store touches.
	// ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// TTL bounds how long an unaccessed session survives before Redis
	// expires its key outright. ENV: SESSIONS_TTL
	TTL time.Duration `env:"SESSIONS_TTL,default=30m"`

	// Client, when set, is used instead of dialing RedisAddr. Lets
	// callers share a connection pool with the broker/redis backend.
	Client redis.UniversalClient
}

// Store is a Redis sessions.Store.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	gen       idgen.Generator
}

// New constructs a Store from cfg, dialing a client if one was not
// supplied.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("sessions/redis: ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &Store{client: client, keyPrefix: prefix, ttl: ttl, gen: idgen.New()}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config from the
// environment before dialing Redis.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("sessions/redis: decode env config: %w", err)
	}
	return New(cfg)
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id string) string { return s.keyPrefix + id }

type storedSession struct {
	ID         string                     `json:"id"`
	State      sessions.State             `json:"state"`
	CreatedAt  time.Time                  `json:"createdAt"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
	ExpiredAt  *time.Time                 `json:"expiredAt,omitempty"`
	DeletedAt  *time.Time                 `json:"deletedAt,omitempty"`
	Negotiated sessions.NegotiatedMetadata `json:"negotiated"`
	Bag        map[string]json.RawMessage `json:"bag,omitempty"`
}

func toStored(sess *sessions.Session) *storedSession {
	return &storedSession{
		ID:         sess.ID,
		State:      sess.State,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
		ExpiredAt:  sess.ExpiredAt,
		DeletedAt:  sess.DeletedAt,
		Negotiated: sess.Negotiated,
		Bag:        sess.Bag(),
	}
}

func fromStored(st *storedSession) *sessions.Session {
	sess := &sessions.Session{
		ID:         st.ID,
		State:      st.State,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
		ExpiredAt:  st.ExpiredAt,
		DeletedAt:  st.DeletedAt,
		Negotiated: st.Negotiated,
	}
	for k, v := range st.Bag {
		sess.SetValue(k, v)
	}
	return sess
}

func (s *Store) Create(ctx context.Context, _ sessions.RequestMetadata) (*sessions.Session, error) {
	now := time.Now()
	sess := &sessions.Session{
		ID:        s.gen.Generate(idgen.Options{}),
		State:     sessions.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string, _ sessions.RequestMetadata) (*sessions.Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, sessions.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions/redis: get %q: %w", id, err)
	}

	var st storedSession
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("sessions/redis: decode %q: %w", id, err)
	}

	sess := fromStored(&st)
	if sess.State == sessions.StateExpired || sess.State == sessions.StateDeleted {
		return nil, sessions.ErrNotFound
	}
	return sess, nil
}

func (s *Store) Update(ctx context.Context, session *sessions.Session) error {
	session.UpdatedAt = time.Now()
	return s.write(ctx, session)
}

func (s *Store) write(ctx context.Context, sess *sessions.Session) error {
	data, err := json.Marshal(toStored(sess))
	if err != nil {
		return fmt.Errorf("sessions/redis: encode %q: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("sessions/redis: set %q: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string, _ sessions.RequestMetadata) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("sessions/redis: delete %q: %w", id, err)
	}
	return nil
}

var _ sessions.Store = (*Store)(nil)
