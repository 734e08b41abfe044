// Package redis implements broker.Broker on top of Redis Streams,
// suitable for a horizontally scaled deployment sharing one Redis
// instance across nodes. Each subject maps to one stream key; wildcard
// subscriptions are resolved by tracking known subject names in a Redis
// set and fanning a single subscription out across every stream key
// matching the pattern.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tsok-org/model-context-protocol/broker"
)

// Config configures a Redis-backed broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every Redis key the broker touches.
	// Defaults to "mcp:broker:".
	KeyPrefix string
	// PollInterval bounds how quickly a wildcard subscription notices a
	// newly published subject it hasn't seen before. Defaults to 1s.
	PollInterval time.Duration
}

// Broker is a Redis Streams broker.Broker.
type Broker struct {
	client       redis.UniversalClient
	keyPrefix    string
	pollInterval time.Duration
}

// New constructs a Redis-backed broker. Panics if config.Client is nil,
// matching the teacher's requirement that a broker always be handed a
// live client rather than constructing one implicitly.
func New(config Config) *Broker {
	if config.Client == nil {
		panic("redis: Config.Client is required")
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "mcp:broker:"
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Broker{
		client:       config.Client,
		keyPrefix:    keyPrefix,
		pollInterval: pollInterval,
	}
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) streamKey(subject string) string {
	return b.keyPrefix + "stream:" + subject
}

func (b *Broker) subjectSetKey() string {
	return b.keyPrefix + "subjects"
}

func (b *Broker) Publish(ctx context.Context, subject string, payload []byte) (string, error) {
	streamKey := b.streamKey(subject)

	if err := b.client.SAdd(ctx, b.subjectSetKey(), subject).Err(); err != nil {
		return "", fmt.Errorf("redis broker: register subject %q: %w", subject, err)
	}

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis broker: publish to %q: %w", streamKey, err)
	}

	return eventID, nil
}

func (b *Broker) Subscribe(ctx context.Context, pattern string, opts ...broker.SubscribeOption) (broker.Subscription, error) {
	var o broker.SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		broker:     b,
		pattern:    pattern,
		queueGroup: o.QueueGroup,
		ch:         make(chan *broker.Message, 256),
		ready:      make(chan struct{}),
		ctx:        subCtx,
		cancel:     cancel,
		cursors:    make(map[string]string),
	}

	if !broker.HasWildcard(pattern) {
		sub.cursors[pattern] = startCursor(o.FromEventID)
	}

	if sub.queueGroup != "" {
		if err := b.ensureGroup(ctx, pattern, sub.queueGroup); err != nil && !errors.Is(err, errWildcardGroup) {
			cancel()
			return nil, err
		}
	}

	go sub.run()

	return sub, nil
}

var errWildcardGroup = errors.New("redis broker: queue groups on wildcard patterns create groups lazily per discovered subject")

func (b *Broker) ensureGroup(ctx context.Context, subjectOrPattern, group string) error {
	if broker.HasWildcard(subjectOrPattern) {
		return errWildcardGroup
	}
	err := b.client.XGroupCreateMkStream(ctx, b.streamKey(subjectOrPattern), group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("redis broker: create group %q on %q: %w", group, subjectOrPattern, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func startCursor(fromEventID string) string {
	if fromEventID == "" {
		return "$"
	}
	return fromEventID
}

// subscription polls one or more Redis streams (one per matched
// subject) and multiplexes their deliveries onto a single channel.
type subscription struct {
	broker     *Broker
	pattern    string
	queueGroup string
	ch         chan *broker.Message
	ready      chan struct{}
	readyOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	closeMu    sync.Mutex

	mu      sync.Mutex
	cursors map[string]string // subject -> next read position
}

func (s *subscription) run() {
	defer close(s.ch)

	ticker := time.NewTicker(s.broker.pollInterval)
	defer ticker.Stop()

	for {
		if !broker.HasWildcard(s.pattern) {
			s.pollSubject(s.pattern)
		} else {
			s.discoverSubjects()
			s.mu.Lock()
			subjects := make([]string, 0, len(s.cursors))
			for subj := range s.cursors {
				subjects = append(subjects, subj)
			}
			s.mu.Unlock()
			for _, subj := range subjects {
				s.pollSubject(subj)
			}
		}

		s.readyOnce.Do(func() { close(s.ready) })

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *subscription) discoverSubjects() {
	subjects, err := s.broker.client.SMembers(s.ctx, s.broker.subjectSetKey()).Result()
	if err != nil {
		return
	}

	s.mu.Lock()
	for _, subj := range subjects {
		if !broker.Match(s.pattern, subj) {
			continue
		}
		if _, ok := s.cursors[subj]; !ok {
			s.cursors[subj] = "$"
			if s.queueGroup != "" {
				_ = s.broker.ensureGroup(s.ctx, subj, s.queueGroup)
			}
		}
	}
	s.mu.Unlock()
}

func (s *subscription) pollSubject(subject string) {
	streamKey := s.broker.streamKey(subject)

	if s.queueGroup != "" {
		s.pollGroup(subject, streamKey)
		return
	}

	s.mu.Lock()
	cursor := s.cursors[subject]
	s.mu.Unlock()

	if cursor == "$" {
		// Pin "$" to the stream's current last entry once, so entries
		// added between two polls are not skipped by later reads.
		last, err := s.broker.client.XRevRangeN(s.ctx, streamKey, "+", "-", 1).Result()
		if err != nil {
			return
		}
		cursor = "0-0"
		if len(last) > 0 {
			cursor = last[0].ID
		}
		s.mu.Lock()
		s.cursors[subject] = cursor
		s.mu.Unlock()
	}

	res, err := s.broker.client.XRead(s.ctx, &redis.XReadArgs{
		Streams: []string{streamKey, cursor},
		Count:   64,
		Block:   10 * time.Millisecond,
	}).Result()
	if err != nil {
		return
	}

	for _, stream := range res {
		for _, entry := range stream.Messages {
			s.mu.Lock()
			s.cursors[subject] = entry.ID
			s.mu.Unlock()
			s.emit(subject, entry, 1, nil)
		}
	}
}

func (s *subscription) pollGroup(subject, streamKey string) {
	res, err := s.broker.client.XReadGroup(s.ctx, &redis.XReadGroupArgs{
		Group:    s.queueGroup,
		Consumer: s.queueGroup + "-consumer",
		Streams:  []string{streamKey, ">"},
		Count:    64,
		Block:    10 * time.Millisecond,
	}).Result()
	if err != nil {
		return
	}

	for _, stream := range res {
		for _, entry := range stream.Messages {
			entryID := entry.ID
			ackFn := func(ctx context.Context) error {
				return s.broker.client.XAck(ctx, streamKey, s.queueGroup, entryID).Err()
			}
			s.emit(subject, entry, 1, ackFn)
		}
	}
}

func (s *subscription) emit(subject string, entry redis.XMessage, attempt int, overrideAck func(context.Context) error) {
	data, _ := entry.Values["data"].(string)

	msg := &broker.Message{
		Subject:         subject,
		EventID:         entry.ID,
		Payload:         []byte(data),
		Timestamp:       time.Now(),
		DeliveryAttempt: attempt,
	}
	if overrideAck != nil {
		msg.Ack = overrideAck
	} else {
		msg.Ack = func(context.Context) error { return nil }
	}
	msg.Nack = func(ctx context.Context, delay time.Duration) error {
		// At-least-once redelivery: simply don't Ack; the group's
		// pending-entries list leaves the message eligible for a
		// future XCLAIM-based retry by another consumer.
		return nil
	}

	select {
	case s.ch <- msg:
	case <-s.ctx.Done():
	}
}

func (s *subscription) Next(ctx context.Context) (*broker.Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, broker.ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, broker.ErrClosed
	}
}

func (s *subscription) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return broker.ErrClosed
	}
}

func (s *subscription) Unsubscribe() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}

var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
