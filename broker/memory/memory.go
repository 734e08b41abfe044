// Package memory implements broker.Broker with in-process Go channels.
// It is suitable for single-node deployments and tests; state does not
// survive process restart and is invisible to other processes.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsok-org/model-context-protocol/broker"
)

// Broker is an in-memory broker.Broker. The zero value is not usable;
// construct with New.
type Broker struct {
	mu           sync.RWMutex
	subjects     map[string]*subjectLog
	subs         map[*subscription]struct{}
	eventCounter atomic.Int64
	closed       atomic.Bool
}

// subjectLog retains published messages for replay on a single subject.
type subjectLog struct {
	mu       sync.RWMutex
	messages []*broker.Message
}

// New constructs an in-memory broker.
func New() *Broker {
	return &Broker{
		subjects: make(map[string]*subjectLog),
		subs:     make(map[*subscription]struct{}),
	}
}

func (b *Broker) Publish(ctx context.Context, subject string, payload []byte) (string, error) {
	if b.closed.Load() {
		return "", broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	msg := &broker.Message{
		Subject:         subject,
		EventID:         eventID,
		Payload:         append([]byte(nil), payload...),
		Timestamp:       time.Now(),
		DeliveryAttempt: 1,
	}

	b.mu.Lock()
	log, ok := b.subjects[subject]
	if !ok {
		log = &subjectLog{}
		b.subjects[subject] = log
	}
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	log.mu.Lock()
	log.messages = append(log.messages, msg)
	log.mu.Unlock()

	delivered := make(map[string]bool) // queue group -> already delivered for this publish
	for _, s := range subs {
		if !broker.Match(s.pattern, subject) {
			continue
		}
		if s.queueGroup != "" {
			if delivered[s.queueGroup] {
				continue
			}
			delivered[s.queueGroup] = true
		}
		s.deliver(msg)
	}

	return eventID, nil
}

func (b *Broker) Subscribe(ctx context.Context, pattern string, opts ...broker.SubscribeOption) (broker.Subscription, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}

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
		ctx:        subCtx,
		cancel:     cancel,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if o.FromEventID != "" {
		b.mu.RLock()
		logs := make([]*subjectLog, 0, len(b.subjects))
		for subj, log := range b.subjects {
			if broker.Match(pattern, subj) {
				logs = append(logs, log)
			}
		}
		b.mu.RUnlock()

		for _, log := range logs {
			log.mu.RLock()
			for _, msg := range log.messages {
				if eventIDGreater(msg.EventID, o.FromEventID) {
					sub.deliver(msg)
				}
			}
			log.mu.RUnlock()
		}
	}

	return sub, nil
}

func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	return nil
}

func eventIDGreater(id, than string) bool {
	a, err1 := strconv.ParseInt(id, 10, 64)
	c, err2 := strconv.ParseInt(than, 10, 64)
	if err1 != nil || err2 != nil {
		return id > than
	}
	return a > c
}

type subscription struct {
	broker     *Broker
	pattern    string
	queueGroup string
	ch         chan *broker.Message
	ctx        context.Context
	cancel     context.CancelFunc
	closed     atomic.Bool
}

func (s *subscription) deliver(msg *broker.Message) {
	m := *msg
	m.Ack = func(context.Context) error { return nil }
	m.Nack = func(ctx context.Context, delay time.Duration) error {
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			select {
			case s.ch <- &m:
			case <-s.ctx.Done():
			}
		}()
		return nil
	}

	select {
	case s.ch <- &m:
	case <-s.ctx.Done():
	default:
		// subscriber too slow; drop rather than block the publisher.
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

// Ready is a no-op: Subscribe has already registered the subscriber
// before returning, so no Publish racing with the Subscribe call can be
// missed.
func (s *subscription) Ready(ctx context.Context) error {
	return nil
}

func (s *subscription) Unsubscribe() error {
	if s.closed.CompareAndSwap(false, true) {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()

		s.cancel()
		close(s.ch)
	}
	return nil
}

var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
