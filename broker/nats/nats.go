// Package nats implements broker.Broker on NATS JetStream. Because NATS
// subjects already use "." as a segment delimiter and natively support
// "*"/">" wildcards, the topic scheme's subject strings are used as NATS
// subjects unmodified. JetStream sequence numbers double as this
// backend's event ids, and durable pull consumers sharing one name give
// queue-group competing-consumer semantics for free.
package nats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tsok-org/model-context-protocol/broker"
)

// Config configures a JetStream-backed broker.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222". Multiple
	// comma-delimited URLs are accepted.
	URL string
	// StreamName names the JetStream stream capturing every subject this
	// broker publishes to. Defaults to "MCP".
	StreamName string
	// StreamSubjectPrefix is the subject wildcard the stream captures,
	// e.g. "mcp.>". Defaults to "mcp.>".
	StreamSubjectPrefix string
	// Options are passed through to nats.Connect.
	Options []nats.Option
}

// Broker is a NATS JetStream broker.Broker.
type Broker struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer // durable name -> consumer
}

// Connect dials NATS and ensures the backing JetStream stream exists.
func Connect(ctx context.Context, cfg Config) (*Broker, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("nats broker: connect: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats broker: jetstream: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "MCP"
	}
	subjectPrefix := cfg.StreamSubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = "mcp.>"
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats broker: create stream %q: %w", streamName, err)
	}

	return &Broker{
		conn:      conn,
		js:        js,
		stream:    stream,
		consumers: make(map[string]jetstream.Consumer),
	}, nil
}

func (b *Broker) Close() error {
	return b.conn.Drain()
}

func (b *Broker) Publish(ctx context.Context, subject string, payload []byte) (string, error) {
	ack, err := b.js.Publish(ctx, subject, payload)
	if err != nil {
		return "", fmt.Errorf("nats broker: publish %q: %w", subject, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (b *Broker) Subscribe(ctx context.Context, pattern string, opts ...broker.SubscribeOption) (broker.Subscription, error) {
	var o broker.SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: pattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}

	if o.FromEventID != "" {
		seq, err := strconv.ParseUint(o.FromEventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nats broker: invalid from-event-id %q: %w", o.FromEventID, err)
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = seq + 1
	}

	if o.QueueGroup != "" {
		cfg.Durable = durableName(pattern, o.QueueGroup)
	}

	consumer, err := b.getOrCreateConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		consumer: consumer,
		ch:       make(chan *broker.Message, 256),
		ready:    make(chan struct{}),
		ctx:      subCtx,
		cancel:   cancel,
	}

	cc, err := consumer.Consume(sub.handle, jetstream.PullMaxMessages(64))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nats broker: consume %q: %w", pattern, err)
	}
	sub.consumeCtx = cc
	close(sub.ready)

	return sub, nil
}

func durableName(pattern, group string) string {
	safe := strings.NewReplacer(".", "_", "*", "star", ">", "rest").Replace(pattern)
	return fmt.Sprintf("%s-%s", group, safe)
}

func (b *Broker) getOrCreateConsumer(ctx context.Context, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	if cfg.Durable == "" {
		return b.stream.CreateConsumer(ctx, cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.consumers[cfg.Durable]; ok {
		return c, nil
	}

	c, err := b.stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("nats broker: create consumer %q: %w", cfg.Durable, err)
	}
	b.consumers[cfg.Durable] = c
	return c, nil
}

type subscription struct {
	consumer   jetstream.Consumer
	consumeCtx jetstream.ConsumeContext
	ch         chan *broker.Message
	ready      chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	closeMu    sync.Mutex
}

func (s *subscription) handle(msg jetstream.Msg) {
	meta, err := msg.Metadata()
	if err != nil {
		_ = msg.Nak()
		return
	}

	m := &broker.Message{
		Subject:         msg.Subject(),
		EventID:         strconv.FormatUint(meta.Sequence.Stream, 10),
		Payload:         msg.Data(),
		Timestamp:       meta.Timestamp,
		DeliveryAttempt: int(meta.NumDelivered),
		Ack: func(context.Context) error {
			return msg.Ack()
		},
		Nack: func(_ context.Context, delay time.Duration) error {
			if delay > 0 {
				return msg.NakWithDelay(delay)
			}
			return msg.Nak()
		},
	}

	select {
	case s.ch <- m:
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
	}
}

func (s *subscription) Unsubscribe() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.consumeCtx != nil {
		s.consumeCtx.Stop()
	}
	s.cancel()
	close(s.ch)
	return nil
}

var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
