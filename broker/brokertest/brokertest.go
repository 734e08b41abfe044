// Package brokertest runs one conformance suite against any
// broker.Broker implementation, so the memory, Redis and NATS backends
// are all exercised through the same assertions.
package brokertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsok-org/model-context-protocol/broker"
)

// Factory constructs a fresh, isolated broker for one subtest.
type Factory func(t *testing.T) broker.Broker

// Run executes the conformance suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SubscribeWithoutEventIDSkipsEarlierMessages", func(t *testing.T) {
		testNoReplayWithoutEventID(t, factory)
	})
	t.Run("ReplayFromEventID", func(t *testing.T) {
		testReplayFromEventID(t, factory)
	})
	t.Run("SubjectIsolation", func(t *testing.T) {
		testSubjectIsolation(t, factory)
	})
	t.Run("WildcardSubscription", func(t *testing.T) {
		testWildcardSubscription(t, factory)
	})
	t.Run("QueueGroupCompetingConsumers", func(t *testing.T) {
		testQueueGroupCompetingConsumers(t, factory)
	})
	t.Run("UnsubscribeIsIdempotent", func(t *testing.T) {
		testUnsubscribeIdempotent(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
}

func testNoReplayWithoutEventID(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := "mcp.sess-1.bg.outbound"

	_, err := b.Publish(ctx, subject, []byte("before-subscribe"))
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, subject)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, sub.Ready(ctx))

	_, err = b.Publish(ctx, subject, []byte("after-subscribe"))
	require.NoError(t, err)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, subject, msg.Subject)
	require.Equal(t, "after-subscribe", string(msg.Payload))
	require.NoError(t, msg.Ack(ctx))
}

func testReplayFromEventID(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := "mcp.sess-2.bg.outbound"

	var lastID string
	for i := 0; i < 3; i++ {
		id, err := b.Publish(ctx, subject, []byte(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
		if i == 0 {
			lastID = id
		}
	}

	sub, err := b.Subscribe(ctx, subject, broker.FromEventID(lastID))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 1; i < 3; i++ {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(msg.Payload))
	}
}

func testSubjectIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subA := "mcp.sess-a.bg.outbound"
	subB := "mcp.sess-b.bg.outbound"

	sub, err := b.Subscribe(ctx, subA)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, sub.Ready(ctx))

	_, err = b.Publish(ctx, subB, []byte("not-for-a"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, subA, []byte("for-a"))
	require.NoError(t, err)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "for-a", string(msg.Payload))
}

func testWildcardSubscription(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pattern := "mcp.sess-wild.*.outbound"

	sub, err := b.Subscribe(ctx, pattern)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, sub.Ready(ctx))

	_, err = b.Publish(ctx, "mcp.sess-wild.req42.outbound", []byte("hit"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "mcp.sess-wild.req42.inbound", []byte("miss-direction"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "mcp.sess-wild.bg.outbound.extra", []byte("miss-too-many-segments"))
	require.NoError(t, err)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "hit", string(msg.Payload))
}

func testQueueGroupCompetingConsumers(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := "mcp.sess-q.bg.inbound"
	const group = "workers"

	sub1, err := b.Subscribe(ctx, subject, broker.WithQueueGroup(group))
	require.NoError(t, err)
	defer sub1.Unsubscribe()
	sub2, err := b.Subscribe(ctx, subject, broker.WithQueueGroup(group))
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	require.NoError(t, sub1.Ready(ctx))
	require.NoError(t, sub2.Ready(ctx))

	const n = 10
	for i := 0; i < n; i++ {
		_, err := b.Publish(ctx, subject, []byte(fmt.Sprintf("job-%d", i)))
		require.NoError(t, err)
	}

	received := 0
	deadline := time.After(3 * time.Second)
	for received < n {
		select {
		case <-deadline:
			t.Fatalf("only received %d/%d messages across queue group", received, n)
		default:
		}

		drainCtx, drainCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		msg, err := sub1.Next(drainCtx)
		drainCancel()
		if err == nil {
			require.NoError(t, msg.Ack(ctx))
			received++
			continue
		}

		drainCtx2, drainCancel2 := context.WithTimeout(ctx, 200*time.Millisecond)
		msg, err = sub2.Next(drainCtx2)
		drainCancel2()
		if err == nil {
			require.NoError(t, msg.Ack(ctx))
			received++
		}
	}

	require.Equal(t, n, received)
}

func testUnsubscribeIdempotent(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "mcp.sess-u.bg.outbound")
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func testSubscriptionContextCancellation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "mcp.sess-c.bg.outbound")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, sub.Ready(context.Background()))

	cancel()

	_, err = sub.Next(context.Background())
	require.Error(t, err)
}
