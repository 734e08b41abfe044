package nats

import (
	"context"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/tsok-org/model-context-protocol/broker"
	"github.com/tsok-org/model-context-protocol/broker/brokertest"
)

func TestBroker(t *testing.T) {
	conn, err := natsgo.Connect(natsgo.DefaultURL, natsgo.Timeout(time.Second))
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	conn.Close()

	brokertest.Run(t, func(t *testing.T) broker.Broker {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b, err := Connect(ctx, Config{StreamName: "MCP_TEST", StreamSubjectPrefix: "mcp.>"})
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		return b
	})
}
