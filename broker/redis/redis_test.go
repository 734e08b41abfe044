package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tsok-org/model-context-protocol/broker"
	"github.com/tsok-org/model-context-protocol/broker/brokertest"
)

func TestBroker(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:6379", DB: 3})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.FlushDB(context.Background())
	_ = client.Close()

	brokertest.Run(t, func(t *testing.T) broker.Broker {
		c := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:6379", DB: 3})
		t.Cleanup(func() { c.FlushDB(context.Background()); c.Close() })
		return New(Config{Client: c, PollInterval: 20 * time.Millisecond})
	})
}
