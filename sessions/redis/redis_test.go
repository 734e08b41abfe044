package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tsok-org/model-context-protocol/sessions"
	"github.com/tsok-org/model-context-protocol/sessions/sessiontest"
)

func TestStore(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:6379", DB: 4})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.FlushDB(context.Background())
	client.Close()

	sessiontest.Run(t, func(t *testing.T) sessions.Store {
		c := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:6379", DB: 4})
		t.Cleanup(func() { c.FlushDB(context.Background()); c.Close() })
		s, err := New(Config{Client: c})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}
