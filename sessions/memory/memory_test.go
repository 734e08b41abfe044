package memory

import (
	"testing"

	"github.com/tsok-org/model-context-protocol/sessions"
	"github.com/tsok-org/model-context-protocol/sessions/sessiontest"
)

func TestStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) sessions.Store {
		s, err := New(1024)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
