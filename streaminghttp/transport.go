package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tsok-org/model-context-protocol/broker"
	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/protocol"
	"github.com/tsok-org/model-context-protocol/topic"
)

// brokerTransport implements protocol.Transport by publishing every
// outgoing message onto a broker subject instead of writing to any
// particular HTTP response directly (per spec.md §4.D.7). Whatever
// node's POST or GET handler is subscribed to that subject — possibly
// a different process entirely — is responsible for forwarding it to
// the client.
type brokerTransport struct {
	br broker.Broker
}

func newBrokerTransport(br broker.Broker) *brokerTransport {
	return &brokerTransport{br: br}
}

func (t *brokerTransport) Send(ctx context.Context, route protocol.Route, msg jsonrpc.Message) error {
	if route.SessionID == "" {
		return fmt.Errorf("streaminghttp: outbound send requires a session id")
	}

	subject := t.subjectFor(route, msg)
	_, err := t.br.Publish(ctx, subject, msg)
	if err != nil {
		return fmt.Errorf("streaminghttp: publish to %q: %w", subject, err)
	}
	return nil
}

func (t *brokerTransport) subjectFor(route protocol.Route, msg jsonrpc.Message) string {
	if route.RequestID != "" {
		return topic.RequestOutbound(route.SessionID, route.RequestID)
	}

	var any jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &any); err == nil && any.Type() == "request" {
		return topic.BackgroundInbound(route.SessionID)
	}
	return topic.BackgroundOutbound(route.SessionID)
}

func (t *brokerTransport) Disconnect(ctx context.Context) error { return nil }

var _ protocol.Transport = (*brokerTransport)(nil)

func hasProgressToken(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var withMeta struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &withMeta); err != nil {
		return false
	}
	return len(withMeta.Meta.ProgressToken) > 0
}
