package memory

import (
	"testing"

	"github.com/tsok-org/model-context-protocol/broker"
	"github.com/tsok-org/model-context-protocol/broker/brokertest"
)

func TestBroker(t *testing.T) {
	brokertest.Run(t, func(t *testing.T) broker.Broker {
		return New()
	})
}
