package topic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsok-org/model-context-protocol/broker"
)

func TestConstructorsAreInjectiveAndDoNotCollide(t *testing.T) {
	require.Equal(t, "mcp.s1.r1.inbound", RequestInbound("s1", "r1"))
	require.Equal(t, "mcp.s1.r1.outbound", RequestOutbound("s1", "r1"))
	require.Equal(t, "mcp.s1.bg.outbound", BackgroundOutbound("s1"))
	require.Equal(t, "mcp.s1.bg.inbound", BackgroundInbound("s1"))

	require.NotEqual(t, RequestInbound("s1", "bg"), BackgroundInbound("s1"))
	require.NotEqual(t, RequestOutbound("s1", "bg"), BackgroundOutbound("s1"))
}

func TestSessionWildcardMatchesAllSessionSubjects(t *testing.T) {
	pattern := SessionWildcard("s1")

	require.True(t, broker.Match(pattern, RequestInbound("s1", "r1")))
	require.True(t, broker.Match(pattern, RequestOutbound("s1", "r1")))
	require.True(t, broker.Match(pattern, BackgroundOutbound("s1")))
	require.True(t, broker.Match(pattern, BackgroundInbound("s1")))
	require.False(t, broker.Match(pattern, RequestInbound("s2", "r1")))
}
