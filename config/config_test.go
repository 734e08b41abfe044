package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsok-org/model-context-protocol/config"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	setEnv(t, map[string]string{"HTTP_SERVER_PORT": "8080"})

	c, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 8080, c.HTTPServerPort)
	require.Equal(t, "0.0.0.0", c.HTTPServerHost)
	require.Equal(t, "/mcp", c.HTTPServerEndpoint)
	require.Equal(t, 30000, c.ResponseTimeoutMs)
	require.True(t, c.EnableBackgroundChan)
	require.True(t, c.EnableSessionTerm)
	require.False(t, c.EnforceStrictCaps)
	require.False(t, c.BearerAuthEnabled)
}

func TestLoadRequiresPort(t *testing.T) {
	require.NoError(t, os.Unsetenv("HTTP_SERVER_PORT"))
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	setEnv(t, map[string]string{
		"HTTP_SERVER_PORT":                         "9090",
		"HTTP_SERVER_HOST":                          "127.0.0.1",
		"STREAMABLE_HTTP_RESPONSE_TIMEOUT_MS":       "5000",
		"STREAMABLE_HTTP_ENABLE_BACKGROUND_CHANNEL": "false",
		"AUTH_BEARER_ENABLED":                       "true",
	})

	c, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", c.ListenAddr())
	require.False(t, c.EnableBackgroundChan)
	require.True(t, c.BearerAuthEnabled)

	opts := c.StreamingHTTPOptions()
	require.Len(t, opts, 4)
}
