// Package config assembles a Config from the environment (per spec.md
// §6.4) and translates it into streaminghttp.Option values, following
// the teacher's envdecode-driven pattern in sessions/redishost.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/tsok-org/model-context-protocol/middleware/bearerauth"
	"github.com/tsok-org/model-context-protocol/streaminghttp"
)

// Config is the process-level configuration table from spec.md §6.4,
// plus the two additions SPEC_FULL.md §6 names.
type Config struct {
	HTTPServerPort         int    `env:"HTTP_SERVER_PORT,required"`
	HTTPServerHost         string `env:"HTTP_SERVER_HOST,default=0.0.0.0"`
	HTTPServerEndpoint     string `env:"HTTP_SERVER_ENDPOINT,default=/mcp"`
	ResponseTimeoutMs      int    `env:"STREAMABLE_HTTP_RESPONSE_TIMEOUT_MS,default=30000"`
	EnableBackgroundChan   bool   `env:"STREAMABLE_HTTP_ENABLE_BACKGROUND_CHANNEL,default=true"`
	EnableSessionTerm      bool   `env:"STREAMABLE_HTTP_ENABLE_SESSION_TERMINATION,default=true"`
	EnforceStrictCaps      bool   `env:"ENFORCE_STRICT_CAPABILITIES,default=false"`
	ResponseModePolicyFile string `env:"STREAMABLE_HTTP_RESPONSE_MODE_POLICY_FILE,default="`

	BearerAuthEnabled   bool   `env:"AUTH_BEARER_ENABLED,default=false"`
	BearerAuthIssuer    string `env:"AUTH_BEARER_ISSUER,default="`
	BearerAuthAudience  string `env:"AUTH_BEARER_AUDIENCE,default="`
	BearerAuthJWKSURL   string `env:"AUTH_BEARER_JWKS_URL,default="`
	BearerAuthScopesCSV string `env:"AUTH_BEARER_REQUIRED_SCOPES,default="`
}

// Load decodes a Config from the process environment.
func Load() (Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	return c, nil
}

// ListenAddr is the address httpServer.host/httpServer.port describe.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPServerHost, c.HTTPServerPort)
}

// StreamingHTTPOptions translates the table into streaminghttp.Options.
// It never installs a response-mode strategy for ResponseModePolicyFile
// itself — pair this with a PolicyWatcher's Strategy() and append
// streaminghttp.WithResponseModeStrategy(watcher.Strategy()) when
// ResponseModePolicyFile is set.
func (c Config) StreamingHTTPOptions() []streaminghttp.Option {
	return []streaminghttp.Option{
		streaminghttp.WithEndpoint(c.HTTPServerEndpoint),
		streaminghttp.WithResponseTimeout(time.Duration(c.ResponseTimeoutMs) * time.Millisecond),
		streaminghttp.WithBackgroundChannel(c.EnableBackgroundChan),
		streaminghttp.WithSessionTermination(c.EnableSessionTerm),
	}
}

// BearerAuthConfig translates the AUTH_BEARER_* fields into a
// bearerauth.Config. Call this only when BearerAuthEnabled is true;
// bearerauth.New will reject a Config missing Issuer/Audience/JWKSURL.
func (c Config) BearerAuthConfig() bearerauth.Config {
	var scopes []string
	if c.BearerAuthScopesCSV != "" {
		scopes = strings.Split(c.BearerAuthScopesCSV, ",")
	}
	var audiences []string
	if c.BearerAuthAudience != "" {
		audiences = []string{c.BearerAuthAudience}
	}
	return bearerauth.Config{
		Issuer:         c.BearerAuthIssuer,
		Audiences:      audiences,
		JWKSURL:        c.BearerAuthJWKSURL,
		RequiredScopes: scopes,
	}
}
