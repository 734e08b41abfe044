// Package bearerauth verifies bearer access tokens on incoming MCP
// requests. It is deliberately narrower than a general OAuth resource
// server: a fixed issuer and audience set, verified either against a
// JWKS URL (RS256-family, refreshed on a TTL and on unknown-kid cache
// misses) or a shared HMAC secret (HS256), with optional scope
// enforcement. OIDC discovery is out of scope; callers who need it
// resolve the JWKS URL themselves and pass it in statically.
package bearerauth
