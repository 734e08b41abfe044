package bearerauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tsok-org/model-context-protocol/streaminghttp"
)

// ErrUnauthorized indicates the bearer token is missing, malformed, or
// fails verification.
var ErrUnauthorized = errors.New("bearerauth: unauthorized")

// ErrInsufficientScope indicates the token is valid but lacks a scope
// required by Config.RequiredScopes.
var ErrInsufficientScope = errors.New("bearerauth: insufficient scope")

// UserInfo is the authenticated principal extracted from a verified
// bearer token's claims.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

// Config configures bearer token verification for one MCP endpoint.
// Exactly one of JWKSURL or HMACSecret selects the verification mode.
type Config struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default ["RS256"] with JWKSURL, ["HS256"] with HMACSecret

	// JWKSURL verifies RS256-family tokens against a remote JWKS,
	// refetched per JWKSTTL (default 10m) or on an unknown kid.
	JWKSURL string
	JWKSTTL time.Duration

	// HMACSecret verifies HS256 tokens against a shared secret, for
	// deployments that mint their own tokens without a JWKS endpoint.
	HMACSecret []byte

	Leeway time.Duration // clock skew tolerance, default 60s

	RequiredScopes []string
	ScopeModeAny   bool // require any of RequiredScopes rather than all

	Realm string // WWW-Authenticate realm, default "mcp"
}

func (c *Config) normalize() {
	if len(c.AllowedAlgs) == 0 {
		if len(c.HMACSecret) > 0 {
			c.AllowedAlgs = []string{"HS256"}
		} else {
			c.AllowedAlgs = []string{"RS256"}
		}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	if c.Realm == "" {
		c.Realm = "mcp"
	}
}

func (c Config) validate() error {
	if c.Issuer == "" {
		return errors.New("bearerauth: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("bearerauth: at least one audience required")
	}
	if c.JWKSURL == "" && len(c.HMACSecret) == 0 {
		return errors.New("bearerauth: either JWKSURL or HMACSecret is required")
	}
	if c.JWKSURL != "" && len(c.HMACSecret) > 0 {
		return errors.New("bearerauth: JWKSURL and HMACSecret are mutually exclusive")
	}
	return nil
}

// Middleware verifies the Authorization header on every request it
// wraps and, on success, attaches the resulting UserInfo to the
// request's context before continuing the chain.
type Middleware struct {
	cfg     Config
	keyFunc jwt.Keyfunc
}

// New builds a Middleware from cfg. With JWKSURL configured, the JWKS
// itself is fetched lazily on first use rather than inside New.
func New(cfg Config) (*Middleware, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var keyFunc jwt.Keyfunc
	if cfg.JWKSURL != "" {
		keyFunc = newJWKSKeyfunc(cfg.JWKSURL, cfg.AllowedAlgs, cfg.JWKSTTL).keyFunc
	} else {
		secret := cfg.HMACSecret
		allowed := make(map[string]bool, len(cfg.AllowedAlgs))
		for _, a := range cfg.AllowedAlgs {
			allowed[a] = true
		}
		keyFunc = func(t *jwt.Token) (any, error) {
			if !allowed[t.Method.Alg()] {
				return nil, fmt.Errorf("bearerauth: disallowed algorithm %q", t.Method.Alg())
			}
			return secret, nil
		}
	}

	return &Middleware{cfg: cfg, keyFunc: keyFunc}, nil
}

// Handle is a streaminghttp.HandlerMiddleware: it authenticates the
// request, then either continues the chain with an authenticated
// context or writes a challenge response and stops it.
func (m *Middleware) Handle(w http.ResponseWriter, r *http.Request, next streaminghttp.NextFunc) {
	tok, err := bearerToken(r)
	if err != nil {
		m.challenge(w, http.StatusBadRequest, fmt.Sprintf(`Bearer realm=%q, error="invalid_request", error_description=%q`, m.cfg.Realm, err.Error()))
		return
	}

	ui, err := m.CheckAuthentication(r.Context(), tok)
	if err != nil {
		if errors.Is(err, ErrInsufficientScope) {
			m.challenge(w, http.StatusForbidden, fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, m.cfg.Realm))
			return
		}
		m.challenge(w, http.StatusUnauthorized, fmt.Sprintf(`Bearer realm=%q, error="invalid_token", error_description=%q`, m.cfg.Realm, err.Error()))
		return
	}

	*r = *r.WithContext(withUserInfo(r.Context(), ui))
	next(nil)
}

func (m *Middleware) challenge(w http.ResponseWriter, status int, wwwAuthenticate string) {
	w.Header().Set("WWW-Authenticate", wwwAuthenticate)
	w.WriteHeader(status)
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", errors.New(`Authorization header must be "Bearer <token>"`)
	}
	return tok, nil
}

// CheckAuthentication verifies tok and enforces the configured scope
// requirement, independent of any HTTP request.
func (m *Middleware) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(m.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithLeeway(m.cfg.Leeway),
	)

	parsed, err := parser.ParseWithClaims(tok, jwt.MapClaims{}, m.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}

	if !audienceIntersects(claims["aud"], m.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrUnauthorized)
	}

	if len(m.cfg.RequiredScopes) > 0 && !scopesSatisfy(claims, m.cfg.RequiredScopes, m.cfg.ScopeModeAny) {
		return nil, ErrInsufficientScope
	}

	return &claimsUserInfo{sub: sub, claims: claims}, nil
}

func audienceIntersects(aud any, wanted []string) bool {
	want := make(map[string]bool, len(wanted))
	for _, a := range wanted {
		want[a] = true
	}
	switch v := aud.(type) {
	case string:
		return want[v]
	case []string:
		for _, a := range v {
			if want[a] {
				return true
			}
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && want[s] {
				return true
			}
		}
	}
	return false
}

func scopesSatisfy(claims jwt.MapClaims, required []string, anyOf bool) bool {
	raw, _ := claims["scope"].(string)
	have := make(map[string]bool)
	for _, s := range strings.Fields(raw) {
		have[s] = true
	}
	if anyOf {
		for _, s := range required {
			if have[s] {
				return true
			}
		}
		return false
	}
	for _, s := range required {
		if !have[s] {
			return false
		}
	}
	return true
}

type claimsUserInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *claimsUserInfo) UserID() string { return u.sub }

func (u *claimsUserInfo) Claims(ref any) error {
	data, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, ref)
}
