package bearerauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const defaultJWKSTTL = 10 * time.Minute

// jwksKeyfunc fetches and caches a JWKS document, exposing it as a
// golang-jwt Keyfunc keyed by the token's "kid" header. The cache is
// refreshed whenever it has expired or a kid is not found locally, so a
// key rotation on the issuer's side is picked up without a restart.
type jwksKeyfunc struct {
	url         string
	httpClient  *http.Client
	allowedAlgs map[string]bool
	ttl         time.Duration

	mu      sync.RWMutex
	keys    map[string]jose.JSONWebKey
	fetched time.Time
}

func newJWKSKeyfunc(url string, allowedAlgs []string, ttl time.Duration) *jwksKeyfunc {
	allowed := make(map[string]bool, len(allowedAlgs))
	for _, a := range allowedAlgs {
		allowed[a] = true
	}
	if ttl <= 0 {
		ttl = defaultJWKSTTL
	}
	return &jwksKeyfunc{
		url:         url,
		httpClient:  http.DefaultClient,
		allowedAlgs: allowed,
		ttl:         ttl,
	}
}

func (j *jwksKeyfunc) keyFunc(t *jwt.Token) (any, error) {
	if !j.allowedAlgs[t.Method.Alg()] {
		return nil, fmt.Errorf("bearerauth: disallowed algorithm %q", t.Method.Alg())
	}

	kid, _ := t.Header["kid"].(string)

	key, ok := j.lookup(kid)
	if !ok {
		if err := j.refresh(context.Background()); err != nil {
			return nil, fmt.Errorf("bearerauth: refresh jwks: %w", err)
		}
		key, ok = j.lookup(kid)
		if !ok {
			return nil, fmt.Errorf("bearerauth: no key for kid %q", kid)
		}
	}
	return key.Key, nil
}

func (j *jwksKeyfunc) lookup(kid string) (jose.JSONWebKey, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if time.Since(j.fetched) > j.ttl {
		return jose.JSONWebKey{}, false
	}
	if kid == "" && len(j.keys) == 1 {
		for _, k := range j.keys {
			return k, true
		}
	}
	k, ok := j.keys[kid]
	return k, ok
}

func (j *jwksKeyfunc) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return err
	}
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bearerauth: jwks endpoint returned %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("bearerauth: decode jwks: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, k := range set.Keys {
		keys[k.KeyID] = k
	}

	j.mu.Lock()
	j.keys = keys
	j.fetched = time.Now()
	j.mu.Unlock()
	return nil
}
