package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultKeySetTTL   = time.Hour
	minKeySetRefetch   = 30 * time.Second
	keySetFetchTimeout = 5 * time.Second
)

var (
	// ErrUnknownKey is returned when no published key matches the token's kid.
	ErrUnknownKey = errors.New("auth: signing key not published")
	// ErrKeySetUnavailable wraps failures fetching the key set.
	ErrKeySetUnavailable = errors.New("auth: signing keys unavailable")
)

// KeySet caches a remote JWKS document. Concurrent refreshes share a single fetch.
type KeySet struct {
	url    string
	client *http.Client
	now    func() time.Time
	logger *zap.Logger

	fetches singleflight.Group

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	fetchedAt time.Time
	expiresAt time.Time
}

// KeySetOption customises KeySet.
type KeySetOption func(*KeySet)

func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(k *KeySet) {
		if client != nil {
			k.client = client
		}
	}
}

func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) {
		if now != nil {
			k.now = now
		}
	}
}

func WithKeySetLogger(logger *zap.Logger) KeySetOption {
	return func(k *KeySet) {
		if logger != nil {
			k.logger = logger
		}
	}
}

func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: keySetFetchTimeout},
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Key returns the public key for kid. An unknown kid triggers at most one refetch per
// minKeySetRefetch so rotated keys are picked up without hammering the endpoint.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	now := k.now()
	k.mu.RLock()
	jwk, found := k.keys[kid]
	stale := len(k.keys) == 0 || !now.Before(k.expiresAt)
	recent := now.Sub(k.fetchedAt) < minKeySetRefetch
	k.mu.RUnlock()

	if found && !stale {
		return jwk.Key, nil
	}
	if !found && !stale && recent {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}

	if _, err, _ := k.fetches.Do("jwks", func() (any, error) { return nil, k.refresh(ctx) }); err != nil {
		return nil, err
	}

	k.mu.RLock()
	jwk, found = k.keys[kid]
	k.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return jwk.Key, nil
}

func (k *KeySet) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, keySetFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeySetUnavailable, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable keys", ErrKeySetUnavailable)
	}

	now := k.now()
	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = now
	k.expiresAt = now.Add(ttl)
	k.mu.Unlock()

	k.logger.Debug("refreshed signing keys", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.Trim(value, `" `)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
