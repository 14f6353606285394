package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultCacheTTL           = 5 * time.Minute
	defaultMinRefreshInterval = 10 * time.Second
	maxJWKSBodySize           = 1 << 20
)

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	JWKSURI string
	// TTL bounds how long a fetched key set is trusted before the next lookup
	// refetches it. A Cache-Control max-age from the server takes precedence.
	TTL time.Duration
	// MinRefreshInterval limits refetches triggered by unknown key ids.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
	Metrics            *Metrics
}

// KeyCache is a concurrency safe JWKS cache keyed by kid.
type KeyCache struct {
	cfg     KeyCacheConfig
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
	group   singleflight.Group

	mu      sync.RWMutex
	keys    map[string]jose.JSONWebKey
	expires time.Time
}

// NewKeyCache constructs an empty cache; keys are fetched on first lookup.
func NewKeyCache(cfg KeyCacheConfig) *KeyCache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = defaultMinRefreshInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyCache{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
		keys:    map[string]jose.JSONWebKey{},
	}
}

// Key returns the key with the given kid. A stale cache is refreshed first;
// an unknown kid triggers a rate limited refresh. If a refresh fails the
// previously cached keys stay in use.
func (c *KeyCache) Key(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	key, found, fresh := c.lookup(kid)
	if found && fresh {
		return key, nil
	}

	if !fresh || c.limiter.Allow() {
		if err := c.refresh(ctx); err != nil {
			if found {
				c.logger.Warn("jwks refresh failed, using cached key", "kid", kid, "error", err)
				return key, nil
			}
			return jose.JSONWebKey{}, err
		}
		key, found, _ = c.lookup(kid)
	}

	if !found {
		return jose.JSONWebKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// Len reports the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

func (c *KeyCache) lookup(kid string) (jose.JSONWebKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Now().Before(c.expires)
}

// refresh fetches the key set once for all concurrent callers. The fetch is
// detached from the caller's cancellation and bounded by the HTTP client
// timeout; each caller stops waiting when its own context ends.
func (c *KeyCache) refresh(ctx context.Context) error {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan("jwks", func() (any, error) {
		timeout := c.client.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		fetchCtx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()

		set, ttl, err := fetchKeys(fetchCtx, c.client, c.cfg.JWKSURI, c.cfg.TTL)
		c.cfg.Metrics.observeJWKSFetch(err)
		if err != nil {
			return nil, err
		}

		keys := make(map[string]jose.JSONWebKey, len(set.Keys))
		for _, k := range set.Keys {
			if k.KeyID == "" {
				continue
			}
			keys[k.KeyID] = k
		}

		c.mu.Lock()
		c.keys = keys
		c.expires = time.Now().Add(ttl)
		c.mu.Unlock()

		c.logger.Debug("jwks refreshed", "uri", c.cfg.JWKSURI, "keys", len(keys), "ttl", ttl.String())
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrJWKSFetch, ctx.Err())
	}
}

// FetchKeys downloads the key set at jwksURI.
func FetchKeys(ctx context.Context, client *http.Client, jwksURI string) (jose.JSONWebKeySet, error) {
	set, _, err := fetchKeys(ctx, client, jwksURI, defaultCacheTTL)
	return set, err
}

func fetchKeys(ctx context.Context, client *http.Client, jwksURI string, ttl time.Duration) (jose.JSONWebKeySet, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, 0, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, 0, fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, 0, fmt.Errorf("%w: unexpected status %s", ErrJWKSFetch, resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBodySize)).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, 0, fmt.Errorf("%w: decode: %v", ErrJWKSFetch, err)
	}
	return set, maxCacheDuration(resp.Header.Get("Cache-Control"), ttl), nil
}

// FindKey returns the key whose kid matches exactly.
func FindKey(set jose.JSONWebKeySet, kid string) (jose.JSONWebKey, bool) {
	if kid == "" {
		return jose.JSONWebKey{}, false
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, false
	}
	return keys[0], true
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := strconv.Atoi(kv[1]); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return fallback
}
