package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	jose "github.com/go-jose/go-jose/v3"
)

// DefaultJWKSRefresh is the minimum interval between JWKS downloads
const DefaultJWKSRefresh = 5 * time.Minute

// KeySource returns the verification key by its id
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// JWKS is KeySource backed by a JSON Web Key Set URL.
// The set is downloaded on first use and reloaded when an unknown key id is seen,
// at most once per refresh interval.
type JWKS struct {
	url     string
	client  *http.Client
	refresh time.Duration

	lock    sync.Mutex
	keys    map[string]any
	fetched time.Time
}

// NewJWKS returns JWKS for the URL
func NewJWKS(url string, client *http.Client, refresh time.Duration) *JWKS {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if refresh <= 0 {
		refresh = DefaultJWKSRefresh
	}
	return &JWKS{
		url:     url,
		client:  client,
		refresh: refresh,
	}
}

// Key returns the public key of a signing JWK
func (j *JWKS) Key(ctx context.Context, kid string) (any, error) {
	j.lock.Lock()
	defer j.lock.Unlock()

	if key, ok := j.keys[kid]; ok {
		return key, nil
	}
	if !j.fetched.IsZero() && time.Since(j.fetched) < j.refresh {
		return nil, errors.Errorf("signing key %q not found", kid)
	}

	keys, err := j.fetch(ctx)
	if err != nil {
		return nil, err
	}
	j.keys = keys
	j.fetched = time.Now()

	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, errors.Errorf("signing key %q not found", kid)
}

func (j *JWKS) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "invalid JWKS URL")
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download JWKS")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to download JWKS: status %d", resp.StatusCode)
	}

	// keys are decoded one by one, a malformed key does not invalidate the set
	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, errors.Wrap(err, "failed to decode JWKS")
	}

	keys := make(map[string]any, len(set.Keys))
	for _, raw := range set.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			logger.KV(xlog.WARNING, "reason", "jwk", "err", err.Error())
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		pub := jwk.Public()
		if !pub.Valid() {
			logger.KV(xlog.WARNING, "reason", "jwk", "kid", jwk.KeyID, "err", "not a public key")
			continue
		}
		keys[jwk.KeyID] = pub.Key
	}
	logger.KV(xlog.DEBUG, "url", j.url, "keys", len(keys))
	return keys, nil
}
