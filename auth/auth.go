// Package auth verifies the bearer tokens of the HTTP surfaces.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/xlog"
	"github.com/golang-jwt/jwt/v5"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "auth")

// Config of the Verifier
type Config struct {
	// Domain is the base URL of the identity provider, ending with /
	Domain   string
	Audience string
	Issuer   string
	// Algorithms are the accepted signing algorithms, RS256 by default
	Algorithms []string
}

// JWKSURL returns the key set URL of the domain
func (c *Config) JWKSURL() string {
	d := c.Domain
	if !strings.HasSuffix(d, "/") {
		d += "/"
	}
	return d + ".well-known/jwks.json"
}

// Verifier validates the signature and the registered claims of the tokens
type Verifier struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewVerifier returns Verifier
func NewVerifier(cfg Config, keys KeySource) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.Audience == "" || cfg.Issuer == "" {
		return nil, errors.New("audience and issuer are required")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{jwt.SigningMethodRS256.Alg()}
	}
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods(algs),
			jwt.WithAudience(cfg.Audience),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify returns the claims of the valid token
func (v *Verifier) Verify(ctx context.Context, token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no key id")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

type contextKey struct{}

// ClaimsFromContext returns the claims of the verified caller
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	c, ok := ctx.Value(contextKey{}).(jwt.MapClaims)
	return c, ok
}

// Middleware rejects the requests without a valid bearer token:
// 401 when the token is missing, 403 when it is not valid.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Requires authentication")
			return
		}

		claims, err := v.Verify(ctx, token)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"reason", "invalid_token",
				"path", r.URL.Path,
				"err", err.Error(),
			)
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, contextKey{}, claims)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": toolerr.New(toolerr.KindUnauthorized, "%s", msg),
	})
}
