// Package pushauth authenticates push-subscription deliveries by their
// OIDC bearer token.
package pushauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"replypilot/internal/domain"
)

const DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var DefaultIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

type Config struct {
	Audience    string
	Issuers     []string
	EmailDomain string // e.g. my-project.iam.gserviceaccount.com
	JWKSURL     string
	KeyTTL      time.Duration
	MinRefetch  time.Duration // floor between refetches triggered by unknown kids
	Skip        bool          // development bypass
}

type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

type Verifier struct {
	cfg Config
	hc  *http.Client
	now func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetched   time.Time
	attempted time.Time
}

func New(cfg Config, hc *http.Client) *Verifier {
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = DefaultJWKSURL
	}
	if len(cfg.Issuers) == 0 {
		cfg.Issuers = DefaultIssuers
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = time.Hour
	}
	if cfg.MinRefetch <= 0 {
		cfg.MinRefetch = time.Minute
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Verifier{cfg: cfg, hc: hc, now: time.Now}
}

func unauthorized(format string, a ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrUnauthorized, fmt.Sprintf(format, a...))
}

// Verify checks the Authorization header. Every failure wraps
// domain.ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, authHeader string) (Claims, error) {
	if v.cfg.Skip {
		return Claims{}, nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, unauthorized("missing bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.key(ctx, kid)
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Claims{}, unauthorized("invalid token: %v", err)
	}
	if !slices.Contains(v.cfg.Issuers, claims.Issuer) {
		return Claims{}, unauthorized("unexpected issuer %q", claims.Issuer)
	}
	if !claims.EmailVerified {
		return Claims{}, unauthorized("email not verified")
	}
	if v.cfg.EmailDomain != "" && !strings.HasSuffix(strings.ToLower(claims.Email), "@"+strings.ToLower(v.cfg.EmailDomain)) {
		return Claims{}, unauthorized("unexpected service identity %q", claims.Email)
	}
	return claims, nil
}

// key returns the signing key for kid, refetching the key set when it is
// stale or the kid is unknown (rotation). Unknown kids refetch at most once
// per MinRefetch so forged headers cannot hammer the JWKS endpoint.
func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	fresh := v.keys != nil && now.Sub(v.fetched) < v.cfg.KeyTTL
	if k, ok := v.keys[kid]; ok && fresh {
		return k, nil
	}
	if fresh && now.Sub(v.attempted) < v.cfg.MinRefetch {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	v.attempted = now
	keys, err := v.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	v.keys, v.fetched = keys, v.now()
	if k, ok := keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

type jwks struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	out := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		out[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	if len(out) == 0 {
		return nil, errors.New("jwks has no usable RSA keys")
	}
	return out, nil
}
