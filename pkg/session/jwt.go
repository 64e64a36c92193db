// Package session issues and verifies RS256 bearer tokens.
package session

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer   = "bookstore-auth"
	defaultAudience = "bookstore-api"
	defaultKeyID    = "jwt-active"
)

var defaultLeeway = 30 * time.Second

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")

	errUnknownKey = errors.New("unknown token key")
)

// minKeyRefresh bounds how often an unknown kid may trigger a key fetch.
const minKeyRefresh = 30 * time.Second

// Options configures claim validation.
type Options struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (o Options) normalize() Options {
	o.Issuer = strings.TrimSpace(o.Issuer)
	o.Audience = strings.TrimSpace(o.Audience)
	if o.Issuer == "" {
		o.Issuer = defaultIssuer
	}
	if o.Audience == "" {
		o.Audience = defaultAudience
	}
	if o.Leeway <= 0 {
		o.Leeway = defaultLeeway
	}
	return o
}

// Claims carries the profile fields embedded in every session token.
type Claims struct {
	FullName string   `json:"fullName,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Profile is the non-registered part of Claims supplied at issue time.
type Profile struct {
	FullName string
	Roles    []string
}

// JWK is one entry of a JSON Web Key Set.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Issuer signs session tokens with the active private key.
type Issuer struct {
	key  *rsa.PrivateKey
	kid  string
	ttl  time.Duration
	opts Options
	now  func() time.Time
}

// NewIssuer builds an issuer for the given key.
func NewIssuer(key *rsa.PrivateKey, keyID string, ttl time.Duration, opts Options) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("jwt signing key required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if strings.TrimSpace(keyID) == "" {
		keyID = defaultKeyID
	}
	return &Issuer{
		key:  key,
		kid:  keyID,
		ttl:  ttl,
		opts: opts.normalize(),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewIssuerFromPEM loads the signing key from privateKeyPath.
func NewIssuerFromPEM(privateKeyPath, keyID string, ttl time.Duration, opts Options) (*Issuer, error) {
	key, err := LoadRSAPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	return NewIssuer(key, keyID, ttl, opts)
}

// NewSession creates a signed token for userID.
func (i *Issuer) NewSession(userID string, profile Profile) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("session subject required")
	}
	now := i.now()
	claims := Claims{
		FullName: profile.FullName,
		Roles:    profile.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.opts.Issuer,
			Audience:  jwt.ClaimStrings{i.opts.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.kid
	return token.SignedString(i.key)
}

func (i *Issuer) KeyID() string             { return i.kid }
func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.key.PublicKey }
func (i *Issuer) TTL() time.Duration        { return i.ttl }

// KeyFetcher loads the current verify keys, for example from a JWKS endpoint.
type KeyFetcher func(ctx context.Context) (map[string]*rsa.PublicKey, error)

// Verifier validates tokens against a set of public keys indexed by kid.
// Previous keys stay in the set during rotation.
type Verifier struct {
	revoker Revoker
	opts    Options

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetch       KeyFetcher
	lastRefresh time.Time
}

// NewVerifier builds a verifier. revoker may be nil.
func NewVerifier(keys map[string]*rsa.PublicKey, revoker Revoker, opts Options) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one jwt verify key required")
	}
	copied := make(map[string]*rsa.PublicKey, len(keys))
	for kid, pub := range keys {
		kid = strings.TrimSpace(kid)
		if kid == "" || pub == nil {
			continue
		}
		copied[kid] = pub
	}
	return &Verifier{keys: copied, revoker: revoker, opts: opts.normalize()}, nil
}

// NewVerifierFromPEM loads kid -> public key path pairs.
func NewVerifierFromPEM(keyFiles map[string]string, revoker Revoker, opts Options) (*Verifier, error) {
	keys := make(map[string]*rsa.PublicKey, len(keyFiles))
	for kid, path := range keyFiles {
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := LoadRSAPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		keys[kid] = pub
	}
	return NewVerifier(keys, revoker, opts)
}

// NewRemoteVerifier builds a verifier whose keys come from fetch. Keys are
// fetched once up front and again when a token names an unknown kid.
func NewRemoteVerifier(ctx context.Context, fetch KeyFetcher, revoker Revoker, opts Options) (*Verifier, error) {
	if fetch == nil {
		return nil, errors.New("key fetcher required")
	}
	keys, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch verify keys: %w", err)
	}
	v, err := NewVerifier(keys, revoker, opts)
	if err != nil {
		return nil, err
	}
	v.fetch = fetch
	return v, nil
}

// Verify parses the token and checks signature, registered claims and revocation.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := v.parse(token)
	if errors.Is(err, errUnknownKey) && v.refreshKeys(ctx) {
		claims, err = v.parse(token)
	}
	if err != nil {
		return Claims{}, err
	}
	if v.revoker == nil {
		return claims, nil
	}
	revoked, err := v.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Claims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Claims{}, ErrRevoked
	}
	cutoff, err := v.revoker.RevokedAfter(ctx, claims.Subject)
	if err != nil {
		return Claims{}, fmt.Errorf("check user revocation: %w", err)
	}
	if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
		return Claims{}, ErrRevoked
	}
	return claims, nil
}

// Revoke invalidates one token until it would have expired. Invalid tokens
// are ignored.
func (v *Verifier) Revoke(ctx context.Context, token string) error {
	if v.revoker == nil {
		return nil
	}
	claims, err := v.parse(token)
	if err != nil {
		return nil
	}
	return v.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUser invalidates every token of userID issued at or before since.
func (v *Verifier) RevokeUser(ctx context.Context, userID string, since time.Time) error {
	if v.revoker == nil {
		return errors.New("session revoker not configured")
	}
	return v.revoker.RevokeUser(ctx, userID, since)
}

// JWKS returns the verify keys as JSON Web Keys sorted by kid.
func (v *Verifier) JWKS() []JWK {
	keys := v.snapshot()
	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := keys[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (v *Verifier) snapshot() map[string]*rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys
}

// refreshKeys swaps in freshly fetched keys. It reports whether the key set
// was replaced.
func (v *Verifier) refreshKeys(ctx context.Context) bool {
	if v.fetch == nil {
		return false
	}
	v.mu.Lock()
	if time.Since(v.lastRefresh) < minKeyRefresh {
		v.mu.Unlock()
		return false
	}
	v.lastRefresh = time.Now()
	v.mu.Unlock()

	keys, err := v.fetch(ctx)
	if err != nil || len(keys) == 0 {
		return false
	}
	v.mu.Lock()
	v.keys = keys
	v.mu.Unlock()
	return true
}

func (v *Verifier) parse(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidToken
	}
	keys := v.snapshot()
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := keys[kid]
		if !ok {
			return nil, errUnknownKey
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.opts.Leeway),
		jwt.WithIssuer(v.opts.Issuer),
		jwt.WithAudience(v.opts.Audience),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("token not valid")
		}
		if errors.Is(err, errUnknownKey) {
			return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, errUnknownKey)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return Claims{}, fmt.Errorf("%w: jti missing", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if claims.IssuedAt == nil {
		return Claims{}, fmt.Errorf("%w: issued_at missing", ErrInvalidToken)
	}
	return claims, nil
}
