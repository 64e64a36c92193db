package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerifyCarriesProfile(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "active")
	issuer, err := NewIssuerFromPEM(privatePath, "kid-active", time.Minute, Options{})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	verifier, err := NewVerifierFromPEM(map[string]string{"kid-active": publicPath}, NewMemoryRevoker(), Options{})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := issuer.NewSession("user-1", Profile{FullName: "Ada Lovelace", Roles: []string{"USER"}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	claims, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.FullName != "Ada Lovelace" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "USER" {
		t.Fatalf("unexpected roles: %v", claims.Roles)
	}

	keys := verifier.JWKS()
	if len(keys) != 1 || keys[0].Kid != "kid-active" {
		t.Fatalf("unexpected jwks: %+v", keys)
	}
	if keys[0].Kty != "RSA" || keys[0].Use != "sig" || keys[0].Alg != "RS256" || keys[0].N == "" || keys[0].E == "" {
		t.Fatalf("unexpected jwk fields: %+v", keys[0])
	}
}

func TestVerifierEnforcesAudience(t *testing.T) {
	key := generateKey(t)
	issuer, _ := NewIssuer(key, "k", time.Minute, Options{Issuer: "iss", Audience: "aud-a"})
	verifier, _ := NewVerifier(map[string]*rsa.PublicKey{"k": &key.PublicKey}, nil, Options{Issuer: "iss", Audience: "aud-b"})

	token, err := issuer.NewSession("user-1", Profile{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestRevokeByJTI(t *testing.T) {
	key := generateKey(t)
	issuer, _ := NewIssuer(key, "k", time.Minute, Options{})
	verifier, _ := NewVerifier(map[string]*rsa.PublicKey{"k": &key.PublicKey}, NewMemoryRevoker(), Options{})

	token, _ := issuer.NewSession("user-1", Profile{})
	if err := verifier.Revoke(context.Background(), token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected revoked token, got %v", err)
	}
	other, _ := issuer.NewSession("user-1", Profile{})
	if _, err := verifier.Verify(context.Background(), other); err != nil {
		t.Fatalf("other session should stay valid: %v", err)
	}
}

func TestRevokeUserCutoff(t *testing.T) {
	key := generateKey(t)
	issuer, _ := NewIssuer(key, "k", time.Minute, Options{})
	verifier, _ := NewVerifier(map[string]*rsa.PublicKey{"k": &key.PublicKey}, NewMemoryRevoker(), Options{})

	token, _ := issuer.NewSession("user-1", Profile{})
	if err := verifier.RevokeUser(context.Background(), "user-1", time.Now().UTC().Add(time.Second)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected user-revoked token to fail, got %v", err)
	}
}

func TestVerifierAcceptsPreviousKeyDuringRotation(t *testing.T) {
	oldKey := generateKey(t)
	newKey := generateKey(t)
	oldIssuer, _ := NewIssuer(oldKey, "kid-old", time.Minute, Options{})
	oldToken, _ := oldIssuer.NewSession("user-2", Profile{})

	rotated, _ := NewVerifier(map[string]*rsa.PublicKey{
		"kid-new": &newKey.PublicKey,
		"kid-old": &oldKey.PublicKey,
	}, nil, Options{})
	if _, err := rotated.Verify(context.Background(), oldToken); err != nil {
		t.Fatalf("old token should verify during rotation: %v", err)
	}
	if len(rotated.JWKS()) != 2 {
		t.Fatalf("expected 2 jwks entries")
	}

	withoutOld, _ := NewVerifier(map[string]*rsa.PublicKey{"kid-new": &newKey.PublicKey}, nil, Options{})
	if _, err := withoutOld.Verify(context.Background(), oldToken); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func TestVerifierRejectsMalformedTokens(t *testing.T) {
	key := generateKey(t)
	verifier, _ := NewVerifier(map[string]*rsa.PublicKey{"k": &key.PublicKey}, nil, Options{})
	now := time.Now().UTC()
	valid := jwt.RegisteredClaims{
		Subject:   "user-x",
		Issuer:    defaultIssuer,
		Audience:  jwt.ClaimStrings{defaultAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        "jti-1",
	}
	tests := []struct {
		name   string
		kid    string
		mutate func(*jwt.RegisteredClaims)
	}{
		{name: "missing kid", kid: ""},
		{name: "missing jti", kid: "k", mutate: func(c *jwt.RegisteredClaims) { c.ID = "" }},
		{name: "future issued at", kid: "k", mutate: func(c *jwt.RegisteredClaims) { c.IssuedAt = jwt.NewNumericDate(now.Add(2 * time.Minute)) }},
		{name: "expired", kid: "k", mutate: func(c *jwt.RegisteredClaims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-2 * time.Minute)) }},
		{name: "wrong issuer", kid: "k", mutate: func(c *jwt.RegisteredClaims) { c.Issuer = "someone-else" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := valid
			if tc.mutate != nil {
				tc.mutate(&claims)
			}
			token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
			if tc.kid != "" {
				token.Header["kid"] = tc.kid
			}
			signed, err := token.SignedString(key)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := verifier.Verify(context.Background(), signed); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected invalid token, got %v", err)
			}
		})
	}
	if _, err := verifier.Verify(context.Background(), "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token to fail, got %v", err)
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key := generateKey(t)

	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
