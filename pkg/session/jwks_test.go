package session

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRemoteVerifierRefreshesOnUnknownKid(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)

	var active atomic.Value
	active.Store("kid-1")
	var fetches atomic.Int32
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		keys := map[string]*rsa.PublicKey{"kid-1": &key1.PublicKey}
		if active.Load() == "kid-2" {
			keys = map[string]*rsa.PublicKey{"kid-2": &key2.PublicKey}
		}
		serving, _ := NewVerifier(keys, nil, Options{})
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": serving.JWKS()})
	}))
	defer jwks.Close()

	verifier, err := NewRemoteVerifier(context.Background(), JWKSFetcher(jwks.URL, jwks.Client()), NewMemoryRevoker(), Options{})
	if err != nil {
		t.Fatalf("new remote verifier: %v", err)
	}

	issuer1, _ := NewIssuer(key1, "kid-1", time.Minute, Options{})
	token1, _ := issuer1.NewSession("user-a", Profile{})
	if claims, err := verifier.Verify(context.Background(), token1); err != nil || claims.Subject != "user-a" {
		t.Fatalf("verify token1: %+v err=%v", claims, err)
	}

	active.Store("kid-2")
	issuer2, _ := NewIssuer(key2, "kid-2", time.Minute, Options{})
	token2, _ := issuer2.NewSession("user-b", Profile{})
	if claims, err := verifier.Verify(context.Background(), token2); err != nil || claims.Subject != "user-b" {
		t.Fatalf("verify token2 after rotation: %+v err=%v", claims, err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("expected 2 jwks fetches, got %d", got)
	}

	// A second unknown kid inside the refresh interval does not refetch.
	stray := generateKey(t)
	issuer3, _ := NewIssuer(stray, "kid-3", time.Minute, Options{})
	token3, _ := issuer3.NewSession("user-c", Profile{})
	if _, err := verifier.Verify(context.Background(), token3); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("refresh must be throttled, got %d fetches", got)
	}
}

func TestJWKSFetcherErrors(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if _, err := JWKSFetcher(down.URL, nil)(context.Background()); err == nil {
		t.Fatalf("expected status error")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[{"kty":"EC","kid":"x"}]}`))
	}))
	defer empty.Close()
	if _, err := JWKSFetcher(empty.URL, nil)(context.Background()); err == nil {
		t.Fatalf("expected no usable keys error")
	}
	if _, err := JWKSFetcher("", nil)(context.Background()); err == nil {
		t.Fatalf("expected missing url error")
	}
}
