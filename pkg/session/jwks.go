package session

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// JWKSFetcher returns a KeyFetcher that reads RSA keys from a JWKS endpoint.
func JWKSFetcher(url string, client *http.Client) KeyFetcher {
	url = strings.TrimSpace(url)
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) (map[string]*rsa.PublicKey, error) {
		if url == "" {
			return nil, errors.New("jwks url required")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
		}
		var payload struct {
			Keys []JWK `json:"keys"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode jwks: %w", err)
		}
		keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
		for _, k := range payload.Keys {
			if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
				continue
			}
			kid := strings.TrimSpace(k.Kid)
			if kid == "" {
				continue
			}
			pub, err := parseJWKPublicKey(k.N, k.E)
			if err != nil {
				continue
			}
			keys[kid] = pub
		}
		if len(keys) == 0 {
			return nil, errors.New("jwks contains no usable rsa keys")
		}
		return keys, nil
	}
}

func parseJWKPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	eBig := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !eBig.IsInt64() {
		return nil, errors.New("invalid rsa key")
	}
	e := int(eBig.Int64())
	if e <= 0 {
		return nil, errors.New("invalid rsa exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
