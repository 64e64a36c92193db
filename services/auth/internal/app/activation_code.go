package app

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"bookstore/internal/util"
	"bookstore/pkg/domain"
)

const (
	defaultCodeLength    = 6
	defaultActivationTTL = 15 * time.Minute
	// codeAttempts bounds how often a code colliding with a live token is drawn.
	codeAttempts = 5
)

var ten = big.NewInt(10)

// generateCode returns length decimal digits drawn from crypto/rand.
func generateCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length %d", length)
	}
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

// bindToken persists a fresh token for user and returns its plaintext code.
// A code still usable by another pending token is redrawn so a lookup by
// code stays unambiguous while both are live.
func (a *App) bindToken(user domain.User) (string, error) {
	now := a.now()
	var code string
	for attempt := 0; attempt < codeAttempts && code == ""; attempt++ {
		c, err := generateCode(a.codeLength)
		if err != nil {
			return "", err
		}
		existing, ok, err := a.store.GetTokenByCode(c)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !ok || !existing.Usable(now) {
			code = c
		}
	}
	if code == "" {
		return "", ErrCodeSpaceExhausted
	}
	token := domain.Token{
		ID:        util.NewID(),
		UserID:    user.ID,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(a.activationTTL),
	}
	if err := a.store.SaveToken(token); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	return code, nil
}
