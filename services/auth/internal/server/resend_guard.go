package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultResendAfter = time.Minute

// resendGuard allows one activation e-mail per address per cooldown window.
type resendGuard struct {
	client      *redis.Client
	keyPrefix   string
	resendAfter time.Duration
}

func newResendGuard(client *redis.Client, resendAfter time.Duration) (*resendGuard, error) {
	if client == nil {
		return nil, errors.New("resend guard requires a redis client")
	}
	if resendAfter <= 0 {
		resendAfter = defaultResendAfter
	}
	return &resendGuard{
		client:      client,
		keyPrefix:   "bookstore:auth:activation",
		resendAfter: resendAfter,
	}, nil
}

// Acquire claims the cooldown slot for email. It reports false while a
// previous send is still cooling down.
func (g *resendGuard) Acquire(ctx context.Context, email string) (bool, error) {
	if g == nil {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return g.client.SetNX(ctx, g.key(email), "1", g.resendAfter).Result()
}

// Release drops the slot so a failed send can be retried immediately.
func (g *resendGuard) Release(ctx context.Context, email string) {
	if g == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = g.client.Del(ctx, g.key(email)).Err()
}

func (g *resendGuard) key(email string) string {
	return fmt.Sprintf("%s:resend:%s", g.keyPrefix, strings.ToLower(strings.TrimSpace(email)))
}

// maskEmail keeps audit records useful without storing full addresses.
func maskEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***"
	}
	local := parts[0]
	domain := parts[1]
	switch len(local) {
	case 0:
		return "***@" + domain
	case 1:
		return local + "***@" + domain
	case 2:
		return local[:1] + "***@" + domain
	default:
		return local[:1] + "***" + local[len(local)-1:] + "@" + domain
	}
}
