package store_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"bookstore/pkg/domain"
	"bookstore/pkg/store"
	"bookstore/pkg/store/storetest"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func saveUser(t *testing.T, s store.Store, id, email string) domain.User {
	t.Helper()
	u := domain.User{
		ID:           id,
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        email,
		PasswordHash: "hash",
		Roles:        []string{domain.RoleUser},
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	if err := s.SaveUser(u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return u
}

func TestEnsureRoleIsIdempotent(t *testing.T) {
	s := storetest.New(t)
	first, err := s.EnsureRole("USER")
	if err != nil {
		t.Fatalf("ensure role: %v", err)
	}
	second, err := s.EnsureRole("USER")
	if err != nil {
		t.Fatalf("ensure role again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same role id, got %s and %s", first.ID, second.ID)
	}
	if _, ok, err := s.GetRoleByName("ADMIN"); err != nil || ok {
		t.Fatalf("unexpected role lookup result ok=%v err=%v", ok, err)
	}
}

func TestSaveUserLoadsRoles(t *testing.T) {
	s := storetest.NewWithUserRole(t)
	saveUser(t, s, "u1", "ada@example.com")

	got, ok, err := s.GetUserByEmail("ada@example.com")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if !got.HasRole(domain.RoleUser) {
		t.Fatalf("expected USER role, got %v", got.Roles)
	}
	if got.Enabled {
		t.Fatalf("new user must start disabled")
	}
	exists, err := s.HasUserEmail("ada@example.com")
	if err != nil || !exists {
		t.Fatalf("expected email to exist, got %v err=%v", exists, err)
	}
}

func TestSaveUserRejectsUnknownRole(t *testing.T) {
	s := storetest.New(t)
	err := s.SaveUser(domain.User{ID: "u1", Email: "a@example.com", Roles: []string{"USER"}, CreatedAt: base, UpdatedAt: base})
	if !errors.Is(err, store.ErrRoleMissing) {
		t.Fatalf("expected ErrRoleMissing, got %v", err)
	}
	if _, ok, _ := s.GetUserByID("u1"); ok {
		t.Fatalf("user must not be persisted when roles are missing")
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	s := storetest.NewWithUserRole(t)
	saveUser(t, s, "u1", "ada@example.com")
	err := s.SaveUser(domain.User{ID: "u2", Email: "ada@example.com", CreatedAt: base, UpdatedAt: base})
	if err == nil {
		t.Fatalf("expected unique violation on email")
	}
}

func TestGetTokenByCodePrefersNewestUnvalidated(t *testing.T) {
	s := storetest.NewWithUserRole(t)
	saveUser(t, s, "u1", "ada@example.com")
	saveUser(t, s, "u2", "bob@example.com")
	older := domain.Token{ID: "t1", UserID: "u2", Code: "123456", CreatedAt: base, ExpiresAt: base.Add(15 * time.Minute)}
	newer := domain.Token{ID: "t2", UserID: "u1", Code: "123456", CreatedAt: base.Add(time.Minute), ExpiresAt: base.Add(16 * time.Minute)}
	for _, tok := range []domain.Token{older, newer} {
		if err := s.SaveToken(tok); err != nil {
			t.Fatalf("save token: %v", err)
		}
	}
	got, ok, err := s.GetTokenByCode("123456")
	if err != nil || !ok {
		t.Fatalf("get token: ok=%v err=%v", ok, err)
	}
	if got.ID != "t2" {
		t.Fatalf("expected newest token t2, got %s", got.ID)
	}
	if _, err := s.ConsumeToken("t2", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	got, ok, err = s.GetTokenByCode("123456")
	if err != nil || !ok || got.ID != "t1" {
		t.Fatalf("expected fallback to t1, got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestConsumeTokenEnablesUserOnce(t *testing.T) {
	s := storetest.NewWithUserRole(t)
	saveUser(t, s, "u1", "ada@example.com")
	tok := domain.Token{ID: "t1", UserID: "u1", Code: "654321", CreatedAt: base, ExpiresAt: base.Add(15 * time.Minute)}
	if err := s.SaveToken(tok); err != nil {
		t.Fatalf("save token: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		consumed  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeToken("t1", base.Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, store.ErrTokenConsumed):
				consumed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || consumed != workers-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d consumed", successes, consumed)
	}

	user, ok, err := s.GetUserByID("u1")
	if err != nil || !ok || !user.Enabled {
		t.Fatalf("expected enabled user, got %+v ok=%v err=%v", user, ok, err)
	}
	tokens, err := s.ListTokensByUser("u1")
	if err != nil || len(tokens) != 1 || tokens[0].ValidatedAt == nil {
		t.Fatalf("expected validated token, got %+v err=%v", tokens, err)
	}
}

func TestConsumeTokenRetiresPendingSiblings(t *testing.T) {
	s := storetest.NewWithUserRole(t)
	saveUser(t, s, "u1", "ada@example.com")
	stale := domain.Token{ID: "t1", UserID: "u1", Code: "111111", CreatedAt: base, ExpiresAt: base.Add(15 * time.Minute)}
	fresh := domain.Token{ID: "t2", UserID: "u1", Code: "222222", CreatedAt: base.Add(20 * time.Minute), ExpiresAt: base.Add(35 * time.Minute)}
	for _, tok := range []domain.Token{stale, fresh} {
		if err := s.SaveToken(tok); err != nil {
			t.Fatalf("save token: %v", err)
		}
	}
	if _, err := s.ConsumeToken("t2", base.Add(21*time.Minute)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, ok, err := s.GetTokenByCode("111111"); err != nil || ok {
		t.Fatalf("expected stale code to be retired, ok=%v err=%v", ok, err)
	}
	if _, err := s.ConsumeToken("t1", base.Add(22*time.Minute)); !errors.Is(err, store.ErrTokenConsumed) {
		t.Fatalf("expected consumed error for retired token, got %v", err)
	}
}

func TestDeleteExpiredTokens(t *testing.T) {
	s := storetest.NewWithUserRole(t)
	saveUser(t, s, "u1", "ada@example.com")
	_ = s.SaveToken(domain.Token{ID: "old", UserID: "u1", Code: "111111", CreatedAt: base, ExpiresAt: base.Add(time.Minute)})
	_ = s.SaveToken(domain.Token{ID: "new", UserID: "u1", Code: "222222", CreatedAt: base, ExpiresAt: base.Add(time.Hour)})

	n, err := s.DeleteExpiredTokens(base.Add(10 * time.Minute))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted token, got %d", n)
	}
	tokens, _ := s.ListTokensByUser("u1")
	if len(tokens) != 1 || tokens[0].ID != "new" {
		t.Fatalf("unexpected remaining tokens: %+v", tokens)
	}
}
