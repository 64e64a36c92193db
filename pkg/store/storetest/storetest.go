// Package storetest opens throwaway stores for tests.
//
// New is backed by a single SQLite connection, so concurrent callers are
// serialized and only the ordering of guards is exercised. Tests that need
// transactions to really interleave use NewPostgres.
package storetest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bookstore/pkg/domain"
	"bookstore/pkg/store"

	gormlogger "gorm.io/gorm/logger"
)

// New returns a migrated store backed by a temp SQLite file.
func New(t testing.TB) *store.GormStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bookstore.db")
	s, err := store.NewGormStore(store.SQLitePrefix+path,
		store.WithMaxOpenConns(1),
		store.WithLogLevel(gormlogger.Silent),
	)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewWithUserRole is New plus a provisioned USER role.
func NewWithUserRole(t testing.TB) *store.GormStore {
	t.Helper()
	s := New(t)
	if _, err := s.EnsureRole(domain.RoleUser); err != nil {
		t.Fatalf("ensure role: %v", err)
	}
	return s
}

// PostgresEnv names the DSN of a scratch database for NewPostgres.
const PostgresEnv = "BOOKSTORE_TEST_DATABASE_URL"

// NewPostgres returns a migrated store on the database named by PostgresEnv
// and skips the test when it is unset. Rows are not cleaned up; callers use
// unique ids.
func NewPostgres(t testing.TB) *store.GormStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(PostgresEnv))
	if dsn == "" {
		t.Skipf("%s not set", PostgresEnv)
	}
	s, err := store.NewGormStore(dsn,
		store.WithMaxOpenConns(16),
		store.WithLogLevel(gormlogger.Silent),
	)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := s.EnsureRole(domain.RoleUser); err != nil {
		t.Fatalf("ensure role: %v", err)
	}
	return s
}
