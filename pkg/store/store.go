package store

import (
	"errors"
	"time"

	"bookstore/pkg/domain"
)

var (
	// ErrRoleMissing is returned when a user references a role that was never provisioned.
	ErrRoleMissing = errors.New("role not provisioned")
	// ErrUserMissing is returned when an update targets an unknown user.
	ErrUserMissing = errors.New("user not found")
	// ErrTokenConsumed is returned when a token was already validated.
	ErrTokenConsumed = errors.New("token already consumed")
	// ErrOpenEpisodeExists is returned when a book already has an open episode.
	ErrOpenEpisodeExists = errors.New("book already has an open episode")
	// ErrEpisodeChanged is returned when a conditional episode update matched no row.
	ErrEpisodeChanged = errors.New("episode state changed")
)

// BookFlag names a boolean book column that owners may toggle.
type BookFlag string

const (
	FlagShareable BookFlag = "shareable"
	FlagArchived  BookFlag = "archived"
)

// BookFilter selects books for a paginated listing. Zero fields do not
// constrain. ListBooks applies the same conditions in SQL that Matches
// applies in memory.
type BookFilter struct {
	OwnerID         string
	NotOwnerID      string
	ExcludeArchived bool
}

// Matches reports whether b passes the filter.
func (f BookFilter) Matches(b domain.Book) bool {
	if f.OwnerID != "" && b.OwnerID != f.OwnerID {
		return false
	}
	if f.NotOwnerID != "" && b.OwnerID == f.NotOwnerID {
		return false
	}
	if f.ExcludeArchived && b.Archived {
		return false
	}
	return true
}

// Store defines persistence operations for users, tokens, books and episodes.
type Store interface {
	// roles
	EnsureRole(name string) (domain.Role, error)
	GetRoleByName(name string) (domain.Role, bool, error)

	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// activation tokens
	SaveToken(domain.Token) error
	GetTokenByCode(code string) (domain.Token, bool, error)
	ListTokensByUser(userID string) ([]domain.Token, error)
	ConsumeToken(tokenID string, at time.Time) (domain.User, error)
	DeleteExpiredTokens(before time.Time) (int64, error)

	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ToggleBookFlag(id string, flag BookFlag) (domain.Book, bool, error)
	SetBookCover(id, cover string) error
	ListBooks(filter BookFilter, req domain.PageRequest) (domain.Page[domain.Book], error)

	// lending episodes
	CreateEpisode(domain.BookTransactionHistory) error
	GetOpenEpisode(bookID string) (domain.BookTransactionHistory, bool, error)
	GetReturnedUnapprovedEpisode(bookID, ownerID string) (domain.BookTransactionHistory, bool, error)
	MarkEpisodeReturned(id string, at time.Time) error
	ApproveEpisodeReturn(id string, at time.Time) error
	ListBorrowedByUser(userID string, req domain.PageRequest) (domain.Page[domain.BorrowedBook], error)
	ListReturnedToOwner(ownerID string, req domain.PageRequest) (domain.Page[domain.BorrowedBook], error)
}
