package domain

import (
	"strings"
	"time"
)

// RoleUser is the role every registered account receives.
const RoleUser = "USER"

type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Enabled      bool      `json:"enabled"`
	Locked       bool      `json:"locked"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// FullName joins first and last name, skipping empty parts.
func (u User) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
}

// HasRole reports whether the user carries the named role.
func (u User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

type Book struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Title      string    `json:"title"`
	AuthorName string    `json:"authorName"`
	ISBN       string    `json:"isbn"`
	Synopsis   string    `json:"synopsis"`
	Rate       float64   `json:"rate"`
	Archived   bool      `json:"archived"`
	Shareable  bool      `json:"shareable"`
	Cover      string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BookTransactionHistory is one borrowing episode of a book by a user.
type BookTransactionHistory struct {
	ID             string    `json:"id"`
	BookID         string    `json:"bookId"`
	UserID         string    `json:"userId"`
	Returned       bool      `json:"returned"`
	ReturnApproved bool      `json:"returnApproved"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Open reports whether the book has not been handed back yet.
func (h BookTransactionHistory) Open() bool {
	return !h.Returned
}

// BorrowedBook is an episode joined with the book it refers to.
type BorrowedBook struct {
	Episode BookTransactionHistory
	Book    Book
}

// Token is a single-use account activation code.
type Token struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Code        string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
}

// Usable reports whether the token can still activate its user at now.
func (t Token) Usable(now time.Time) bool {
	return t.ValidatedAt == nil && !now.After(t.ExpiresAt)
}

// Expired reports whether now is past the token expiry.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
