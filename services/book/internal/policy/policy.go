// Package policy holds the ownership and eligibility predicates consulted by
// every book mutation and listing.
package policy

import (
	"fmt"
	"strings"

	"bookstore/pkg/domain"
	"bookstore/pkg/store"
)

// Eligibility decides whether a book may enter or leave a lending episode.
type Eligibility string

const (
	// EligibilityLiteral disqualifies a book that is archived or shareable.
	EligibilityLiteral Eligibility = "literal"
	// EligibilityShareable admits only books that are shareable and not archived.
	EligibilityShareable Eligibility = "shareable"
)

// ParseEligibility maps a config value; empty selects EligibilityLiteral.
func ParseEligibility(raw string) (Eligibility, error) {
	switch Eligibility(strings.ToLower(strings.TrimSpace(raw))) {
	case "", EligibilityLiteral:
		return EligibilityLiteral, nil
	case EligibilityShareable:
		return EligibilityShareable, nil
	default:
		return "", fmt.Errorf("unknown borrow eligibility %q (literal|shareable)", raw)
	}
}

// Lendable reports whether book passes the eligibility rule.
func (e Eligibility) Lendable(book domain.Book) bool {
	switch e {
	case EligibilityShareable:
		return !book.Archived && book.Shareable
	default:
		return !(book.Archived || book.Shareable)
	}
}

// ArchiveToggle names the column flipped by the "update archived" operation.
type ArchiveToggle string

const (
	// ToggleShareable flips shareable, matching the historical behavior.
	ToggleShareable ArchiveToggle = "shareable"
	ToggleArchived  ArchiveToggle = "archived"
)

// ParseArchiveToggle maps a config value; empty selects ToggleShareable.
func ParseArchiveToggle(raw string) (ArchiveToggle, error) {
	switch ArchiveToggle(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ToggleShareable:
		return ToggleShareable, nil
	case ToggleArchived:
		return ToggleArchived, nil
	default:
		return "", fmt.Errorf("unknown archive toggle %q (shareable|archived)", raw)
	}
}

// Flag returns the store column the toggle operates on.
func (t ArchiveToggle) Flag() store.BookFlag {
	if t == ToggleArchived {
		return store.FlagArchived
	}
	return store.FlagShareable
}

// Policy bundles the configurable rules.
type Policy struct {
	Eligibility   Eligibility
	ArchiveToggle ArchiveToggle
}

// Default returns the literal rules.
func Default() Policy {
	return Policy{Eligibility: EligibilityLiteral, ArchiveToggle: ToggleShareable}
}

func IsOwner(book domain.Book, userID string) bool {
	return userID != "" && book.OwnerID == userID
}

// OwnedFilter selects the user's own books regardless of flags.
func OwnedFilter(userID string) store.BookFilter {
	return store.BookFilter{OwnerID: userID}
}

// DisplayableFilter selects other users' books that are not archived.
func DisplayableFilter(userID string) store.BookFilter {
	return store.BookFilter{NotOwnerID: userID, ExcludeArchived: true}
}

// CanSeeAsOwned reports whether book belongs in userID's owner listing.
func CanSeeAsOwned(book domain.Book, userID string) bool {
	return userID != "" && OwnedFilter(userID).Matches(book)
}

// CanSeeAsDisplayable reports whether book belongs in userID's catalog listing.
func CanSeeAsDisplayable(book domain.Book, userID string) bool {
	return DisplayableFilter(userID).Matches(book)
}

func CanUpdateFlags(book domain.Book, userID string) bool {
	return IsOwner(book, userID)
}

func CanChangeCover(book domain.Book, userID string) bool {
	return IsOwner(book, userID)
}
