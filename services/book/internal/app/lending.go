package app

import (
	"errors"
	"fmt"

	"bookstore/internal/util"
	"bookstore/pkg/apperr"
	"bookstore/pkg/domain"
	"bookstore/pkg/store"
	"bookstore/services/book/internal/policy"
)

// Borrow opens a lending episode of bookID for borrowerID and returns the
// episode id. Guards run in order: archived, eligibility, owner, open episode.
func (a *App) Borrow(bookID, borrowerID string) (string, error) {
	book, err := a.lookup(bookID)
	if err != nil {
		return "", err
	}
	if err := a.checkLendable(book, "borrow", "The requested book cannot be borrowed since it is archived or not shareable"); err != nil {
		return "", err
	}
	if policy.IsOwner(book, borrowerID) {
		return "", apperr.Forbidden("borrow.owner", "You cannot borrow your own book")
	}
	open, ok, err := a.store.GetOpenEpisode(book.ID)
	if err != nil {
		return "", fmt.Errorf("get open episode: %w", err)
	}
	if ok {
		if open.UserID == borrowerID {
			return "", apperr.Forbidden("borrow.open_episode", "You already borrowed this book and it is still not returned")
		}
		return "", apperr.Forbidden("borrow.open_episode", "The requested book is already borrowed")
	}
	now := a.now()
	episode := domain.BookTransactionHistory{
		ID:        util.NewID(),
		BookID:    book.ID,
		UserID:    borrowerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateEpisode(episode); err != nil {
		if errors.Is(err, store.ErrOpenEpisodeExists) {
			return "", apperr.Forbidden("borrow.open_episode", "The requested book is already borrowed")
		}
		return "", fmt.Errorf("create episode: %w", err)
	}
	return episode.ID, nil
}

// ReturnBook marks the borrower's open episode of bookID as returned.
func (a *App) ReturnBook(bookID, borrowerID string) (string, error) {
	book, err := a.lookup(bookID)
	if err != nil {
		return "", err
	}
	if err := a.checkLendable(book, "return", "The requested book cannot be returned since it is archived or not shareable"); err != nil {
		return "", err
	}
	if policy.IsOwner(book, borrowerID) {
		return "", apperr.Forbidden("return.owner", "You cannot return your own book")
	}
	open, ok, err := a.store.GetOpenEpisode(book.ID)
	if err != nil {
		return "", fmt.Errorf("get open episode: %w", err)
	}
	if !ok || open.UserID != borrowerID {
		return "", apperr.Forbidden("return.episode", "You did not borrow this book")
	}
	if err := a.store.MarkEpisodeReturned(open.ID, a.now()); err != nil {
		if errors.Is(err, store.ErrEpisodeChanged) {
			return "", apperr.Forbidden("return.episode", "You did not borrow this book")
		}
		return "", fmt.Errorf("mark returned: %w", err)
	}
	return open.ID, nil
}

// ApproveReturn confirms a returned episode of a book owned by ownerID.
// Eligibility is not consulted: an owner can always close out a return.
func (a *App) ApproveReturn(bookID, ownerID string) (string, error) {
	book, err := a.lookup(bookID)
	if err != nil {
		return "", err
	}
	if book.Archived {
		return "", apperr.Forbidden("approve.archived", "The requested book is archived")
	}
	if !policy.IsOwner(book, ownerID) {
		return "", apperr.Forbidden("approve.owner", "You cannot approve the return of a book you do not own")
	}
	episode, ok, err := a.store.GetReturnedUnapprovedEpisode(book.ID, ownerID)
	if err != nil {
		return "", fmt.Errorf("get returned episode: %w", err)
	}
	if !ok {
		return "", apperr.NotFound("approve.episode", "The book is not returned yet. You cannot approve its return")
	}
	if err := a.store.ApproveEpisodeReturn(episode.ID, a.now()); err != nil {
		if errors.Is(err, store.ErrEpisodeChanged) {
			return "", apperr.NotFound("approve.episode", "The book is not returned yet. You cannot approve its return")
		}
		return "", fmt.Errorf("approve return: %w", err)
	}
	return episode.ID, nil
}

// checkLendable applies the archived and eligibility guards shared by borrow
// and return.
func (a *App) checkLendable(book domain.Book, op, denied string) error {
	if book.Archived {
		return apperr.Forbidden(op+".archived", denied)
	}
	if !a.policy.Eligibility.Lendable(book) {
		return apperr.Forbidden(op+".eligibility", denied)
	}
	return nil
}
