package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"bookstore/internal/util"
	"bookstore/pkg/apperr"
	"bookstore/pkg/domain"
	"bookstore/pkg/storage"
	"bookstore/pkg/store"
	"bookstore/services/book/internal/policy"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	Policy         policy.Policy
	CoverURLExpiry time.Duration
	Clock          func() time.Time
}

// App is the book catalog and lending service.
type App struct {
	store       store.Store
	objects     storage.ObjectStore
	policy      policy.Policy
	coverExpiry time.Duration
	now         func() time.Time
}

// BookRequest is the client payload for creating or updating a book.
type BookRequest struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	AuthorName string  `json:"authorName"`
	ISBN       string  `json:"isbn"`
	Synopsis   string  `json:"synopsis"`
	Rate       float64 `json:"rate"`
	Shareable  bool    `json:"shareable"`
}

// BookResponse is a book as presented to clients.
type BookResponse struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	AuthorName string  `json:"authorName"`
	ISBN       string  `json:"isbn"`
	Synopsis   string  `json:"synopsis"`
	Owner      string  `json:"owner"`
	Cover      string  `json:"cover,omitempty"`
	Rate       float64 `json:"rate"`
	Archived   bool    `json:"archived"`
	Shareable  bool    `json:"shareable"`
}

// BorrowedBookResponse is one lending episode as presented to clients.
type BorrowedBookResponse struct {
	ID             string  `json:"id"`
	EpisodeID      string  `json:"episodeId"`
	Title          string  `json:"title"`
	AuthorName     string  `json:"authorName"`
	ISBN           string  `json:"isbn"`
	Rate           float64 `json:"rate"`
	Returned       bool    `json:"returned"`
	ReturnApproved bool    `json:"returnApproved"`
}

var coverTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// New constructs the application with database-backed metadata storage and
// the given cover object store.
func New(cfg Config) (*App, error) {
	if cfg.Objects == nil {
		return nil, ErrObjectStoreMissing
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	pol := cfg.Policy
	if pol.Eligibility == "" {
		pol.Eligibility = policy.EligibilityLiteral
	}
	if pol.ArchiveToggle == "" {
		pol.ArchiveToggle = policy.ToggleShareable
	}
	expiry := cfg.CoverURLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &App{
		store:       dataStore,
		objects:     cfg.Objects,
		policy:      pol,
		coverExpiry: expiry,
		now:         func() time.Time { return now().UTC() },
	}, nil
}

// Policy returns the active lending rules.
func (a *App) Policy() policy.Policy {
	return a.policy
}

// SaveBook creates a book owned by ownerID, or updates one the caller owns
// when req.ID is set. It returns the book id.
func (a *App) SaveBook(req BookRequest, ownerID string) (string, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.AuthorName = strings.TrimSpace(req.AuthorName)
	req.ISBN = strings.TrimSpace(req.ISBN)
	switch {
	case req.Title == "":
		return "", ErrTitleRequired
	case req.AuthorName == "":
		return "", ErrAuthorRequired
	case req.ISBN == "":
		return "", ErrISBNRequired
	}
	now := a.now()
	book := domain.Book{
		ID:         util.NewID(),
		OwnerID:    ownerID,
		Title:      req.Title,
		AuthorName: req.AuthorName,
		ISBN:       req.ISBN,
		Synopsis:   stripMarkup(req.Synopsis),
		Rate:       req.Rate,
		Shareable:  req.Shareable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if id := strings.TrimSpace(req.ID); id != "" {
		existing, err := a.ownedBook(id, ownerID, "book.owner", "You cannot update a book you do not own")
		if err != nil {
			return "", err
		}
		book.ID = existing.ID
		book.OwnerID = existing.OwnerID
		book.Archived = existing.Archived
		book.Cover = existing.Cover
		book.CreatedAt = existing.CreatedAt
	}
	if err := a.store.SaveBook(book); err != nil {
		return "", fmt.Errorf("save book: %w", err)
	}
	return book.ID, nil
}

// FindByID returns the book with its owner name and cover URL.
func (a *App) FindByID(ctx context.Context, id string) (BookResponse, error) {
	book, err := a.lookup(id)
	if err != nil {
		return BookResponse{}, err
	}
	return a.toResponse(ctx, book, newOwnerNames(a.store)), nil
}

// ListDisplayable pages through other users' non-archived books.
func (a *App) ListDisplayable(ctx context.Context, userID string, req domain.PageRequest) (domain.Page[BookResponse], error) {
	page, err := a.store.ListBooks(policy.DisplayableFilter(userID), req)
	if err != nil {
		return domain.Page[BookResponse]{}, fmt.Errorf("list displayable books: %w", err)
	}
	return a.bookPage(ctx, page), nil
}

// ListOwned pages through the caller's own books, archived included.
func (a *App) ListOwned(ctx context.Context, userID string, req domain.PageRequest) (domain.Page[BookResponse], error) {
	if strings.TrimSpace(userID) == "" {
		return domain.NewPage[BookResponse](nil, req, 0), nil
	}
	page, err := a.store.ListBooks(policy.OwnedFilter(userID), req)
	if err != nil {
		return domain.Page[BookResponse]{}, fmt.Errorf("list owned books: %w", err)
	}
	return a.bookPage(ctx, page), nil
}

// ListBorrowed pages through episodes where the caller is the borrower.
func (a *App) ListBorrowed(userID string, req domain.PageRequest) (domain.Page[BorrowedBookResponse], error) {
	page, err := a.store.ListBorrowedByUser(userID, req)
	if err != nil {
		return domain.Page[BorrowedBookResponse]{}, fmt.Errorf("list borrowed books: %w", err)
	}
	return domain.MapPage(page, toBorrowedResponse), nil
}

// ListReturned pages through returned episodes of books the caller owns.
func (a *App) ListReturned(ownerID string, req domain.PageRequest) (domain.Page[BorrowedBookResponse], error) {
	page, err := a.store.ListReturnedToOwner(ownerID, req)
	if err != nil {
		return domain.Page[BorrowedBookResponse]{}, fmt.Errorf("list returned books: %w", err)
	}
	return domain.MapPage(page, toBorrowedResponse), nil
}

// UpdateShareable toggles the shareable flag of a book the caller owns.
func (a *App) UpdateShareable(bookID, callerID string) (string, error) {
	return a.toggle(bookID, callerID, store.FlagShareable, "You cannot update others books shareable status")
}

// UpdateArchived toggles the column selected by the archive toggle policy.
func (a *App) UpdateArchived(bookID, callerID string) (string, error) {
	return a.toggle(bookID, callerID, a.policy.ArchiveToggle.Flag(), "You cannot update others books archived status")
}

func (a *App) toggle(bookID, callerID string, flag store.BookFlag, denied string) (string, error) {
	book, err := a.lookup(bookID)
	if err != nil {
		return "", err
	}
	if !policy.CanUpdateFlags(book, callerID) {
		return "", apperr.Forbidden("book.owner", denied)
	}
	updated, ok, err := a.store.ToggleBookFlag(book.ID, flag)
	if err != nil {
		return "", fmt.Errorf("toggle %s: %w", flag, err)
	}
	if !ok {
		return "", apperr.NotFound("book.lookup", "No book found with ID "+bookID)
	}
	return updated.ID, nil
}

// UploadCover stores a new cover for a book the caller owns and returns its
// URL. A previous cover object is removed afterwards.
func (a *App) UploadCover(ctx context.Context, bookID, callerID, filename string, r io.Reader, size int64) (string, error) {
	book, err := a.lookup(bookID)
	if err != nil {
		return "", err
	}
	if !policy.CanChangeCover(book, callerID) {
		return "", apperr.Forbidden("cover.owner", "You cannot change the cover of a book you do not own")
	}
	if r == nil || strings.TrimSpace(filename) == "" {
		return "", ErrCoverRequired
	}
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	contentType, ok := coverTypes[ext]
	if !ok {
		return "", ErrUnsupportedCover
	}
	if t := mime.TypeByExtension(ext); t != "" {
		contentType = t
	}
	key := storage.CoverKey(callerID, filename)
	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("save cover: %w", err)
	}
	if err := a.store.SetBookCover(book.ID, key); err != nil {
		_ = a.objects.Delete(ctx, key)
		return "", fmt.Errorf("save cover key: %w", err)
	}
	if book.Cover != "" {
		if err := a.objects.Delete(ctx, book.Cover); err != nil {
			util.LoggerFromContext(ctx).Warn("cover_cleanup_failed", "book_id", book.ID, "key", book.Cover, "err", err)
		}
	}
	url, err := a.objects.PresignGet(ctx, key, a.coverExpiry)
	if err != nil {
		return "", fmt.Errorf("presign cover: %w", err)
	}
	return url, nil
}

func (a *App) lookup(id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(strings.TrimSpace(id))
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, apperr.NotFound("book.lookup", "No book found with ID "+id)
	}
	return book, nil
}

func (a *App) ownedBook(id, callerID, guard, denied string) (domain.Book, error) {
	book, err := a.lookup(id)
	if err != nil {
		return domain.Book{}, err
	}
	if !policy.IsOwner(book, callerID) {
		return domain.Book{}, apperr.Forbidden(guard, denied)
	}
	return book, nil
}

func (a *App) bookPage(ctx context.Context, page domain.Page[domain.Book]) domain.Page[BookResponse] {
	names := newOwnerNames(a.store)
	return domain.MapPage(page, func(b domain.Book) BookResponse {
		return a.toResponse(ctx, b, names)
	})
}

func (a *App) toResponse(ctx context.Context, book domain.Book, names *ownerNames) BookResponse {
	resp := BookResponse{
		ID:         book.ID,
		Title:      book.Title,
		AuthorName: book.AuthorName,
		ISBN:       book.ISBN,
		Synopsis:   book.Synopsis,
		Owner:      names.lookup(ctx, book.OwnerID),
		Rate:       book.Rate,
		Archived:   book.Archived,
		Shareable:  book.Shareable,
	}
	if book.Cover != "" {
		url, err := a.objects.PresignGet(ctx, book.Cover, a.coverExpiry)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("cover_presign_failed", "book_id", book.ID, "err", err)
		} else {
			resp.Cover = url
		}
	}
	return resp
}

func toBorrowedResponse(b domain.BorrowedBook) BorrowedBookResponse {
	return BorrowedBookResponse{
		ID:             b.Book.ID,
		EpisodeID:      b.Episode.ID,
		Title:          b.Book.Title,
		AuthorName:     b.Book.AuthorName,
		ISBN:           b.Book.ISBN,
		Rate:           b.Book.Rate,
		Returned:       b.Episode.Returned,
		ReturnApproved: b.Episode.ReturnApproved,
	}
}

// ownerNames memoizes owner display names while one page is rendered.
type ownerNames struct {
	store store.Store
	names map[string]string
}

func newOwnerNames(s store.Store) *ownerNames {
	return &ownerNames{store: s, names: map[string]string{}}
}

func (o *ownerNames) lookup(ctx context.Context, userID string) string {
	if name, ok := o.names[userID]; ok {
		return name
	}
	user, ok, err := o.store.GetUserByID(userID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("owner_lookup_failed", "user_id", userID, "err", err)
		return ""
	}
	name := ""
	if ok {
		name = user.FullName()
	}
	o.names[userID] = name
	return name
}
