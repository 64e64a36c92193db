package store

import (
	"errors"
	"fmt"
	"time"

	"bookstore/pkg/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func newID() string {
	return uuid.NewString()
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author_name", "isbn", "synopsis", "rate", "archived", "shareable", "cover", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	return s.getBook(s.db, id)
}

func (s *GormStore) getBook(db *gorm.DB, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ToggleBookFlag negates one boolean column in place and returns the updated book.
func (s *GormStore) ToggleBookFlag(id string, flag BookFlag) (domain.Book, bool, error) {
	switch flag {
	case FlagShareable, FlagArchived:
	default:
		return domain.Book{}, false, fmt.Errorf("unknown book flag %q", flag)
	}
	var (
		book  domain.Book
		found bool
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BookModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				string(flag): gorm.Expr("NOT " + string(flag)),
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		b, ok, err := s.getBook(tx, id)
		if err != nil {
			return err
		}
		book, found = b, ok
		return nil
	})
	if err != nil {
		return domain.Book{}, false, err
	}
	return book, found, nil
}

// SetBookCover records the storage key of a book's cover.
func (s *GormStore) SetBookCover(id, cover string) error {
	return s.db.Model(&BookModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"cover":      cover,
			"updated_at": s.now(),
		}).Error
}

// ListBooks returns one page of the books passing filter.
func (s *GormStore) ListBooks(filter BookFilter, req domain.PageRequest) (domain.Page[domain.Book], error) {
	req = req.Normalize()
	var total int64
	if err := s.db.Model(&BookModel{}).Scopes(filter.scope).Count(&total).Error; err != nil {
		return domain.Page[domain.Book]{}, err
	}
	var models []BookModel
	if err := s.db.Scopes(filter.scope).
		Order("created_at DESC").
		Order("id DESC").
		Offset(req.Offset()).
		Limit(req.Size).
		Find(&models).Error; err != nil {
		return domain.Page[domain.Book]{}, err
	}
	items := make([]domain.Book, 0, len(models))
	for _, m := range models {
		items = append(items, bookFromModel(m))
	}
	return domain.NewPage(items, req, total), nil
}

func (f BookFilter) scope(db *gorm.DB) *gorm.DB {
	if f.OwnerID != "" {
		db = db.Where("owner_id = ?", f.OwnerID)
	}
	if f.NotOwnerID != "" {
		db = db.Where("owner_id <> ?", f.NotOwnerID)
	}
	if f.ExcludeArchived {
		db = db.Where("archived = ?", false)
	}
	return db
}

// CreateEpisode inserts a new open episode. A second open episode for the
// same book is rejected by the partial unique index.
func (s *GormStore) CreateEpisode(h domain.BookTransactionHistory) error {
	model := episodeToModel(h)
	if err := s.db.Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrOpenEpisodeExists
		}
		return err
	}
	return nil
}

// GetOpenEpisode returns the unreturned episode of a book, if any.
func (s *GormStore) GetOpenEpisode(bookID string) (domain.BookTransactionHistory, bool, error) {
	return s.findEpisode(s.db.Where("book_id = ? AND returned = ?", bookID, false))
}

// GetReturnedUnapprovedEpisode returns the oldest returned, unapproved
// episode of a book owned by ownerID.
func (s *GormStore) GetReturnedUnapprovedEpisode(bookID, ownerID string) (domain.BookTransactionHistory, bool, error) {
	owned := s.db.Model(&BookModel{}).Select("id").Where("id = ? AND owner_id = ?", bookID, ownerID)
	return s.findEpisode(s.db.
		Where("book_id IN (?)", owned).
		Where("returned = ? AND return_approved = ?", true, false).
		Order("created_at ASC"))
}

func (s *GormStore) findEpisode(q *gorm.DB) (domain.BookTransactionHistory, bool, error) {
	var model BookTransactionModel
	if err := q.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookTransactionHistory{}, false, nil
		}
		return domain.BookTransactionHistory{}, false, err
	}
	return episodeFromModel(model), true, nil
}

// MarkEpisodeReturned closes an open episode.
func (s *GormStore) MarkEpisodeReturned(id string, at time.Time) error {
	return s.conditionalEpisodeUpdate(
		s.db.Where("id = ? AND returned = ?", id, false),
		map[string]any{"returned": true, "updated_at": at.UTC()},
	)
}

// ApproveEpisodeReturn approves a returned episode.
func (s *GormStore) ApproveEpisodeReturn(id string, at time.Time) error {
	return s.conditionalEpisodeUpdate(
		s.db.Where("id = ? AND returned = ? AND return_approved = ?", id, true, false),
		map[string]any{"return_approved": true, "updated_at": at.UTC()},
	)
}

func (s *GormStore) conditionalEpisodeUpdate(q *gorm.DB, updates map[string]any) error {
	res := q.Model(&BookTransactionModel{}).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEpisodeChanged
	}
	return nil
}

// ListBorrowedByUser returns one page of episodes where userID is the borrower.
func (s *GormStore) ListBorrowedByUser(userID string, req domain.PageRequest) (domain.Page[domain.BorrowedBook], error) {
	return s.pageEpisodes(req, s.db.Where("user_id = ?", userID))
}

// ListReturnedToOwner returns one page of returned episodes on books owned by ownerID.
func (s *GormStore) ListReturnedToOwner(ownerID string, req domain.PageRequest) (domain.Page[domain.BorrowedBook], error) {
	owned := s.db.Model(&BookModel{}).Select("id").Where("owner_id = ?", ownerID)
	return s.pageEpisodes(req, s.db.Where("book_id IN (?)", owned).Where("returned = ?", true))
}

func (s *GormStore) pageEpisodes(req domain.PageRequest, filter *gorm.DB) (domain.Page[domain.BorrowedBook], error) {
	req = req.Normalize()
	var total int64
	if err := s.db.Model(&BookTransactionModel{}).Where(filter).Count(&total).Error; err != nil {
		return domain.Page[domain.BorrowedBook]{}, err
	}
	var models []BookTransactionModel
	if err := s.db.Model(&BookTransactionModel{}).
		Where(filter).
		Order("created_at DESC").
		Order("id DESC").
		Offset(req.Offset()).
		Limit(req.Size).
		Find(&models).Error; err != nil {
		return domain.Page[domain.BorrowedBook]{}, err
	}
	bookIDs := make([]string, 0, len(models))
	for _, m := range models {
		bookIDs = append(bookIDs, m.BookID)
	}
	books := make(map[string]domain.Book, len(bookIDs))
	if len(bookIDs) > 0 {
		var bookModels []BookModel
		if err := s.db.Where("id IN ?", uniqueStrings(bookIDs)).Find(&bookModels).Error; err != nil {
			return domain.Page[domain.BorrowedBook]{}, err
		}
		for _, b := range bookModels {
			books[b.ID] = bookFromModel(b)
		}
	}
	items := make([]domain.BorrowedBook, 0, len(models))
	for _, m := range models {
		items = append(items, domain.BorrowedBook{
			Episode: episodeFromModel(m),
			Book:    books[m.BookID],
		})
	}
	return domain.NewPage(items, req, total), nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:         b.ID,
		OwnerID:    b.OwnerID,
		Title:      b.Title,
		AuthorName: b.AuthorName,
		ISBN:       b.ISBN,
		Synopsis:   b.Synopsis,
		Rate:       b.Rate,
		Archived:   b.Archived,
		Shareable:  b.Shareable,
		Cover:      b.Cover,
		CreatedAt:  b.CreatedAt.UTC(),
		UpdatedAt:  b.UpdatedAt.UTC(),
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		Title:      m.Title,
		AuthorName: m.AuthorName,
		ISBN:       m.ISBN,
		Synopsis:   m.Synopsis,
		Rate:       m.Rate,
		Archived:   m.Archived,
		Shareable:  m.Shareable,
		Cover:      m.Cover,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func episodeToModel(h domain.BookTransactionHistory) BookTransactionModel {
	return BookTransactionModel{
		ID:             h.ID,
		BookID:         h.BookID,
		UserID:         h.UserID,
		Returned:       h.Returned,
		ReturnApproved: h.ReturnApproved,
		CreatedAt:      h.CreatedAt.UTC(),
		UpdatedAt:      h.UpdatedAt.UTC(),
	}
}

func episodeFromModel(m BookTransactionModel) domain.BookTransactionHistory {
	return domain.BookTransactionHistory{
		ID:             m.ID,
		BookID:         m.BookID,
		UserID:         m.UserID,
		Returned:       m.Returned,
		ReturnApproved: m.ReturnApproved,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
