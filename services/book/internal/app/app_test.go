package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bookstore/pkg/apperr"
	"bookstore/pkg/domain"
	"bookstore/pkg/storage"
	"bookstore/pkg/store"
	"bookstore/pkg/store/storetest"
	"bookstore/services/book/internal/policy"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns a strictly increasing time so listings have a stable order.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	app     *App
	store   *store.GormStore
	objects *storage.FileStore
	owner   domain.User
	reader  domain.User
	other   domain.User
}

func newHarness(t *testing.T, pol policy.Policy) harness {
	t.Helper()
	s := storetest.NewWithUserRole(t)
	objects, err := storage.NewFileStore(filepath.Join(t.TempDir(), "covers"), "http://localhost:8082/covers")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	a, err := New(Config{Store: s, Objects: objects, Policy: pol, Clock: clock.Now})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h := harness{app: a, store: s, objects: objects}
	h.owner = saveUser(t, s, "owner", "Olive", "Owner")
	h.reader = saveUser(t, s, "reader", "Rita", "Reader")
	h.other = saveUser(t, s, "other", "Oscar", "Other")
	return h
}

func saveUser(t *testing.T, s *store.GormStore, id, first, last string) domain.User {
	t.Helper()
	u := domain.User{
		ID:        id,
		FirstName: first,
		LastName:  last,
		Email:     id + "@bookstore.local",
		Enabled:   true,
		Roles:     []string{domain.RoleUser},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.SaveUser(u); err != nil {
		t.Fatalf("save user %s: %v", id, err)
	}
	return u
}

func (h harness) addBook(t *testing.T, ownerID, title string) string {
	t.Helper()
	id, err := h.app.SaveBook(BookRequest{Title: title, AuthorName: "Ann Author", ISBN: "978-0-00-000000-" + title[:1]}, ownerID)
	if err != nil {
		t.Fatalf("save book %q: %v", title, err)
	}
	return id
}

func TestNewRequiresObjectStore(t *testing.T) {
	if _, err := New(Config{Store: storetest.New(t)}); !errors.Is(err, ErrObjectStoreMissing) {
		t.Fatalf("expected ErrObjectStoreMissing, got %v", err)
	}
}

func TestSaveBookValidationAndMarkup(t *testing.T) {
	h := newHarness(t, policy.Default())

	tests := []struct {
		name string
		req  BookRequest
		want error
	}{
		{name: "missing title", req: BookRequest{AuthorName: "a", ISBN: "1"}, want: ErrTitleRequired},
		{name: "missing author", req: BookRequest{Title: "t", AuthorName: " ", ISBN: "1"}, want: ErrAuthorRequired},
		{name: "missing isbn", req: BookRequest{Title: "t", AuthorName: "a"}, want: ErrISBNRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.app.SaveBook(tc.req, h.owner.ID); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	id, err := h.app.SaveBook(BookRequest{
		Title:      "  Dune ",
		AuthorName: "Frank Herbert",
		ISBN:       "9780441013593",
		Synopsis:   "<p>Desert <b>planet</b></p><script>alert(1)</script><p>spice&amp;sand</p>",
	}, h.owner.ID)
	if err != nil {
		t.Fatalf("save book: %v", err)
	}
	got, err := h.app.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find book: %v", err)
	}
	if got.Title != "Dune" || got.Owner != "Olive Owner" {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.Synopsis != "Desert planet spice&sand" {
		t.Fatalf("synopsis = %q", got.Synopsis)
	}
	if got.Archived || got.Cover != "" {
		t.Fatalf("new book should be unarchived without cover: %+v", got)
	}
}

func TestSaveBookUpdateRequiresOwner(t *testing.T) {
	h := newHarness(t, policy.Default())
	id := h.addBook(t, h.owner.ID, "Emma")

	_, err := h.app.SaveBook(BookRequest{ID: id, Title: "Stolen", AuthorName: "x", ISBN: "1"}, h.reader.ID)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.app.SaveBook(BookRequest{ID: "missing", Title: "t", AuthorName: "a", ISBN: "1"}, h.owner.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	updated, err := h.app.SaveBook(BookRequest{ID: id, Title: "Emma (2nd ed.)", AuthorName: "Jane Austen", ISBN: "1"}, h.owner.ID)
	if err != nil || updated != id {
		t.Fatalf("update = %q, %v", updated, err)
	}
	got, err := h.app.FindByID(context.Background(), id)
	if err != nil || got.Title != "Emma (2nd ed.)" {
		t.Fatalf("find after update = %+v, %v", got, err)
	}
}

func TestFindByIDUnknown(t *testing.T) {
	h := newHarness(t, policy.Default())
	_, err := h.app.FindByID(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrNotFound) || apperr.GuardOf(err) != "book.lookup" {
		t.Fatalf("expected book.lookup not found, got %v", err)
	}
}

func TestTogglesRequireOwner(t *testing.T) {
	h := newHarness(t, policy.Default())
	id := h.addBook(t, h.owner.ID, "Persuasion")

	if _, err := h.app.UpdateShareable(id, h.reader.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden shareable toggle, got %v", err)
	}
	if _, err := h.app.UpdateArchived(id, h.reader.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden archived toggle, got %v", err)
	}

	if _, err := h.app.UpdateShareable(id, h.owner.ID); err != nil {
		t.Fatalf("toggle shareable: %v", err)
	}
	book, _, _ := h.store.GetBook(id)
	if !book.Shareable {
		t.Fatalf("expected shareable after toggle")
	}
	// The default archive toggle flips shareable.
	if _, err := h.app.UpdateArchived(id, h.owner.ID); err != nil {
		t.Fatalf("toggle archived: %v", err)
	}
	book, _, _ = h.store.GetBook(id)
	if book.Shareable || book.Archived {
		t.Fatalf("default archive toggle should flip shareable only: %+v", book)
	}
}

func TestArchiveToggleArchivedColumn(t *testing.T) {
	h := newHarness(t, policy.Policy{ArchiveToggle: policy.ToggleArchived})
	id := h.addBook(t, h.owner.ID, "Sanditon")
	if _, err := h.app.UpdateArchived(id, h.owner.ID); err != nil {
		t.Fatalf("toggle archived: %v", err)
	}
	book, _, _ := h.store.GetBook(id)
	if !book.Archived || book.Shareable {
		t.Fatalf("expected archived column flipped: %+v", book)
	}
	if _, err := h.app.Borrow(id, h.reader.ID); apperr.GuardOf(err) != "borrow.archived" {
		t.Fatalf("expected borrow.archived, got %v", err)
	}
}

func TestListings(t *testing.T) {
	h := newHarness(t, policy.Policy{ArchiveToggle: policy.ToggleArchived})
	first := h.addBook(t, h.owner.ID, "Alpha")
	second := h.addBook(t, h.owner.ID, "Beta")
	archived := h.addBook(t, h.owner.ID, "Gamma")
	mine := h.addBook(t, h.reader.ID, "Delta")
	if _, err := h.app.UpdateArchived(archived, h.owner.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	ctx := context.Background()

	display, err := h.app.ListDisplayable(ctx, h.reader.ID, domain.PageRequest{Page: 0, Size: 10})
	if err != nil {
		t.Fatalf("list displayable: %v", err)
	}
	if display.TotalElements != 2 || len(display.Content) != 2 {
		t.Fatalf("displayable = %+v", display)
	}
	if display.Content[0].ID != second || display.Content[1].ID != first {
		t.Fatalf("expected newest first, got %s, %s", display.Content[0].ID, display.Content[1].ID)
	}
	for _, b := range display.Content {
		if b.ID == mine || b.ID == archived {
			t.Fatalf("displayable leaked %s", b.ID)
		}
		if b.Owner != "Olive Owner" {
			t.Fatalf("owner name = %q", b.Owner)
		}
	}

	owned, err := h.app.ListOwned(ctx, h.owner.ID, domain.PageRequest{Page: 0, Size: 2})
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if owned.TotalElements != 3 || owned.TotalPages != 2 || len(owned.Content) != 2 || owned.Last {
		t.Fatalf("owned page = %+v", owned)
	}

	if _, err := h.app.Borrow(first, h.reader.ID); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	borrowed, err := h.app.ListBorrowed(h.reader.ID, domain.PageRequest{})
	if err != nil {
		t.Fatalf("list borrowed: %v", err)
	}
	if len(borrowed.Content) != 1 || borrowed.Content[0].ID != first || borrowed.Content[0].Returned {
		t.Fatalf("borrowed = %+v", borrowed)
	}
	returned, err := h.app.ListReturned(h.owner.ID, domain.PageRequest{})
	if err != nil {
		t.Fatalf("list returned: %v", err)
	}
	if returned.TotalElements != 0 {
		t.Fatalf("nothing returned yet: %+v", returned)
	}
	if _, err := h.app.ReturnBook(first, h.reader.ID); err != nil {
		t.Fatalf("return: %v", err)
	}
	returned, _ = h.app.ListReturned(h.owner.ID, domain.PageRequest{})
	if len(returned.Content) != 1 || !returned.Content[0].Returned || returned.Content[0].ReturnApproved {
		t.Fatalf("returned = %+v", returned)
	}
}

func TestListingsFollowVisibilityPredicates(t *testing.T) {
	h := newHarness(t, policy.Default())
	ctx := context.Background()
	var books []domain.Book
	for _, owner := range []string{h.owner.ID, h.reader.ID, h.other.ID} {
		for _, archived := range []bool{false, true} {
			for _, shareable := range []bool{false, true} {
				id := h.addBook(t, owner, fmt.Sprintf("T-%s-%t-%t", owner, archived, shareable))
				book, ok, err := h.store.GetBook(id)
				if err != nil || !ok {
					t.Fatalf("get book: ok=%v err=%v", ok, err)
				}
				book.Archived = archived
				book.Shareable = shareable
				if err := h.store.SaveBook(book); err != nil {
					t.Fatalf("save flags: %v", err)
				}
				books = append(books, book)
			}
		}
	}

	listed := func(page domain.Page[BookResponse]) map[string]bool {
		ids := make(map[string]bool, len(page.Content))
		for _, b := range page.Content {
			ids[b.ID] = true
		}
		return ids
	}
	all := domain.PageRequest{Size: domain.MaxPageSize}
	for _, user := range []domain.User{h.owner, h.reader, h.other} {
		owned, err := h.app.ListOwned(ctx, user.ID, all)
		if err != nil {
			t.Fatalf("list owned: %v", err)
		}
		display, err := h.app.ListDisplayable(ctx, user.ID, all)
		if err != nil {
			t.Fatalf("list displayable: %v", err)
		}
		ownedIDs, displayIDs := listed(owned), listed(display)
		for _, b := range books {
			if want := policy.CanSeeAsOwned(b, user.ID); ownedIDs[b.ID] != want {
				t.Fatalf("owned listing for %s: book %s (archived=%v shareable=%v) listed=%v want %v",
					user.ID, b.ID, b.Archived, b.Shareable, ownedIDs[b.ID], want)
			}
			if want := policy.CanSeeAsDisplayable(b, user.ID); displayIDs[b.ID] != want {
				t.Fatalf("displayable listing for %s: book %s (archived=%v shareable=%v) listed=%v want %v",
					user.ID, b.ID, b.Archived, b.Shareable, displayIDs[b.ID], want)
			}
		}
	}
}

func TestUploadCover(t *testing.T) {
	h := newHarness(t, policy.Default())
	id := h.addBook(t, h.owner.ID, "Ivanhoe")
	ctx := context.Background()

	if _, err := h.app.UploadCover(ctx, id, h.reader.ID, "cover.png", strings.NewReader("png"), 3); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for non owner, got %v", err)
	}
	if _, err := h.app.UploadCover(ctx, id, h.owner.ID, "cover.exe", strings.NewReader("x"), 1); !errors.Is(err, ErrUnsupportedCover) {
		t.Fatalf("expected unsupported cover, got %v", err)
	}

	url, err := h.app.UploadCover(ctx, id, h.owner.ID, "Cover.PNG", strings.NewReader("first"), 5)
	if err != nil {
		t.Fatalf("upload cover: %v", err)
	}
	if !strings.HasPrefix(url, "http://localhost:8082/covers/users/owner/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("unexpected cover url %q", url)
	}
	book, _, _ := h.store.GetBook(id)
	firstPath := filepath.Join(h.objects.Root(), filepath.FromSlash(book.Cover))
	if data, err := os.ReadFile(firstPath); err != nil || string(data) != "first" {
		t.Fatalf("stored cover = %q, %v", data, err)
	}

	if _, err := h.app.UploadCover(ctx, id, h.owner.ID, "new.jpg", strings.NewReader("second"), 6); err != nil {
		t.Fatalf("replace cover: %v", err)
	}
	if _, err := os.Stat(firstPath); !os.IsNotExist(err) {
		t.Fatalf("expected previous cover removed, stat err = %v", err)
	}
	got, err := h.app.FindByID(ctx, id)
	if err != nil || !strings.HasSuffix(got.Cover, ".jpg") {
		t.Fatalf("find after cover = %+v, %v", got, err)
	}
}

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain   text\n", want: "plain text"},
		{in: "line<br>break", want: "line break"},
		{in: "<ul><li>one</li><li>two</li></ul>", want: "one two"},
		{in: "<style>p{}</style>styled", want: "styled"},
		{in: "Tom &amp; Jerry", want: "Tom & Jerry"},
		{in: "", want: ""},
	}
	for _, tc := range tests {
		if got := stripMarkup(tc.in); got != tc.want {
			t.Fatalf("stripMarkup(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
