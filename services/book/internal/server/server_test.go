package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bookstore/pkg/domain"
	"bookstore/pkg/session"
	"bookstore/pkg/storage"
	"bookstore/pkg/store/storetest"
	"bookstore/services/book/internal/app"
	"bookstore/services/book/internal/policy"
)

type testEnv struct {
	handler http.Handler
	tokens  map[string]string
}

func newTestEnv(t *testing.T, mutate func(*Config)) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer, err := session.NewIssuer(key, "kid-test", time.Hour, session.Options{})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	verifier, err := session.NewVerifier(map[string]*rsa.PublicKey{"kid-test": &key.PublicKey}, session.NewRedisRevoker(client, "test:session:", time.Hour), session.Options{})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	s := storetest.NewWithUserRole(t)
	tokens := map[string]string{}
	for _, u := range []domain.User{
		{ID: "owner", FirstName: "Olive", LastName: "Owner", Email: "owner@bookstore.local"},
		{ID: "reader", FirstName: "Rita", LastName: "Reader", Email: "reader@bookstore.local"},
	} {
		u.Enabled = true
		u.Roles = []string{domain.RoleUser}
		if err := s.SaveUser(u); err != nil {
			t.Fatalf("save user: %v", err)
		}
		token, err := issuer.NewSession(u.ID, session.Profile{FullName: u.FullName(), Roles: u.Roles})
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		tokens[u.ID] = token
	}

	coverDir := filepath.Join(t.TempDir(), "covers")
	objects, err := storage.NewFileStore(coverDir, "/covers")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	core, err := app.New(app.Config{Store: s, Objects: objects, Policy: policy.Default()})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	cfg := Config{
		App:      core,
		Verifier: verifier,
		Redis:    client,
		CoverDir: coverDir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return testEnv{handler: srv.Router(), tokens: tokens}
}

func (e testEnv) do(t *testing.T, method, path, user string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) doJSON(t *testing.T, method, path, user string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	}
	return e.do(t, method, path, user, body, "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, want, rec.Body.String())
	}
}

func (e testEnv) createBook(t *testing.T, owner, title string) string {
	t.Helper()
	rec := e.doJSON(t, http.MethodPost, "/books", owner, app.BookRequest{Title: title, AuthorName: "Author", ISBN: "isbn-" + title})
	expectStatus(t, rec, http.StatusCreated)
	return decode[idResponse](t, rec).ID
}

func TestLendingFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createBook(t, "owner", "Emma")

	rec := env.doJSON(t, http.MethodGet, "/books/"+id, "reader", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[app.BookResponse](t, rec); got.Owner != "Olive Owner" || got.Title != "Emma" {
		t.Fatalf("book = %+v", got)
	}

	rec = env.doJSON(t, http.MethodPost, "/books/"+id+"/borrow", "owner", nil)
	expectStatus(t, rec, http.StatusForbidden)
	if errBody := decode[errorResponse](t, rec); errBody.Guard != "borrow.owner" || errBody.Code != "BOOK_FORBIDDEN" || errBody.RequestID == "" {
		t.Fatalf("owner borrow error = %+v", errBody)
	}

	rec = env.doJSON(t, http.MethodPost, "/books/"+id+"/borrow", "reader", nil)
	expectStatus(t, rec, http.StatusOK)
	episode := decode[idResponse](t, rec).ID

	rec = env.doJSON(t, http.MethodPost, "/books/"+id+"/borrow", "reader", nil)
	expectStatus(t, rec, http.StatusForbidden)
	if code := decode[errorResponse](t, rec).Code; code != "BOOK_ALREADY_BORROWED" {
		t.Fatalf("re-borrow code = %q", code)
	}

	rec = env.doJSON(t, http.MethodPatch, "/books/"+id+"/return/approve", "owner", nil)
	expectStatus(t, rec, http.StatusNotFound)
	if code := decode[errorResponse](t, rec).Code; code != "BOOK_RETURN_NOT_FOUND" {
		t.Fatalf("early approve code = %q", code)
	}

	rec = env.doJSON(t, http.MethodPatch, "/books/"+id+"/return", "reader", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[idResponse](t, rec).ID; got != episode {
		t.Fatalf("returned episode = %q, want %q", got, episode)
	}

	rec = env.doJSON(t, http.MethodGet, "/books/returned", "owner", nil)
	expectStatus(t, rec, http.StatusOK)
	returned := decode[domain.Page[app.BorrowedBookResponse]](t, rec)
	if returned.TotalElements != 1 || !returned.Content[0].Returned {
		t.Fatalf("returned page = %+v", returned)
	}

	rec = env.doJSON(t, http.MethodPatch, "/books/"+id+"/return/approve", "owner", nil)
	expectStatus(t, rec, http.StatusOK)

	rec = env.doJSON(t, http.MethodGet, "/books/borrowed", "reader", nil)
	expectStatus(t, rec, http.StatusOK)
	borrowed := decode[domain.Page[app.BorrowedBookResponse]](t, rec)
	if len(borrowed.Content) != 1 || !borrowed.Content[0].ReturnApproved {
		t.Fatalf("borrowed page = %+v", borrowed)
	}
}

func TestListingsAndToggles(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.createBook(t, "owner", "Alpha")
	env.createBook(t, "owner", "Beta")
	env.createBook(t, "reader", "Gamma")

	rec := env.doJSON(t, http.MethodGet, "/books?page=0&size=1", "reader", nil)
	expectStatus(t, rec, http.StatusOK)
	page := decode[domain.Page[app.BookResponse]](t, rec)
	if page.TotalElements != 2 || page.TotalPages != 2 || len(page.Content) != 1 || !page.First || page.Last {
		t.Fatalf("displayable page = %+v", page)
	}

	rec = env.doJSON(t, http.MethodGet, "/books/owner", "owner", nil)
	expectStatus(t, rec, http.StatusOK)
	if owned := decode[domain.Page[app.BookResponse]](t, rec); owned.TotalElements != 2 {
		t.Fatalf("owned page = %+v", owned)
	}

	rec = env.doJSON(t, http.MethodGet, "/books?size=abc", "reader", nil)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.doJSON(t, http.MethodPatch, "/books/"+first+"/shareable", "reader", nil)
	expectStatus(t, rec, http.StatusForbidden)
	rec = env.doJSON(t, http.MethodPatch, "/books/"+first+"/shareable", "owner", nil)
	expectStatus(t, rec, http.StatusOK)

	// Shareable books fail the default eligibility rule.
	rec = env.doJSON(t, http.MethodPost, "/books/"+first+"/borrow", "reader", nil)
	expectStatus(t, rec, http.StatusForbidden)
	if errBody := decode[errorResponse](t, rec); errBody.Code != "BOOK_NOT_LENDABLE" || errBody.Guard != "borrow.eligibility" {
		t.Fatalf("eligibility error = %+v", errBody)
	}

	rec = env.doJSON(t, http.MethodPatch, "/books/"+first+"/archived", "owner", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = env.doJSON(t, http.MethodPost, "/books/"+first+"/borrow", "reader", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createBook(t, "owner", "Walden")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   io.Reader
		status int
		code   string
	}{
		{name: "missing token", method: http.MethodGet, path: "/books", status: http.StatusUnauthorized, code: "AUTH_INVALID_TOKEN"},
		{name: "unknown book", method: http.MethodGet, path: "/books/nope", user: "reader", status: http.StatusNotFound, code: "BOOK_NOT_FOUND"},
		{name: "unknown action", method: http.MethodGet, path: "/books/" + id + "/download", user: "reader", status: http.StatusNotFound, code: "SYSTEM_NOT_FOUND"},
		{name: "wrong method", method: http.MethodGet, path: "/books/" + id + "/borrow", user: "reader", status: http.StatusMethodNotAllowed, code: "SYSTEM_METHOD_NOT_ALLOWED"},
		{name: "bad json", method: http.MethodPost, path: "/books", user: "owner", body: strings.NewReader("{"), status: http.StatusBadRequest, code: "BOOK_INVALID_REQUEST"},
		{name: "missing title", method: http.MethodPost, path: "/books", user: "owner", body: strings.NewReader(`{"authorName":"a","isbn":"1"}`), status: http.StatusBadRequest, code: "BOOK_INVALID_REQUEST"},
		{name: "page out of range", method: http.MethodGet, path: "/books?page=4611686018427387904", user: "reader", status: http.StatusBadRequest, code: "BOOK_INVALID_PAGE"},
		{name: "negative size", method: http.MethodGet, path: "/books/owner?size=-1", user: "owner", status: http.StatusBadRequest, code: "BOOK_INVALID_PAGE"},
		{name: "return not borrowed", method: http.MethodPatch, path: "/books/" + id + "/return", user: "reader", status: http.StatusForbidden, code: "BOOK_NOT_BORROWED"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.user, tc.body, "application/json")
			expectStatus(t, rec, tc.status)
			if code := decode[errorResponse](t, rec).Code; code != tc.code {
				t.Fatalf("code = %q, want %q", code, tc.code)
			}
		})
	}
}

func multipartCover(t *testing.T, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadCoverAndServe(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxCoverBytes = 1024 })
	id := env.createBook(t, "owner", "Ivanhoe")

	body, ct := multipartCover(t, "cover.png", []byte("png-bytes"))
	rec := env.do(t, http.MethodPost, "/books/"+id+"/cover", "reader", body, ct)
	expectStatus(t, rec, http.StatusForbidden)

	body, ct = multipartCover(t, "cover.txt", []byte("text"))
	rec = env.do(t, http.MethodPost, "/books/"+id+"/cover", "owner", body, ct)
	expectStatus(t, rec, http.StatusBadRequest)

	body, ct = multipartCover(t, "cover.png", []byte("png-bytes"))
	rec = env.do(t, http.MethodPost, "/books/"+id+"/cover", "owner", body, ct)
	expectStatus(t, rec, http.StatusOK)
	cover := decode[map[string]string](t, rec)["cover"]
	if !strings.HasPrefix(cover, "/covers/users/owner/") {
		t.Fatalf("cover url = %q", cover)
	}

	rec = env.do(t, http.MethodGet, cover, "", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "png-bytes" {
		t.Fatalf("served cover = %q", rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/covers/users/", "", nil, "")
	expectStatus(t, rec, http.StatusNotFound)

	body, ct = multipartCover(t, "big.png", bytes.Repeat([]byte("x"), 4096))
	rec = env.do(t, http.MethodPost, "/books/"+id+"/cover", "owner", body, ct)
	if rec.Code != http.StatusRequestEntityTooLarge && rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized cover status = %d", rec.Code)
	}
}

func TestLendingRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.LendingRateLimitPerMinute = 1 })
	id := env.createBook(t, "owner", "Kidnapped")

	rec := env.doJSON(t, http.MethodPost, "/books/"+id+"/borrow", "reader", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = env.doJSON(t, http.MethodPatch, "/books/"+id+"/return", "reader", nil)
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if code := decode[errorResponse](t, rec).Code; code != "BOOK_RATE_LIMITED" {
		t.Fatalf("code = %q", code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil, "")
	expectStatus(t, rec, http.StatusOK)
}
