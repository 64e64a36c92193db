package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookstore/internal/ratelimit"
	"bookstore/internal/util"
	"bookstore/pkg/apperr"
	"bookstore/pkg/domain"
	"bookstore/pkg/session"
	"bookstore/services/book/internal/app"
)

const defaultMaxCoverBytes = 5 << 20

// TokenVerifier validates bearer tokens issued by the auth service.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (session.Claims, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Verifier       TokenVerifier
	Redis          *redis.Client
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	MaxCoverBytes  int64
	// CoverDir, when set, is served read-only under /covers/.
	CoverDir string

	LendingRateLimitPerMinute int
}

// Server exposes HTTP endpoints for the book service.
type Server struct {
	app            *app.App
	verifier       TokenVerifier
	mux            *http.ServeMux
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	maxCoverBytes  int64
	coverDir       string
	lendingLimiter *ratelimit.FixedWindowLimiter
}

// caller is the authenticated principal of a request.
type caller struct {
	ID       string
	FullName string
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("book app required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier required")
	}
	maxCover := cfg.MaxCoverBytes
	if maxCover <= 0 {
		maxCover = defaultMaxCoverBytes
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		mux:            http.NewServeMux(),
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		maxCoverBytes:  maxCover,
		coverDir:       strings.TrimSpace(cfg.CoverDir),
	}
	if cfg.Redis != nil {
		limit := cfg.LendingRateLimitPerMinute
		if limit <= 0 {
			limit = 30
		}
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "bookstore:book:ratelimit:lending", limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init lending limiter: %w", err)
		}
		s.lendingLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("book", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/books", s.withUser(s.handleBooks))
	s.mux.Handle("/books/", s.withUser(s.handleBookPath))
	if s.coverDir != "" {
		s.mux.Handle("/covers/", http.StripPrefix("/covers/", noDirListing(http.FileServer(http.Dir(s.coverDir)))))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, caller)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.verifier.Verify(r.Context(), token)
		if err != nil || strings.TrimSpace(claims.Subject) == "" {
			s.audit(r, "book.auth", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", claims.Subject))
		next(w, r.WithContext(ctx), caller{ID: claims.Subject, FullName: claims.FullName})
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user caller) {
	switch r.Method {
	case http.MethodPost:
		s.handleSaveBook(w, r, user)
	case http.MethodGet:
		req, ok := pageRequest(w, r)
		if !ok {
			return
		}
		page, err := s.app.ListDisplayable(r.Context(), user.ID, req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	default:
		methodNotAllowed(w)
	}
}

// /books/{owner|borrowed|returned} and /books/{id}[/action]
func (s *Server) handleBookPath(w http.ResponseWriter, r *http.Request, user caller) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/books/"), "/")
	parts := strings.SplitN(path, "/", 2)
	first := parts[0]
	if first == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		switch first {
		case "owner", "borrowed", "returned":
			s.handleListing(w, r, user, first)
			return
		}
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		s.handleGetBook(w, r, first)
	case "shareable":
		s.handleToggle(w, r, user, first, "book.shareable", s.app.UpdateShareable)
	case "archived":
		s.handleToggle(w, r, user, first, "book.archived", s.app.UpdateArchived)
	case "borrow":
		s.handleLending(w, r, user, first, http.MethodPost, "book.borrow", s.app.Borrow)
	case "return":
		s.handleLending(w, r, user, first, http.MethodPatch, "book.return", s.app.ReturnBook)
	case "return/approve":
		s.handleLending(w, r, user, first, http.MethodPatch, "book.return.approve", s.app.ApproveReturn)
	case "cover":
		s.handleUploadCover(w, r, user, first)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleSaveBook(w http.ResponseWriter, r *http.Request, user caller) {
	var req app.BookRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.app.SaveBook(req, user.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusCreated
	if strings.TrimSpace(req.ID) != "" {
		status = http.StatusOK
	}
	writeJSON(w, status, idResponse{ID: id})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	book, err := s.app.FindByID(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request, user caller, which string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	req, ok := pageRequest(w, r)
	if !ok {
		return
	}
	var (
		payload any
		err     error
	)
	switch which {
	case "owner":
		payload, err = s.app.ListOwned(r.Context(), user.ID, req)
	case "borrowed":
		payload, err = s.app.ListBorrowed(user.ID, req)
	default:
		payload, err = s.app.ListReturned(user.ID, req)
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, user caller, id, event string, op func(string, string) (string, error)) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	bookID, err := op(id, user.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrForbidden) {
			s.audit(r, event, "denied", "book_id", id, "guard", apperr.GuardOf(err))
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: bookID})
}

func (s *Server) handleLending(w http.ResponseWriter, r *http.Request, user caller, id, method, event string, op func(string, string) (string, error)) {
	if r.Method != method {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, user, event) {
		return
	}
	episodeID, err := op(id, user.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrForbidden) || errors.Is(err, apperr.ErrNotFound) {
			s.audit(r, event, "denied", "book_id", id, "guard", apperr.GuardOf(err))
		}
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, event, "success", "book_id", id, "episode_id", episodeID)
	writeJSON(w, http.StatusOK, idResponse{ID: episodeID})
}

func (s *Server) handleUploadCover(w http.ResponseWriter, r *http.Request, user caller, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxCoverBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	url, err := s.app.UploadCover(r.Context(), id, user.ID, header.Filename, file, header.Size)
	if err != nil {
		if errors.Is(err, apperr.ErrForbidden) {
			s.audit(r, "book.cover", "denied", "book_id", id, "guard", apperr.GuardOf(err))
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "cover": url})
}

type idResponse struct {
	ID string `json:"id"`
}

func pageRequest(w http.ResponseWriter, r *http.Request) (domain.PageRequest, bool) {
	q := r.URL.Query()
	req := domain.PageRequest{Page: 0, Size: domain.DefaultPageSize}
	for name, dst := range map[string]*int{"page": &req.Page, "size": &req.Size} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || (name == "page" && n > domain.MaxPage) {
			writeError(w, http.StatusBadRequest, "invalid pagination parameters")
			return domain.PageRequest{}, false
		}
		*dst = n
	}
	return req.Normalize(), true
}

func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			notFound(w, "not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, user caller, event string) bool {
	if s.lendingLimiter == nil {
		return true
	}
	decision := s.lendingLimiter.Allow(r.Context(), user.ID)
	if decision.Allowed {
		return true
	}
	s.audit(r, event, "rate_limited")
	seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, "too many lending requests")
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Guard     string `json:"guard,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForBook(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps core errors onto status codes. Unclassified errors are
// logged and reported as internal.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := apperr.MessageOf(err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		Guard:     apperr.GuardOf(err),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func classify(err error) (int, string) {
	guard := apperr.GuardOf(err)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if strings.HasSuffix(guard, ".episode") {
			return http.StatusNotFound, "BOOK_RETURN_NOT_FOUND"
		}
		return http.StatusNotFound, "BOOK_NOT_FOUND"
	case errors.Is(err, apperr.ErrForbidden):
		switch {
		case strings.HasSuffix(guard, ".archived"):
			return http.StatusForbidden, "BOOK_ARCHIVED"
		case strings.HasSuffix(guard, ".eligibility"):
			return http.StatusForbidden, "BOOK_NOT_LENDABLE"
		case guard == "borrow.open_episode":
			return http.StatusForbidden, "BOOK_ALREADY_BORROWED"
		case guard == "return.episode":
			return http.StatusForbidden, "BOOK_NOT_BORROWED"
		}
		return http.StatusForbidden, "BOOK_FORBIDDEN"
	case errors.Is(err, apperr.ErrConfiguration):
		return http.StatusInternalServerError, "SYSTEM_CONFIGURATION_ERROR"
	case errors.Is(err, app.ErrCoverRequired):
		return http.StatusBadRequest, "BOOK_FILE_REQUIRED"
	case errors.Is(err, app.ErrUnsupportedCover):
		return http.StatusBadRequest, "BOOK_UNSUPPORTED_FILE_TYPE"
	case errors.Is(err, app.ErrTitleRequired),
		errors.Is(err, app.ErrAuthorRequired),
		errors.Is(err, app.ErrISBNRequired):
		return http.StatusBadRequest, "BOOK_INVALID_REQUEST"
	default:
		slog.Debug("unclassified book error", "err", err)
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}

func errorCodeForBook(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "file too large":
		return "BOOK_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "BOOK_FILE_REQUIRED"
	case message == "invalid form data":
		return "BOOK_INVALID_UPLOAD_FORM"
	case message == "invalid json body":
		return "BOOK_INVALID_REQUEST"
	case message == "invalid pagination parameters":
		return "BOOK_INVALID_PAGE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "BOOK_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "BOOK_FORBIDDEN"
	case http.StatusNotFound:
		return "BOOK_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "BOOK_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
