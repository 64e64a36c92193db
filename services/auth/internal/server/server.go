package server

import (
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
	"bookstore/pkg/auth"
	"bookstore/pkg/domain"
	"bookstore/services/auth/internal/app"
	"bookstore/services/auth/internal/security"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Redis          *redis.Client
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string

	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	ActivateRateLimitPerMinute int
	ResendRateLimitPerMinute   int
	ResendAfter                time.Duration
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	alerter        *security.AuditAlerter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	resend         *resendGuard

	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	activateLimiter *ratelimit.FixedWindowLimiter
	resendLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("auth app required")
	}
	newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			limit = fallback
		}
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "bookstore:auth:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", cfg.RegisterRateLimitPerMinute, 5)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", cfg.LoginRateLimitPerMinute, 10)
	if err != nil {
		return nil, err
	}
	activateLimiter, err := newLimiter("activate", cfg.ActivateRateLimitPerMinute, 10)
	if err != nil {
		return nil, err
	}
	resendLimiter, err := newLimiter("resend", cfg.ResendRateLimitPerMinute, 3)
	if err != nil {
		return nil, err
	}
	resend, err := newResendGuard(cfg.Redis, cfg.ResendAfter)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		alerter:         cfg.Alerter,
		trustedProxies:  cfg.TrustedProxies,
		corsOrigins:     cfg.CORSOrigins,
		resend:          resend,
		registerLimiter: registerLimiter,
		loginLimiter:    loginLimiter,
		activateLimiter: activateLimiter,
		resendLimiter:   resendLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("auth", util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/authentication", s.handleAuthenticate)
	s.mux.HandleFunc("/auth/activate-account", s.handleActivate)
	s.mux.HandleFunc("/auth/resend-activation", s.handleResendActivation)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.me", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			s.audit(r, "auth.me", "fail", "reason", "invalid_token")
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "auth.register", "too many registration attempts") {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "auth.register", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(r.Context(), app.Registration{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		s.audit(r, "auth.register", "fail", "email", maskEmail(req.Email), "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	if _, err := s.resend.Acquire(r.Context(), user.Email); err != nil {
		util.LoggerFromContext(r.Context()).Warn("resend cooldown unavailable", "err", err)
	}
	if err := s.app.IssueActivation(r.Context(), user); err != nil {
		s.resend.Release(r.Context(), user.Email)
		s.audit(r, "auth.register", "fail", "user_id", user.ID, "reason", "activation_send")
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "auth.login", "too many login attempts") {
		return
	}
	var req authenticationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "auth.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, user, err := s.app.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "email", maskEmail(req.Email), "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authenticationResponse{Token: token})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.activateLimiter, "auth.activate", "too many activation attempts") {
		return
	}
	user, err := s.app.Activate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		s.audit(r, "auth.activate", "fail", "guard", apperr.GuardOf(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.activate", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (s *Server) handleResendActivation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.resendLimiter, "auth.activation.resend", "too many activation requests") {
		return
	}
	var req resendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "auth.activation.resend", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acquired, err := s.resend.Acquire(r.Context(), req.Email)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("resend cooldown check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	if !acquired {
		// Same response as a successful resend; the address is not probed.
		s.audit(r, "auth.activation.resend", "cooldown", "email", maskEmail(req.Email))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.app.ResendActivation(r.Context(), req.Email); err != nil {
		s.resend.Release(r.Context(), req.Email)
		s.audit(r, "auth.activation.resend", "fail", "email", maskEmail(req.Email), "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.activation.resend", "success", "email", maskEmail(req.Email))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "auth.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type authenticationRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authenticationResponse struct {
	Token string `json:"token"`
}

type resendRequest struct {
	Email string `json:"email"`
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
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Debug("security alert counter unavailable", "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, event, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	s.audit(r, event, "rate_limited")
	seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, msg)
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
		Code:      errorCodeForAuth(status, msg),
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
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
		if status == http.StatusServiceUnavailable {
			msg = "failed to deliver activation e-mail"
		}
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		Guard:     apperr.GuardOf(err),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "AUTH_TOKEN_INVALID"
	case errors.Is(err, apperr.ErrExpiredToken):
		return http.StatusGone, "AUTH_TOKEN_EXPIRED"
	case errors.Is(err, apperr.ErrDelivery):
		return http.StatusServiceUnavailable, "AUTH_DELIVERY_FAILED"
	case errors.Is(err, apperr.ErrConfiguration):
		return http.StatusInternalServerError, "SYSTEM_CONFIGURATION_ERROR"
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden, "AUTH_FORBIDDEN"
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS"
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusUnauthorized, "AUTH_INVALID_TOKEN"
	case errors.Is(err, app.ErrAccountDisabled):
		return http.StatusForbidden, "AUTH_ACCOUNT_DISABLED"
	case errors.Is(err, app.ErrAccountLocked):
		return http.StatusForbidden, "AUTH_ACCOUNT_LOCKED"
	case errors.Is(err, app.ErrEmailAlreadyExists):
		return http.StatusConflict, "AUTH_EMAIL_EXISTS"
	case errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrNameRequired),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		return http.StatusBadRequest, "AUTH_INVALID_REQUEST"
	default:
		slog.Debug("unclassified auth error", "err", err)
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}

func errorCodeForAuth(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "invalid json body":
		return "AUTH_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}
	switch status {
	case http.StatusBadRequest:
		return "AUTH_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusTooManyRequests:
		return "AUTH_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
