package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"bookstore/internal/util"
	"bookstore/pkg/apperr"
	"bookstore/pkg/auth"
	"bookstore/pkg/domain"
	"bookstore/pkg/notify"
	"bookstore/pkg/session"
	"bookstore/pkg/store"
)

const activationSubject = "Account activation"

// Config holds runtime configuration for the auth core.
type Config struct {
	DatabaseURL string
	Store       store.Store

	Issuer   *session.Issuer
	Verifier *session.Verifier
	Sender   notify.Sender

	// ActivationURL is the front-end page that accepts ?token=<code>.
	ActivationURL string
	ActivationTTL time.Duration
	CodeLength    int

	Clock func() time.Time
}

// App implements registration, account activation and authentication.
type App struct {
	store    store.Store
	issuer   *session.Issuer
	verifier *session.Verifier
	sender   notify.Sender

	activationURL string
	activationTTL time.Duration
	codeLength    int
	now           func() time.Time

	// dummyHash keeps unknown-email logins as slow as real ones.
	dummyHash string
}

// New constructs the application. Store falls back to DatabaseURL.
func New(cfg Config) (*App, error) {
	if cfg.ActivationTTL <= 0 {
		cfg.ActivationTTL = defaultActivationTTL
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = defaultCodeLength
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Issuer == nil || cfg.Verifier == nil {
		return nil, errors.New("session issuer and verifier required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("notification sender required")
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
	dummyHash, err := auth.HashPassword("timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("init password hasher: %w", err)
	}

	return &App{
		store:         dataStore,
		issuer:        cfg.Issuer,
		verifier:      cfg.Verifier,
		sender:        cfg.Sender,
		activationURL: strings.TrimSpace(cfg.ActivationURL),
		activationTTL: cfg.ActivationTTL,
		codeLength:    cfg.CodeLength,
		now:           cfg.Clock,
		dummyHash:     dummyHash,
	}, nil
}

// Registration is the profile submitted by a new user.
type Registration struct {
	FirstName string
	LastName  string
	Email     string
	Password  string
}

// Register creates a disabled account with the USER role. It does not send
// the activation code; callers follow up with IssueActivation.
func (a *App) Register(ctx context.Context, req Registration) (domain.User, error) {
	firstName := strings.TrimSpace(req.FirstName)
	lastName := strings.TrimSpace(req.LastName)
	if firstName == "" || lastName == "" {
		return domain.User{}, ErrNameRequired
	}
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return domain.User{}, err
	}
	if req.Password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return domain.User{}, err
	}

	role, ok, err := a.store.GetRoleByName(domain.RoleUser)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch role: %w", err)
	}
	if !ok {
		return domain.User{}, apperr.Configuration("register.role", "ROLE USER was not initialized")
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := a.now()
	user := domain.User{
		ID:           util.NewID(),
		FirstName:    firstName,
		LastName:     lastName,
		Email:        email,
		PasswordHash: hash,
		Enabled:      false,
		Locked:       false,
		Roles:        []string{role.Name},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		// A concurrent registration may win the unique email index.
		if exists, checkErr := a.store.HasUserEmail(email); checkErr == nil && exists {
			return domain.User{}, ErrEmailAlreadyExists
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user registered", "user_id", user.ID)
	return user, nil
}

// IssueActivation binds a fresh activation code to user and sends it. When
// sending fails the token stays persisted and a Delivery error is returned.
func (a *App) IssueActivation(ctx context.Context, user domain.User) error {
	code, err := a.bindToken(user)
	if err != nil {
		return err
	}
	msg := notify.Message{
		To:            user.Email,
		Name:          user.FullName(),
		Template:      notify.TemplateActivateAccount,
		ActivationURL: a.activationURL,
		Code:          code,
		Subject:       activationSubject,
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		util.LoggerFromContext(ctx).Warn("activation delivery failed", "user_id", user.ID, "err", err)
		return apperr.Delivery("activation.send", err)
	}
	return nil
}

// Activate consumes an activation code. An expired code of a still pending
// account triggers a new activation and reports ExpiredToken.
func (a *App) Activate(ctx context.Context, code string) (domain.User, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.User{}, apperr.NotFound("activation.token", "invalid token")
	}
	token, ok, err := a.store.GetTokenByCode(code)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch token: %w", err)
	}
	if !ok {
		return domain.User{}, apperr.NotFound("activation.token", "invalid token")
	}

	now := a.now()
	if token.Expired(now) {
		user, ok, err := a.store.GetUserByID(token.UserID)
		if err != nil {
			return domain.User{}, fmt.Errorf("fetch user: %w", err)
		}
		if !ok || user.Enabled {
			return domain.User{}, apperr.NotFound("activation.token", "invalid token")
		}
		if err := a.IssueActivation(ctx, user); err != nil {
			return domain.User{}, err
		}
		return domain.User{}, apperr.ExpiredToken("activation.expired",
			"Activation token has expired. A new token has been sent to the same email address")
	}

	user, err := a.store.ConsumeToken(token.ID, now)
	if errors.Is(err, store.ErrTokenConsumed) || errors.Is(err, store.ErrUserMissing) {
		return domain.User{}, apperr.NotFound("activation.token", "invalid token")
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("activate account: %w", err)
	}
	util.LoggerFromContext(ctx).Info("account activated", "user_id", user.ID)
	return user, nil
}

// ResendActivation issues a new code for a pending account. Unknown and
// already active accounts are silently ignored.
func (a *App) ResendActivation(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Enabled {
		return nil
	}
	return a.IssueActivation(ctx, user)
}

// Authenticate checks credentials and returns a signed session token.
func (a *App) Authenticate(ctx context.Context, email, password string) (string, domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", domain.User{}, ErrEmailAndPasswordRequired
	}
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return "", domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		auth.CheckPassword(password, a.dummyHash)
		return "", domain.User{}, ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return "", domain.User{}, ErrInvalidCredentials
	}
	if user.Locked {
		return "", domain.User{}, ErrAccountLocked
	}
	if !user.Enabled {
		return "", domain.User{}, ErrAccountDisabled
	}
	token, err := a.issuer.NewSession(user.ID, session.Profile{
		FullName: user.FullName(),
		Roles:    user.Roles,
	})
	if err != nil {
		return "", domain.User{}, fmt.Errorf("issue session: %w", err)
	}
	return token, user, nil
}

// UserFromToken resolves the account behind a bearer token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	claims, err := a.verifier.Verify(ctx, token)
	if err != nil {
		slog.Debug("session rejected", "err", err)
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(claims.Subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !user.Enabled || user.Locked {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// Logout revokes the presented token until it expires.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.verifier.Revoke(ctx, token)
}

// JWKS exposes the verification keys for other services.
func (a *App) JWKS() []session.JWK {
	return a.verifier.JWKS()
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrEmailAndPasswordRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}
