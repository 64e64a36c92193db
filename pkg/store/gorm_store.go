package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"bookstore/pkg/domain"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51_712_604

// SQLitePrefix selects the embedded SQLite driver, e.g. "sqlite:/var/lib/bookstore.db".
const SQLitePrefix = "sqlite:"

type GormStoreOptions struct {
	MaxOpenConns int
	LogLevel     gormlogger.LogLevel
}

type GormStoreOption func(*GormStoreOptions)

// WithMaxOpenConns caps the connection pool. SQLite callers should pass 1.
func WithMaxOpenConns(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxOpenConns = n
	}
}

// WithLogLevel overrides the gorm logger level (default Warn).
func WithLogLevel(level gormlogger.LogLevel) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB named by dsn and runs migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{LogLevel: gormlogger.Warn}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	var dialector gorm.Dialector
	postgresDB := true
	if path, ok := strings.CutPrefix(dsn, SQLitePrefix); ok {
		dialector = sqlite.Open(path)
		postgresDB = false
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if postgresDB {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&RoleModel{},
		&UserModel{},
		&UserRoleModel{},
		&TokenModel{},
		&BookModel{},
		&BookTransactionModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// Postgres and SQLite both accept partial indexes with this syntax.
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_book_transaction_open
		ON book_transaction_models (book_id)
		WHERE returned = false
	`).Error; err != nil {
		return fmt.Errorf("ensure open episode index: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// EnsureRole creates the named role if missing and returns it.
func (s *GormStore) EnsureRole(name string) (domain.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Role{}, errors.New("role name required")
	}
	model := RoleModel{ID: newID(), Name: name, CreatedAt: s.now()}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return domain.Role{}, err
	}
	role, ok, err := s.GetRoleByName(name)
	if err != nil {
		return domain.Role{}, err
	}
	if !ok {
		return domain.Role{}, ErrRoleMissing
	}
	return role, nil
}

// GetRoleByName looks up a role.
func (s *GormStore) GetRoleByName(name string) (domain.Role, bool, error) {
	var model RoleModel
	if err := s.db.Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Role{}, false, nil
		}
		return domain.Role{}, false, err
	}
	return domain.Role{ID: model.ID, Name: model.Name, CreatedAt: model.CreatedAt}, true, nil
}

// SaveUser registers or updates a user and replaces its role links.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "email", "password_hash", "enabled", "locked", "updated_at"}),
		}).Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", model.ID).Delete(&UserRoleModel{}).Error; err != nil {
			return err
		}
		if len(u.Roles) == 0 {
			return nil
		}
		var roles []RoleModel
		if err := tx.Where("name IN ?", u.Roles).Find(&roles).Error; err != nil {
			return err
		}
		if len(roles) != len(uniqueStrings(u.Roles)) {
			return ErrRoleMissing
		}
		links := make([]UserRoleModel, 0, len(roles))
		for _, r := range roles {
			links = append(links, UserRoleModel{UserID: model.ID, RoleID: r.ID})
		}
		return tx.Create(&links).Error
	})
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	return s.getUser(s.db, "email = ?", email)
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	return s.getUser(s.db, "id = ?", id)
}

func (s *GormStore) getUser(db *gorm.DB, query string, arg string) (domain.User, bool, error) {
	var model UserModel
	if err := db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	var roles []string
	if err := db.Model(&RoleModel{}).
		Joins("JOIN user_role_models ur ON ur.role_id = role_models.id").
		Where("ur.user_id = ?", model.ID).
		Order("role_models.name ASC").
		Pluck("role_models.name", &roles).Error; err != nil {
		return domain.User{}, false, err
	}
	user := userFromModel(model)
	user.Roles = roles
	return user, true, nil
}

// SaveToken stores a freshly issued activation token.
func (s *GormStore) SaveToken(t domain.Token) error {
	model := tokenToModel(t)
	return s.db.Create(&model).Error
}

// GetTokenByCode returns the newest unvalidated token carrying code.
// Expired tokens are still returned so callers can react to expiry.
func (s *GormStore) GetTokenByCode(code string) (domain.Token, bool, error) {
	var model TokenModel
	if err := s.db.Where("code = ? AND validated_at IS NULL", code).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Token{}, false, nil
		}
		return domain.Token{}, false, err
	}
	return tokenFromModel(model), true, nil
}

// ListTokensByUser returns every token issued to a user, oldest first.
func (s *GormStore) ListTokensByUser(userID string) ([]domain.Token, error) {
	var models []TokenModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Token, 0, len(models))
	for _, m := range models {
		res = append(res, tokenFromModel(m))
	}
	return res, nil
}

// ConsumeToken marks the token validated and enables its user in one
// transaction. The conditional update lets exactly one concurrent caller win.
// Every other pending token of the user is marked validated as well.
func (s *GormStore) ConsumeToken(tokenID string, at time.Time) (domain.User, error) {
	at = at.UTC()
	var user domain.User
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TokenModel{}).
			Where("id = ? AND validated_at IS NULL", tokenID).
			Update("validated_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTokenConsumed
		}
		var token TokenModel
		if err := tx.First(&token, "id = ?", tokenID).Error; err != nil {
			return err
		}
		res = tx.Model(&UserModel{}).
			Where("id = ?", token.UserID).
			Updates(map[string]any{"enabled": true, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserMissing
		}
		// Retire the user's other pending codes so none of them resolves again.
		if err := tx.Model(&TokenModel{}).
			Where("user_id = ? AND validated_at IS NULL", token.UserID).
			Update("validated_at", at).Error; err != nil {
			return err
		}
		u, ok, err := s.getUser(tx, "id = ?", token.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserMissing
		}
		user = u
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// DeleteExpiredTokens removes tokens whose expiry is before the cutoff.
func (s *GormStore) DeleteExpiredTokens(before time.Time) (int64, error) {
	res := s.db.Where("expires_at < ?", before.UTC()).Delete(&TokenModel{})
	return res.RowsAffected, res.Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Enabled:      u.Enabled,
		Locked:       u.Locked,
		CreatedAt:    u.CreatedAt.UTC(),
		UpdatedAt:    u.UpdatedAt.UTC(),
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Enabled:      m.Enabled,
		Locked:       m.Locked,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func tokenToModel(t domain.Token) TokenModel {
	var validated *time.Time
	if t.ValidatedAt != nil {
		v := t.ValidatedAt.UTC()
		validated = &v
	}
	return TokenModel{
		ID:          t.ID,
		UserID:      t.UserID,
		Code:        t.Code,
		CreatedAt:   t.CreatedAt.UTC(),
		ExpiresAt:   t.ExpiresAt.UTC(),
		ValidatedAt: validated,
	}
}

func tokenFromModel(m TokenModel) domain.Token {
	return domain.Token{
		ID:          m.ID,
		UserID:      m.UserID,
		Code:        m.Code,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		ValidatedAt: m.ValidatedAt,
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
