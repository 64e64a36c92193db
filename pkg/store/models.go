package store

import "time"

// GORM models used for persistence.
type RoleModel struct {
	ID        string    `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type UserModel struct {
	ID           string `gorm:"primaryKey"`
	FirstName    string `gorm:"not null"`
	LastName     string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Enabled      bool   `gorm:"not null"`
	Locked       bool   `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type UserRoleModel struct {
	UserID string `gorm:"primaryKey"`
	RoleID string `gorm:"primaryKey;index"`
}

type TokenModel struct {
	ID          string     `gorm:"primaryKey"`
	UserID      string     `gorm:"not null;index"`
	Code        string     `gorm:"not null;index"`
	CreatedAt   time.Time  `gorm:"not null"`
	ExpiresAt   time.Time  `gorm:"not null;index"`
	ValidatedAt *time.Time `gorm:"index"`
}

type BookModel struct {
	ID         string `gorm:"primaryKey"`
	OwnerID    string `gorm:"not null;index"`
	Title      string `gorm:"not null"`
	AuthorName string `gorm:"not null"`
	ISBN       string `gorm:"column:isbn;not null"`
	Synopsis   string `gorm:"type:text"`
	Rate       float64
	Archived   bool      `gorm:"not null;index"`
	Shareable  bool      `gorm:"not null"`
	Cover      string
	CreatedAt  time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// BookTransactionModel is one borrowing episode. The partial unique index
// created in migrate keeps a single open episode per book.
type BookTransactionModel struct {
	ID             string    `gorm:"primaryKey"`
	BookID         string    `gorm:"not null;index"`
	UserID         string    `gorm:"not null;index"`
	Returned       bool      `gorm:"not null"`
	ReturnApproved bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time `gorm:"not null"`
}
