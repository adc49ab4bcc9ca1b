package auth

import (
	"context"
	"time"

	"atlas.org/internal/authz"
)

// User is an operator account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"nome"`
	PasswordHash string     `json:"-"`
	Active       bool       `json:"ativo"`
	Staff        bool       `json:"staff"`
	Superuser    bool       `json:"superuser"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RegisterInput carries a new account.
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"nome" validate:"required,max=150"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// TokenPair is the login response.
type TokenPair struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists accounts, role memberships and system links.
type Store interface {
	// CreateUser returns ErrConflict when the email is taken.
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, hash string) error
	// Anonymize overwrites personal data, deactivates the account, and removes
	// its role memberships and links in one transaction.
	Anonymize(ctx context.Context, userID, email, name string, at time.Time) error
	UserRoles(ctx context.Context, userID string) ([]string, error)
	SetUserRoles(ctx context.Context, userID string, roles []string) error
	UserLinks(ctx context.Context, userID string) ([]authz.Link, error)
}

// RoleCatalog answers whether a role exists. *authz.Registry satisfies it.
type RoleCatalog interface {
	RoleExists(ctx context.Context, name string) (bool, error)
}
