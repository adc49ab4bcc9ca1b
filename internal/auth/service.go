package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"atlas.org/internal/authz"
	"atlas.org/internal/ids"
)

// Service manages accounts and resolves principals for authorization.
type Service struct {
	store  Store
	roles  RoleCatalog
	tokens *Tokens
	now    func() time.Time
	cost   int
	valid  *validator.Validate
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
			s.tokens.now = fn
		}
	}
}

// WithBcryptCost lowers hashing cost, for tests.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// NewService wires the store, role catalog and token signer.
func NewService(store Store, roles RoleCatalog, tokens *Tokens, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		roles:  roles,
		tokens: tokens,
		now:    time.Now,
		cost:   bcrypt.DefaultCost,
		valid:  validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an active, unprivileged account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if err := s.valid.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	hash, err := hashPasswordCost(in.Password, s.cost)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	u := &User{
		ID:           ids.NewUUID(),
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login checks credentials and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	u, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, nil, err
	}
	if u.DeletedAt != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if !u.Active {
		return TokenPair{}, nil, ErrInactive
	}
	pair, err := s.tokens.Issue(u)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, u, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(u.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	hash, err := hashPasswordCost(next, s.cost)
	if err != nil {
		return err
	}
	return s.store.UpdatePassword(ctx, u.ID, hash)
}

// Deactivate soft-deletes userID and anonymizes its personal data.
func (s *Service) Deactivate(ctx context.Context, actorID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if actorID == userID {
		return fmt.Errorf("%w: users cannot delete their own account", ErrInvalidInput)
	}
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.DeletedAt != nil {
		return ErrNotFound
	}
	return s.store.Anonymize(ctx, u.ID, anonymizedEmail(u.ID), anonymizedName, s.now().UTC())
}

const anonymizedName = "Usuário Removido"

func anonymizedEmail(id string) string {
	return "deleted_" + id + "@anonimo.local"
}

// AssignRoles replaces the role memberships of userID. Every role must exist.
func (s *Service) AssignRoles(ctx context.Context, userID string, roles []string) ([]string, error) {
	seen := make(map[string]bool, len(roles))
	clean := make([]string, 0, len(roles))
	for _, r := range roles {
		name := authz.NormalizeRoleName(r)
		if name == "" || seen[name] {
			continue
		}
		ok, err := s.roles.RoleExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
		}
		seen[name] = true
		clean = append(clean, name)
	}
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if err := s.store.SetUserRoles(ctx, u.ID, clean); err != nil {
		return nil, err
	}
	return clean, nil
}

// User loads one account.
func (s *Service) User(ctx context.Context, userID string) (*User, error) {
	return s.store.UserByID(ctx, userID)
}

// Principal loads the user with its roles and links.
func (s *Service) Principal(ctx context.Context, userID string) (*authz.Principal, error) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles, err := s.store.UserRoles(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	links, err := s.store.UserLinks(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &authz.Principal{
		UserID:    u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Active:    u.Active && u.DeletedAt == nil,
		Staff:     u.Staff,
		Superuser: u.Superuser,
		Roles:     roles,
		Links:     links,
	}, nil
}

// Authenticate validates an access token and resolves its principal. Inactive
// accounts are returned as such; the authorization pipeline refuses them.
func (s *Service) Authenticate(ctx context.Context, token string) (*authz.Principal, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	p, err := s.Principal(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	return p, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
