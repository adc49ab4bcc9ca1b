package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// GrantStore persists role grants.
type GrantStore interface {
	Roles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	// GrantActions inserts the (role, resource, action) rows that do not exist yet.
	GrantActions(ctx context.Context, role string, resource ResourceType, actions []Action) error
	RevokeActions(ctx context.Context, role string, resource ResourceType, actions []Action) error
	// RoleGrants returns ErrNotFound when the role does not exist.
	RoleGrants(ctx context.Context, role string) ([]Permission, error)
}

// Registry is the role/permission store front: validated writes plus a
// process-local cache of role grants. Only role -> grants is cached, never a
// principal's effective permissions.
type Registry struct {
	store GrantStore
	cache *expirable.LRU[string, PermissionSet]

	// gen counts writes per role. A load only fills the cache if no write
	// happened since it started.
	mu  sync.Mutex
	gen map[string]uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	size int
	ttl  time.Duration
}

// WithRoleCache sets the grant cache size and entry lifetime.
func WithRoleCache(size int, ttl time.Duration) RegistryOption {
	return func(o *registryOptions) {
		if size > 0 {
			o.size = size
		}
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// NewRegistry wraps store.
func NewRegistry(store GrantStore, opts ...RegistryOption) *Registry {
	o := registryOptions{size: 64, ttl: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		store: store,
		cache: expirable.NewLRU[string, PermissionSet](o.size, nil, o.ttl),
		gen:   map[string]uint64{},
	}
}

func (r *Registry) invalidate(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen[role]++
	r.cache.Remove(role)
}

func (r *Registry) generation(role string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen[role]
}

// fill caches set unless role was written after the load started at gen.
func (r *Registry) fill(role string, gen uint64, set PermissionSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen[role] == gen {
		r.cache.Add(role, set)
	}
}

// Grant adds actions on resource to role. Granting an action the role already
// holds is a no-op.
func (r *Registry) Grant(ctx context.Context, role string, resource ResourceType, actions ...Action) error {
	role = NormalizeRoleName(role)
	if role == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if _, err := ParseResourceType(string(resource)); err != nil {
		return err
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidInput)
	}
	clean, err := dedupeActions(actions)
	if err != nil {
		return err
	}
	if err := r.store.GrantActions(ctx, role, resource, clean); err != nil {
		return err
	}
	r.invalidate(role)
	return nil
}

// Revoke removes actions on resource from role. Revoking an action the role
// does not hold is a no-op.
func (r *Registry) Revoke(ctx context.Context, role string, resource ResourceType, actions ...Action) error {
	role = NormalizeRoleName(role)
	if role == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if _, err := ParseResourceType(string(resource)); err != nil {
		return err
	}
	if len(actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidInput)
	}
	clean, err := dedupeActions(actions)
	if err != nil {
		return err
	}
	if err := r.store.RevokeActions(ctx, role, resource, clean); err != nil {
		return err
	}
	r.invalidate(role)
	return nil
}

// PermissionsFor returns the grants of role. Unknown roles yield an empty set
// and no error so that a typo in a role assignment fails closed.
// The returned set may be shared with the cache and must not be modified.
func (r *Registry) PermissionsFor(ctx context.Context, role string) (PermissionSet, error) {
	role = NormalizeRoleName(role)
	if role == "" {
		return PermissionSet{}, nil
	}
	if set, ok := r.cache.Get(role); ok {
		return set, nil
	}
	gen := r.generation(role)
	perms, err := r.store.RoleGrants(ctx, role)
	if errors.Is(err, ErrNotFound) {
		return PermissionSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load grants for role %q: %w", role, err)
	}
	set := NewPermissionSet(perms...)
	r.fill(role, gen, set)
	return set, nil
}

// Roles lists persisted roles.
func (r *Registry) Roles(ctx context.Context) ([]Role, error) {
	return r.store.Roles(ctx)
}

// RoleExists reports whether a role with the given name is persisted.
func (r *Registry) RoleExists(ctx context.Context, name string) (bool, error) {
	name = NormalizeRoleName(name)
	roles, err := r.store.Roles(ctx)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Seed creates the built-in roles and applies DefaultGrants on every resource type.
// It is idempotent.
func (r *Registry) Seed(ctx context.Context) error {
	existing, err := r.store.Roles(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, role := range existing {
		have[role.Name] = true
	}
	for _, name := range []string{RoleConsultor, RoleGestor, RoleDiretor} {
		if !have[name] {
			if _, err := r.store.CreateRole(ctx, name, roleDescriptions[name]); err != nil {
				return fmt.Errorf("create role %s: %w", name, err)
			}
		}
		for _, resource := range allResources {
			if err := r.Grant(ctx, name, resource, DefaultGrants[name]...); err != nil {
				return fmt.Errorf("grant %s on %s: %w", name, resource, err)
			}
		}
	}
	return nil
}

var roleDescriptions = map[string]string{
	RoleConsultor: "Consultor: somente visualização",
	RoleGestor:    "Gestor: visualização, criação, edição, exclusão e exportação",
	RoleDiretor:   "Diretor: acesso total, incluindo administração",
}

func dedupeActions(actions []Action) ([]Action, error) {
	seen := make(map[Action]struct{}, len(actions))
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		parsed, err := ParseAction(string(a))
		if err != nil {
			return nil, err
		}
		if _, ok := seen[parsed]; ok {
			continue
		}
		seen[parsed] = struct{}{}
		out = append(out, parsed)
	}
	return out, nil
}
