package authz

import (
	"context"
	"sort"
	"sync"
)

// PermissionSource resolves role grants. *Registry satisfies it.
type PermissionSource interface {
	PermissionsFor(ctx context.Context, role string) (PermissionSet, error)
}

// Profile answers "what can this principal do, and where" for the lifetime of
// one request. Effective permissions are computed at most once per Profile;
// a new request builds a new Profile, so role changes are seen on the next request.
type Profile struct {
	principal Principal
	source    PermissionSource

	once  sync.Once
	perms PermissionSet
	err   error
}

// NewProfile binds p to a permission source.
func NewProfile(p Principal, source PermissionSource) *Profile {
	return &Profile{principal: p, source: source}
}

// Principal returns a copy of the bound principal.
func (p *Profile) Principal() Principal { return p.principal }

func (p *Profile) IsSuperuser() bool { return p.principal.Superuser }

func (p *Profile) IsActive() bool { return p.principal.Active }

// EffectivePermissions is the union of the grants of every role held.
func (p *Profile) EffectivePermissions(ctx context.Context) (PermissionSet, error) {
	p.once.Do(func() {
		union := PermissionSet{}
		for _, role := range p.principal.Roles {
			set, err := p.source.PermissionsFor(ctx, role)
			if err != nil {
				p.err = err
				return
			}
			union = union.Union(set)
		}
		p.perms = union
	})
	return p.perms, p.err
}

// HasPermission short-circuits for superusers; otherwise it checks the
// effective permission set.
func (p *Profile) HasPermission(ctx context.Context, resource ResourceType, action Action) (bool, error) {
	if p.principal.Superuser {
		return true, nil
	}
	perms, err := p.EffectivePermissions(ctx)
	if err != nil {
		return false, err
	}
	return perms.Has(resource, action), nil
}

// Systems returns the systems reachable through granting links, or every
// system for a superuser. The result is sorted.
func (p *Profile) Systems() []SystemCode {
	if p.principal.Superuser {
		return Systems()
	}
	seen := map[SystemCode]bool{}
	var out []SystemCode
	for _, l := range p.principal.Links {
		if !l.Grants() || seen[l.System.Code] {
			continue
		}
		seen[l.System.Code] = true
		out = append(out, l.System.Code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Departments returns departments of granting links, optionally restricted to
// one system (SystemShared means all).
func (p *Profile) Departments(system SystemCode) []DepartmentCode {
	seen := map[DepartmentCode]bool{}
	var out []DepartmentCode
	for _, l := range p.principal.Links {
		if !l.Grants() {
			continue
		}
		if system != SystemShared && l.System.Code != system {
			continue
		}
		if seen[l.Department.Code] {
			continue
		}
		seen[l.Department.Code] = true
		out = append(out, l.Department.Code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasSystemAccess reports whether the principal may operate in system.
// Shared routes are always accessible.
func (p *Profile) HasSystemAccess(system SystemCode) bool {
	if system == SystemShared || p.principal.Superuser {
		return true
	}
	for _, l := range p.principal.Links {
		if l.Grants() && l.System.Code == system {
			return true
		}
	}
	return false
}

// HasDepartmentAccess reports whether a granting link exists for the pair.
func (p *Profile) HasDepartmentAccess(system SystemCode, department DepartmentCode) bool {
	if p.principal.Superuser {
		return true
	}
	for _, l := range p.principal.Links {
		if !l.Grants() || l.Department.Code != department {
			continue
		}
		if system == SystemShared || l.System.Code == system {
			return true
		}
	}
	return false
}

// HighestRole returns the highest-ranked built-in role held, or "" when the
// principal holds none. Superusers report diretor.
func (p *Profile) HighestRole() string {
	if p.principal.Superuser {
		return RoleDiretor
	}
	best, bestRank := "", 0
	for _, r := range p.principal.Roles {
		name := NormalizeRoleName(r)
		if rank := roleRank[name]; rank > bestRank {
			best, bestRank = name, rank
		}
	}
	return best
}

// SystemAccess is one entry of the aggregated access view.
type SystemAccess struct {
	System      SystemCode       `json:"sistema"`
	Name        string           `json:"nome"`
	Departments []DepartmentCode `json:"departamentos"`
	Role        string           `json:"cargo,omitempty"`
}

// Summary lists each available system with its departments and the highest role.
func (p *Profile) Summary() []SystemAccess {
	role := p.HighestRole()
	systems := p.Systems()
	out := make([]SystemAccess, 0, len(systems))
	for _, s := range systems {
		out = append(out, SystemAccess{
			System:      s,
			Name:        s.DisplayName(),
			Departments: p.Departments(s),
			Role:        role,
		})
	}
	return out
}

type profileCtxKey struct{}

// ContextWithProfile stores the request-scoped profile.
func ContextWithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileCtxKey{}, p)
}

// ProfileFromContext returns the request-scoped profile if any.
func ProfileFromContext(ctx context.Context) (*Profile, bool) {
	p, ok := ctx.Value(profileCtxKey{}).(*Profile)
	return p, ok && p != nil
}
