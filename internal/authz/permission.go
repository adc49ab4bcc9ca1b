package authz

import (
	"fmt"
	"sort"
	"strings"
)

// Action is one of the CRUD-family verbs a role can be granted.
type Action string

const (
	ActionView   Action = "view"
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionAdmin  Action = "admin"
)

var allActions = []Action{ActionView, ActionAdd, ActionChange, ActionDelete, ActionExport, ActionAdmin}

// Actions lists every known action in display order.
func Actions() []Action { return append([]Action(nil), allActions...) }

// ParseAction accepts only the enumerated names.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allActions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidPermission, s)
}

// ResourceType names an entity a permission applies to.
type ResourceType string

const (
	ResourceServiceOrder     ResourceType = "ordem_servico"
	ResourceServiceOrderItem ResourceType = "ordem_servico_item"
	ResourceExpense          ResourceType = "despesa_ordem_servico"
	ResourceDocument         ResourceType = "documento_os"
	ResourceTitular          ResourceType = "titular"
	ResourceDependente       ResourceType = "dependente"
	ResourceContract         ResourceType = "contrato"
	ResourceCompany          ResourceType = "empresa"
	ResourceUser             ResourceType = "usuario"
	ResourceService          ResourceType = "servico"
	ResourceExpenseType      ResourceType = "tipo_despesa"
)

var allResources = []ResourceType{
	ResourceServiceOrder, ResourceServiceOrderItem, ResourceExpense, ResourceDocument,
	ResourceTitular, ResourceDependente, ResourceContract, ResourceCompany,
	ResourceUser, ResourceService, ResourceExpenseType,
}

// ResourceTypes lists every known resource type.
func ResourceTypes() []ResourceType { return append([]ResourceType(nil), allResources...) }

// ParseResourceType accepts only the enumerated names.
func ParseResourceType(s string) (ResourceType, error) {
	r := ResourceType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allResources {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown resource %q", ErrInvalidPermission, s)
}

// Permission is a (resource, action) pair. It is a comparable value and is used
// directly as a map key; the "resource.action" form exists only for display.
type Permission struct {
	Resource ResourceType
	Action   Action
}

func (p Permission) String() string {
	return string(p.Resource) + "." + string(p.Action)
}

// ParsePermission parses "resource.action". Both halves must be enumerated values.
func ParsePermission(s string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	r, err := ParseResourceType(resource)
	if err != nil {
		return Permission{}, err
	}
	a, err := ParseAction(action)
	if err != nil {
		return Permission{}, err
	}
	return Permission{Resource: r, Action: a}, nil
}

// PermissionSet is a set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

func (s PermissionSet) Has(resource ResourceType, action Action) bool {
	_, ok := s[Permission{Resource: resource, Action: action}]
	return ok
}

func (s PermissionSet) Add(p Permission) { s[p] = struct{}{} }

// Union returns a new set holding the members of s and other.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold exactly the same permissions.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for p := range s {
		if _, ok := other[p]; !ok {
			return false
		}
	}
	return true
}

// Strings returns the sorted "resource.action" form.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}
