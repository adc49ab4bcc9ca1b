package authz

import (
	"strings"
	"time"
)

// SystemCode identifies an operating system (module) of the back office.
type SystemCode string

const (
	// SystemShared marks routes that belong to no single system.
	SystemShared        SystemCode = ""
	SystemPrazos        SystemCode = "prazos"
	SystemServiceOrders SystemCode = "ordem_servico"
)

var allSystems = []SystemCode{SystemServiceOrders, SystemPrazos}

// Systems lists every enumerated system.
func Systems() []SystemCode { return append([]SystemCode(nil), allSystems...) }

// ParseSystemCode maps a header or query value onto a known system. Unknown
// values yield SystemShared and false.
func ParseSystemCode(s string) (SystemCode, bool) {
	c := SystemCode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allSystems {
		if c == known {
			return c, true
		}
	}
	return SystemShared, false
}

// DisplayName is the user-facing system name used in denial messages.
func (c SystemCode) DisplayName() string {
	switch c {
	case SystemPrazos:
		return "Prazos"
	case SystemServiceOrders:
		return "Ordens de Serviço"
	default:
		return string(c)
	}
}

// DepartmentCode identifies an organizational department.
type DepartmentCode string

const (
	DepartmentConsular   DepartmentCode = "consular"
	DepartmentJuridico   DepartmentCode = "juridico"
	DepartmentTI         DepartmentCode = "ti"
	DepartmentRH         DepartmentCode = "rh"
	DepartmentFinanceiro DepartmentCode = "financeiro"
	DepartmentDiretoria  DepartmentCode = "diretoria"
)

// System is the persisted system row.
type System struct {
	ID     string     `json:"id"`
	Code   SystemCode `json:"code"`
	Name   string     `json:"name"`
	Active bool       `json:"active"`
}

// Department is the persisted department row.
type Department struct {
	ID     string         `json:"id"`
	Code   DepartmentCode `json:"code"`
	Name   string         `json:"name"`
	Active bool           `json:"active"`
}

// Link ties a user to one (System, Department) pair.
type Link struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	System     System     `json:"system"`
	Department Department `json:"department"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Grants reports whether the link confers access. The link, its system and its
// department must all be active.
func (l Link) Grants() bool {
	return l.Active && l.System.Active && l.Department.Active
}

// Role is a named permission bundle (cargo).
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Built-in roles, lowest to highest.
const (
	RoleConsultor = "consultor"
	RoleGestor    = "gestor"
	RoleDiretor   = "diretor"
)

var roleRank = map[string]int{
	RoleConsultor: 1,
	RoleGestor:    2,
	RoleDiretor:   3,
}

// DefaultGrants are the actions each built-in role receives on every resource type.
var DefaultGrants = map[string][]Action{
	RoleConsultor: {ActionView},
	RoleGestor:    {ActionView, ActionAdd, ActionChange, ActionDelete, ActionExport},
	RoleDiretor:   {ActionView, ActionAdd, ActionChange, ActionDelete, ActionExport, ActionAdmin},
}

// Principal is the authenticated identity an authorization decision is made for.
// It carries no permission cache; see Profile.
type Principal struct {
	UserID    string
	Email     string
	Name      string
	Active    bool
	Staff     bool
	Superuser bool
	Roles     []string
	Links     []Link
}

// NormalizeRoleName lower-cases and trims a role name.
func NormalizeRoleName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
