package authz

import (
	"context"
	"fmt"
	"strings"
)

// Denial codes surfaced to clients.
const (
	CodeAccountInactive        = "ACCOUNT_INACTIVE"
	CodeSystemAccessDenied     = "SYSTEM_ACCESS_DENIED"
	CodeSystemSwitchRequired   = "SYSTEM_SWITCH_REQUIRED"
	CodeDepartmentAccessDenied = "DEPARTMENT_ACCESS_DENIED"
	CodeForbiddenView          = "FORBIDDEN_VIEW"
	CodeForbiddenAdd           = "FORBIDDEN_ADD"
	CodeForbiddenChange        = "FORBIDDEN_CHANGE"
	CodeForbiddenDelete        = "FORBIDDEN_DELETE"
	CodeForbiddenExport        = "FORBIDDEN_EXPORT"
	CodeForbidden              = "FORBIDDEN"
)

// Target describes the operation being authorized.
type Target struct {
	System     SystemCode
	Department DepartmentCode
	Resource   ResourceType
	Action     Action
	// ActiveSystem is the system the client currently operates in, if it said so.
	ActiveSystem SystemCode
}

// Denial is returned when a check refuses access.
type Denial struct {
	Code             string
	Message          string
	System           SystemCode
	Resource         ResourceType
	Action           Action
	AvailableSystems []SystemCode
}

func (d *Denial) Error() string {
	return fmt.Sprintf("authz: %s: %s", strings.ToLower(d.Code), d.Message)
}

// Check is one stage of the authorization pipeline. It returns a *Denial to
// refuse, another error for infrastructure failures, or nil.
type Check interface {
	Evaluate(ctx context.Context, p *Profile, t Target) error
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context, p *Profile, t Target) error

func (f CheckFunc) Evaluate(ctx context.Context, p *Profile, t Target) error { return f(ctx, p, t) }

// InactiveAccountCheck refuses deactivated principals. It applies to superusers too.
type InactiveAccountCheck struct{}

func (InactiveAccountCheck) Evaluate(_ context.Context, p *Profile, t Target) error {
	if p.IsActive() {
		return nil
	}
	return &Denial{
		Code:     CodeAccountInactive,
		Message:  MessageAccountInactive,
		System:   t.System,
		Resource: t.Resource,
		Action:   t.Action,
	}
}

// SystemScopeCheck requires a granting link into the target system and, when
// the client declared an active system, that it matches.
type SystemScopeCheck struct{}

func (SystemScopeCheck) Evaluate(_ context.Context, p *Profile, t Target) error {
	if t.System == SystemShared || p.IsSuperuser() {
		return nil
	}
	if !p.HasSystemAccess(t.System) {
		available := p.Systems()
		return &Denial{
			Code:             CodeSystemAccessDenied,
			Message:          systemDeniedMessage(t.System, available),
			System:           t.System,
			Resource:         t.Resource,
			Action:           t.Action,
			AvailableSystems: available,
		}
	}
	if t.ActiveSystem != SystemShared && t.ActiveSystem != t.System {
		return &Denial{
			Code:             CodeSystemSwitchRequired,
			Message:          systemSwitchMessage(t.System),
			System:           t.System,
			Resource:         t.Resource,
			Action:           t.Action,
			AvailableSystems: p.Systems(),
		}
	}
	return nil
}

// DepartmentScopeCheck only applies when the request named a department.
type DepartmentScopeCheck struct{}

func (DepartmentScopeCheck) Evaluate(_ context.Context, p *Profile, t Target) error {
	if t.Department == "" || p.IsSuperuser() {
		return nil
	}
	if p.HasDepartmentAccess(t.System, t.Department) {
		return nil
	}
	return &Denial{
		Code:     CodeDepartmentAccessDenied,
		Message:  MessageDepartmentDenied,
		System:   t.System,
		Resource: t.Resource,
		Action:   t.Action,
	}
}

// ActionPermissionCheck requires resource.action among the effective permissions.
type ActionPermissionCheck struct{}

func (ActionPermissionCheck) Evaluate(ctx context.Context, p *Profile, t Target) error {
	ok, err := p.HasPermission(ctx, t.Resource, t.Action)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	code, msg := actionDenial(t.Action)
	return &Denial{
		Code:     code,
		Message:  msg,
		System:   t.System,
		Resource: t.Resource,
		Action:   t.Action,
	}
}

// Pipeline evaluates checks in order and stops at the first failure.
type Pipeline struct {
	checks []Check
}

// NewPipeline builds a pipeline from checks.
func NewPipeline(checks ...Check) *Pipeline {
	return &Pipeline{checks: append([]Check(nil), checks...)}
}

// DefaultPipeline is account, system, department, then action.
func DefaultPipeline() *Pipeline {
	return NewPipeline(
		InactiveAccountCheck{},
		SystemScopeCheck{},
		DepartmentScopeCheck{},
		ActionPermissionCheck{},
	)
}

// Authorize returns nil, a *Denial, or an infrastructure error.
func (pl *Pipeline) Authorize(ctx context.Context, p *Profile, t Target) error {
	if p == nil {
		return fmt.Errorf("%w: missing profile", ErrInvalidInput)
	}
	for _, c := range pl.checks {
		if err := c.Evaluate(ctx, p, t); err != nil {
			return err
		}
	}
	return nil
}
