package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"atlas.org/internal/ids"
	"atlas.org/internal/obs"
)

// Standard event names.
const (
	EventAuthzDenied        = "authz.denied"
	EventLogin              = "auth.login"
	EventLoginFailed        = "auth.login_failed"
	EventRegistered         = "auth.registered"
	EventPasswordChanged    = "auth.password_changed"
	EventUserDeactivated    = "user.deactivated"
	EventRolesAssigned      = "user.roles_assigned"
	EventRoleGranted        = "role.granted"
	EventRoleRevoked        = "role.revoked"
	EventOrderCreated       = "service_order.created"
	EventOrderUpdated       = "service_order.updated"
	EventOrderStatusChanged = "service_order.status_changed"
	EventOrderDeleted       = "service_order.deleted"
	EventDocumentGenerated  = "document.generated"
	EventDocumentFailed     = "document.generation_failed"
	EventDocumentVerified   = "document.verified"
)

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := obs.Logger().Info().
		Str("type", "audit").
		Str("event", event).
		Str("event_id", ids.New())
	if rid := obs.RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if uid := obs.UserIDFromContext(ctx); uid != "" {
		e = e.Str("user_id", uid)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := zerolog.Dict()
	for _, k := range keys {
		d = d.Str(k, fields[k])
	}
	e.Dict("fields", d).Send()
	return nil
}
