package httpapi

import (
	"context"
	"net/http"
	"strings"

	"atlas.org/internal/audit"
	"atlas.org/internal/authz"
)

type assignRolesRequest struct {
	Roles []string `json:"cargos" validate:"required,dive,required,max=100"`
}

type grantRequest struct {
	Resource string   `json:"resource" validate:"required"`
	Actions  []string `json:"actions" validate:"required,min=1,dive,required"`
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	userID := r.PathValue("id")
	if err := a.accounts.Deactivate(r.Context(), principal.UserID, userID); err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventUserDeactivated, map[string]string{"target_user_id": userID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignRoles(w http.ResponseWriter, r *http.Request) {
	var req assignRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	userID := r.PathValue("id")
	roles, err := a.accounts.AssignRoles(r.Context(), userID, req.Roles)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventRolesAssigned, map[string]string{
		"target_user_id": userID,
		"roles":          strings.Join(roles, ","),
	})
	writeJSON(w, http.StatusOK, map[string]any{"usuario_id": userID, "cargos": roles})
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request) {
	a.editGrants(w, r, a.roles.Grant, audit.EventRoleGranted)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request) {
	a.editGrants(w, r, a.roles.Revoke, audit.EventRoleRevoked)
}

type grantEdit func(ctx context.Context, role string, resource authz.ResourceType, actions ...authz.Action) error

// editGrants applies a grant or revoke request to the role in the path and
// answers with the role's resulting permissions.
func (a *API) editGrants(w http.ResponseWriter, r *http.Request, apply grantEdit, event string) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	resource, err := authz.ParseResourceType(req.Resource)
	if err != nil {
		writeAPIError(w, r, validationError(map[string]string{"resource": "Recurso desconhecido."}))
		return
	}
	actions := make([]authz.Action, 0, len(req.Actions))
	for _, raw := range req.Actions {
		act, err := authz.ParseAction(raw)
		if err != nil {
			writeAPIError(w, r, validationError(map[string]string{"actions": "Ação desconhecida: " + raw + "."}))
			return
		}
		actions = append(actions, act)
	}

	role := authz.NormalizeRoleName(r.PathValue("role"))
	if err := apply(r.Context(), role, resource, actions...); err != nil {
		writeAPIError(w, r, err)
		return
	}
	perms, err := a.roles.PermissionsFor(r.Context(), role)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	changed := make([]string, 0, len(actions))
	for _, act := range actions {
		changed = append(changed, string(act))
	}
	a.audit(r.Context(), event, map[string]string{
		"role":     role,
		"resource": string(resource),
		"actions":  strings.Join(changed, ","),
	})
	writeJSON(w, http.StatusOK, map[string]any{"cargo": role, "permissoes": perms.Strings()})
}
