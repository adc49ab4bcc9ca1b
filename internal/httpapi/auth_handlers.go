package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"atlas.org/internal/audit"
	"atlas.org/internal/auth"
	"atlas.org/internal/authz"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresAt   time.Time  `json:"expires_at"`
	User        *auth.User `json:"usuario"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"senha_atual" validate:"required"`
	NewPassword     string `json:"nova_senha" validate:"required,min=8,max=128"`
}

type meResponse struct {
	ID          string               `json:"id"`
	Email       string               `json:"email"`
	Name        string               `json:"nome"`
	Staff       bool                 `json:"staff"`
	Superuser   bool                 `json:"superuser"`
	Roles       []string             `json:"cargos"`
	Permissions []string             `json:"permissoes"`
	Systems     []authz.SystemAccess `json:"sistemas"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}

	pair, user, err := a.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrInactive) {
			a.audit(r.Context(), audit.EventLoginFailed, map[string]string{
				"email":  strings.ToLower(strings.TrimSpace(req.Email)),
				"reason": domainMessage(err),
			})
		}
		writeAPIError(w, r, err)
		return
	}

	a.audit(r.Context(), audit.EventLogin, map[string]string{"user_id": user.ID})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: pair.AccessToken,
		TokenType:   pair.TokenType,
		ExpiresAt:   pair.ExpiresAt,
		User:        user,
	})
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	user, err := a.accounts.Register(r.Context(), req)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventRegistered, map[string]string{"registered_user_id": user.ID})
	w.Header().Set("Location", "/api/usuarios/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	principal, profile := principalFrom(r.Context())
	perms, err := profile.EffectivePermissions(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	roles := principal.Roles
	if roles == nil {
		roles = []string{}
	}
	permissions := perms.Strings()
	if permissions == nil {
		permissions = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:          principal.UserID,
		Email:       principal.Email,
		Name:        principal.Name,
		Staff:       principal.Staff,
		Superuser:   principal.Superuser,
		Roles:       roles,
		Permissions: permissions,
		Systems:     profile.Summary(),
	})
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	principal, _ := principalFrom(r.Context())
	err := a.accounts.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeAPIError(w, r, validationError(map[string]string{"senha_atual": "Senha atual incorreta."}))
		return
	}
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventPasswordChanged, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) checkPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resource, err := authz.ParseResourceType(q.Get("resource"))
	if err != nil {
		writeAPIError(w, r, validationError(map[string]string{"resource": "Recurso desconhecido."}))
		return
	}
	action, err := authz.ParseAction(q.Get("action"))
	if err != nil {
		writeAPIError(w, r, validationError(map[string]string{"action": "Ação desconhecida."}))
		return
	}
	_, profile := principalFrom(r.Context())
	allowed, err := profile.HasPermission(r.Context(), resource, action)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource": resource,
		"action":   action,
		"allowed":  allowed,
	})
}
