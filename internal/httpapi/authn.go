package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"atlas.org/internal/audit"
	"atlas.org/internal/auth"
	"atlas.org/internal/authz"
	"atlas.org/internal/obs"
)

const (
	authHeader          = "Authorization"
	bearer              = "Bearer "
	activeSystemHeader  = "X-Active-Sistema"
	activeDeptHeader    = "X-Active-Department"
	departmentQueryName = "department"
)

var errMissingToken = errors.New("missing bearer token")

// authenticated resolves the bearer token into a request-scoped Profile.
// Inactive accounts are refused here so that routes without a guard are
// covered too.
func (a *API) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if errors.Is(err, errMissingToken) {
			writeAPIError(w, r, errAuthRequired)
			return
		}
		if err != nil {
			writeAPIError(w, r, errTokenInvalid)
			return
		}

		principal, err := a.accounts.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				writeAPIError(w, r, errTokenExpired)
			case errors.Is(err, auth.ErrTokenInvalid):
				writeAPIError(w, r, errTokenInvalid)
			default:
				writeAPIError(w, r, err)
			}
			return
		}

		profile := authz.NewProfile(*principal, a.roles)
		ctx := obs.WithUserID(r.Context(), principal.UserID)
		ctx = authz.ContextWithProfile(ctx, profile)
		r = r.WithContext(ctx)

		if err := (authz.InactiveAccountCheck{}).Evaluate(ctx, profile, authz.Target{}); err != nil {
			a.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// guard authenticates and then runs the authorization pipeline for the
// route's resource and action. The system is resolved from the path.
func (a *API) guard(resource authz.ResourceType, action authz.Action, h http.HandlerFunc) http.Handler {
	return a.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		profile, _ := authz.ProfileFromContext(r.Context())
		if err := a.pipeline.Authorize(r.Context(), profile, targetFor(r, resource, action)); err != nil {
			a.deny(w, r, err)
			return
		}
		h(w, r)
	}))
}

func targetFor(r *http.Request, resource authz.ResourceType, action authz.Action) authz.Target {
	t := authz.Target{
		System:   authz.ResolveSystem(r.URL.Path),
		Resource: resource,
		Action:   action,
	}
	if sys, ok := authz.ParseSystemCode(r.Header.Get(activeSystemHeader)); ok {
		t.ActiveSystem = sys
	}
	dept := r.Header.Get(activeDeptHeader)
	if strings.TrimSpace(dept) == "" {
		dept = r.URL.Query().Get(departmentQueryName)
	}
	t.Department = authz.DepartmentCode(strings.ToLower(strings.TrimSpace(dept)))
	return t
}

// deny answers a pipeline refusal. Denials are audited and counted; anything
// else is an infrastructure failure.
func (a *API) deny(w http.ResponseWriter, r *http.Request, err error) {
	var d *authz.Denial
	if !errors.As(err, &d) {
		writeAPIError(w, r, err)
		return
	}
	obs.AuthzDenials.WithLabelValues(d.Code).Inc()
	a.audit(r.Context(), audit.EventAuthzDenied, map[string]string{
		"code":     d.Code,
		"system":   string(d.System),
		"resource": string(d.Resource),
		"action":   string(d.Action),
		"method":   r.Method,
		"path":     r.URL.Path,
	})
	writeAPIError(w, r, d)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]string) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Ctx(ctx).Warn().Err(err).Str("event", event).Msg("audit log failed")
	}
}

// principalFrom returns the authenticated principal. Handlers behind
// authenticated always have one.
func principalFrom(ctx context.Context) (authz.Principal, *authz.Profile) {
	p, ok := authz.ProfileFromContext(ctx)
	if !ok {
		return authz.Principal{}, nil
	}
	return p.Principal(), p
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
