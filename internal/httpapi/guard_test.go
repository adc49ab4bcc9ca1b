package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas.org/internal/authz"
	"atlas.org/internal/ids"
	"atlas.org/internal/serviceorder"
)

func TestConsultorCannotDeleteOrder(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodDelete, "/api/ordens-servico/"+ids.NewUUID(), tokenConsultor, nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	body := decodeError(t, resp)
	assert.Equal(t, authz.CodeForbiddenDelete, body.Code)
	assert.Equal(t, "Você não tem permissão para excluir este registro.", body.Message)
	assert.NotEmpty(t, body.RequestID)
	assert.Empty(t, h.orders.deleteCalls(), "store must not see a refused delete")
}

func TestGestorDeletesOrder(t *testing.T) {
	h := newHarness(t)
	id := ids.NewUUID()

	resp := h.do(http.MethodDelete, "/api/ordens-servico/"+id, tokenGestor, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{id}, h.orders.deleteCalls())
}

func TestAuthenticationFailures(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", CodeAuthRequired},
		{"expired", "expired", CodeTokenExpired},
		{"unknown", "forged", CodeTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(http.MethodGet, "/api/ordens-servico/estatisticas", tc.token, nil, nil)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, tc.code, decodeError(t, resp).Code)
		})
	}
}

func TestSystemScopeDenials(t *testing.T) {
	h := newHarness(t)

	t.Run("no link to the system", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/api/ordens-servico/estatisticas", tokenPrazosOnly, nil, nil)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		body := decodeError(t, resp)
		assert.Equal(t, authz.CodeSystemAccessDenied, body.Code)
		assert.Contains(t, body.Message, "Ordens de Serviço")
		assert.Contains(t, body.Message, "Prazos")
	})

	t.Run("active system differs", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/api/ordens-servico/estatisticas", tokenGestor, nil,
			map[string]string{activeSystemHeader: "prazos"})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, authz.CodeSystemSwitchRequired, decodeError(t, resp).Code)
	})

	t.Run("active system matches", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/api/ordens-servico/estatisticas", tokenGestor, nil,
			map[string]string{activeSystemHeader: "ordem_servico"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestDepartmentScope(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/api/ordens-servico/estatisticas", tokenGestor, nil,
		map[string]string{activeDeptHeader: "rh"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, authz.CodeDepartmentAccessDenied, body.Code)
	assert.Equal(t, authz.MessageDepartmentDenied, body.Message)

	resp = h.do(http.MethodGet, "/api/ordens-servico/estatisticas?department=consular", tokenGestor, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInactiveAccountRefusedEverywhere(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/api/auth/me", "/api/ordens-servico/estatisticas"} {
		resp := h.do(http.MethodGet, path, tokenInactive, nil, nil)
		require.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Equal(t, authz.CodeAccountInactive, decodeError(t, resp).Code, path)
	}
}

func TestSuperuserBypassesScopes(t *testing.T) {
	h := newHarness(t)
	h.orders.statsFn = func(context.Context) (serviceorder.Stats, error) { return serviceorder.Stats{Total: 3}, nil }

	resp := h.do(http.MethodGet, "/api/ordens-servico/estatisticas", tokenSuperuser, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[serviceorder.Stats](t, resp)
	assert.EqualValues(t, 3, stats.Total)

	resp = h.do(http.MethodDelete, "/api/ordens-servico/"+ids.NewUUID(), tokenSuperuser, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAdminRoutesRequireAdminAction(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"resource": "ordem_servico", "actions": []string{"export"}}

	resp := h.do(http.MethodPost, "/api/cargos/consultor/permissoes", tokenGestor, body, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, authz.CodeForbidden, decodeError(t, resp).Code)

	resp = h.do(http.MethodPost, "/api/cargos/consultor/permissoes", tokenDiretor, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[map[string]any](t, resp)
	assert.Contains(t, out["permissoes"], "ordem_servico.export")

	// The consultor sees the new grant on its next request.
	resp = h.do(http.MethodGet, "/api/auth/check-permission?resource=ordem_servico&action=export", tokenConsultor, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody[map[string]any](t, resp)["allowed"])
}

func TestGrantRejectsUnknownNames(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/api/cargos/consultor/permissoes", tokenDiretor,
		map[string]any{"resource": "ordem_servico", "actions": []string{"fly"}}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, CodeValidation, body.Code)
	assert.Contains(t, body.Fields, "actions")

	resp = h.do(http.MethodPost, "/api/cargos/estagiario/permissoes", tokenDiretor,
		map[string]any{"resource": "ordem_servico", "actions": []string{"view"}}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, decodeError(t, resp).Code)
}

func TestRevokeTakesEffectOnNextRequest(t *testing.T) {
	h := newHarness(t)
	orderPath := "/api/ordens-servico/" + ids.NewUUID()
	body := map[string]any{"resource": "ordem_servico", "actions": []string{"delete"}}

	resp := h.do(http.MethodDelete, orderPath, tokenGestor, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/api/cargos/gestor/permissoes", tokenGestor, body, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodDelete, "/api/cargos/gestor/permissoes", tokenDiretor, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "gestor", out["cargo"])
	assert.NotContains(t, out["permissoes"], "ordem_servico.delete")
	assert.Contains(t, out["permissoes"], "ordem_servico.view")

	resp = h.do(http.MethodDelete, orderPath, tokenGestor, nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, authz.CodeForbiddenDelete, decodeError(t, resp).Code)
	assert.Len(t, h.orders.deleteCalls(), 1)
}

func TestRevokeRejectsUnknownNames(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodDelete, "/api/cargos/gestor/permissoes", tokenDiretor,
		map[string]any{"resource": "planeta", "actions": []string{"view"}}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Fields, "resource")

	resp = h.do(http.MethodDelete, "/api/cargos/estagiario/permissoes", tokenDiretor,
		map[string]any{"resource": "ordem_servico", "actions": []string{"view"}}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
