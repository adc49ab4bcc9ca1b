package authz

import (
	"net/http"
	"strings"
)

var systemPrefixes = map[string]SystemCode{
	"pesquisa":       SystemPrazos,
	"dependentes":    SystemPrazos,
	"ordens-servico": SystemServiceOrders,
	"pesquisa-os":    SystemServiceOrders,
}

// ResolveSystem maps a request path to the system owning it using the first
// segment after /api/. Unmapped paths are shared.
func ResolveSystem(path string) SystemCode {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return SystemShared
	}
	segment, _, _ := strings.Cut(rest, "/")
	return systemPrefixes[segment]
}

// ActionForMethod maps an HTTP verb to the action it implies.
func ActionForMethod(method string) Action {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return ActionAdd
	case http.MethodPut, http.MethodPatch:
		return ActionChange
	case http.MethodDelete:
		return ActionDelete
	default:
		return ActionView
	}
}
