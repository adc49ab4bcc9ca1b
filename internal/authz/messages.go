package authz

import (
	"fmt"
	"strings"
)

const (
	MessageAccountInactive  = "Sua conta está desativada. Entre em contato com o administrador."
	MessageDepartmentDenied = "Você não tem acesso a este departamento."

	messageForbiddenView   = "Você não tem permissão para visualizar este recurso."
	messageForbiddenAdd    = "Você não tem permissão para criar novos registros."
	messageForbiddenChange = "Você não tem permissão para editar este registro."
	messageForbiddenDelete = "Você não tem permissão para excluir este registro."
	messageForbiddenExport = "Você não tem permissão para exportar dados."
	messageForbiddenAdmin  = "Você não tem permissão para administrar este recurso."
)

func actionDenial(a Action) (code, message string) {
	switch a {
	case ActionView:
		return CodeForbiddenView, messageForbiddenView
	case ActionAdd:
		return CodeForbiddenAdd, messageForbiddenAdd
	case ActionChange:
		return CodeForbiddenChange, messageForbiddenChange
	case ActionDelete:
		return CodeForbiddenDelete, messageForbiddenDelete
	case ActionExport:
		return CodeForbiddenExport, messageForbiddenExport
	default:
		return CodeForbidden, messageForbiddenAdmin
	}
}

// DenialFor builds the denial an action check would produce. Handlers use it
// for checks made outside the pipeline.
func DenialFor(resource ResourceType, action Action) *Denial {
	code, msg := actionDenial(action)
	return &Denial{Code: code, Message: msg, Resource: resource, Action: action}
}

func systemDeniedMessage(system SystemCode, available []SystemCode) string {
	names := make([]string, 0, len(available))
	for _, s := range available {
		names = append(names, s.DisplayName())
	}
	list := "nenhum"
	if len(names) > 0 {
		list = strings.Join(names, ", ")
	}
	return fmt.Sprintf("Você não tem acesso ao sistema %s. Sistemas disponíveis: %s", system.DisplayName(), list)
}

func systemSwitchMessage(system SystemCode) string {
	name := system.DisplayName()
	return fmt.Sprintf("Este recurso pertence ao sistema %s. Alterne para o sistema %s para continuar.", name, name)
}
