package serviceorder

import "fmt"

// Status is the order lifecycle state.
type Status string

const (
	StatusOpen      Status = "ABERTA"
	StatusFinalized Status = "FINALIZADA"
	StatusInvoiced  Status = "FATURADA"
	StatusReceived  Status = "RECEBIDA"
	StatusCancelled Status = "CANCELADA"
)

var allStatuses = []Status{StatusOpen, StatusFinalized, StatusInvoiced, StatusReceived, StatusCancelled}

// Statuses lists every status in lifecycle order.
func Statuses() []Status { return append([]Status(nil), allStatuses...) }

// Label is the human name used in statistics.
func (s Status) Label() string {
	switch s {
	case StatusOpen:
		return "Aberta"
	case StatusFinalized:
		return "Finalizada"
	case StatusInvoiced:
		return "Faturada"
	case StatusReceived:
		return "Recebida"
	case StatusCancelled:
		return "Cancelada"
	default:
		return string(s)
	}
}

// Display is the form printed on documents; open orders read "EM ANDAMENTO".
func (s Status) Display() string {
	if s == StatusOpen {
		return "EM ANDAMENTO"
	}
	return string(s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusReceived
}

// Valid reports whether s is an enumerated status.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// nextStatus validates moving an order in state from to state to.
func nextStatus(from, to Status) error {
	switch to {
	case StatusFinalized:
		switch from {
		case StatusOpen:
			return nil
		case StatusCancelled:
			return newError(ErrInvalidTransition, "Não é possível finalizar uma OS cancelada.")
		default:
			return newError(ErrInvalidTransition, "Esta OS já está finalizada.")
		}
	case StatusCancelled:
		switch from {
		case StatusOpen:
			return nil
		case StatusCancelled:
			return newError(ErrInvalidTransition, "Esta OS já está cancelada.")
		default:
			return newError(ErrInvalidTransition, "Não é possível cancelar uma OS já finalizada.")
		}
	case StatusInvoiced:
		if from == StatusFinalized {
			return nil
		}
		return newError(ErrInvalidTransition, "Somente OS finalizadas podem ser faturadas.")
	case StatusReceived:
		if from == StatusInvoiced {
			return nil
		}
		return newError(ErrInvalidTransition, "Somente OS faturadas podem ser marcadas como recebidas.")
	default:
		return newError(ErrInvalidTransition, fmt.Sprintf("Status inválido: %s.", to))
	}
}
