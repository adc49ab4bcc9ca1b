package serviceorder

import "errors"

var (
	ErrNotFound          = errors.New("serviceorder: not found")
	ErrInvalidInput      = errors.New("serviceorder: invalid input")
	ErrInvalidTransition = errors.New("serviceorder: invalid status transition")
	ErrNotEditable       = errors.New("serviceorder: order is not editable")
	ErrHasDocuments      = errors.New("serviceorder: order has documents")
	ErrContractInactive  = errors.New("serviceorder: contract is not active")
)

// Error carries a user-facing message alongside its sentinel kind.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

var errOverflow = newError(ErrInvalidInput, "O valor total excede o limite permitido.")

func newError(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
