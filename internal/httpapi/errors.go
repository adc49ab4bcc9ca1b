package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"atlas.org/internal/auth"
	"atlas.org/internal/authz"
	"atlas.org/internal/document"
	"atlas.org/internal/obs"
	"atlas.org/internal/serviceorder"
)

// Error codes that are not authorization denials.
const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION_ERROR"
	CodeBadRequest         = "BAD_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeGenerationFailed   = "DOCUMENT_GENERATION_FAILED"
	CodeServerError        = "SERVER_ERROR"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeInvalidFile        = "INVALID_FILE"
	messageValidation      = "Os dados enviados são inválidos."
	messageServerError     = "Erro interno do servidor. Tente novamente mais tarde."
	messageGenerationError = "Falha ao gerar o documento."
)

// apiError is what ends up in the response envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details any
	Fields  map[string]string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

var (
	errAuthRequired     = &apiError{Status: http.StatusUnauthorized, Code: CodeAuthRequired, Message: "Autenticação necessária."}
	errAuthFailed       = &apiError{Status: http.StatusUnauthorized, Code: CodeAuthFailed, Message: "E-mail ou senha inválidos."}
	errTokenExpired     = &apiError{Status: http.StatusUnauthorized, Code: CodeTokenExpired, Message: "Sua sessão expirou. Faça login novamente."}
	errTokenInvalid     = &apiError{Status: http.StatusUnauthorized, Code: CodeTokenInvalid, Message: "Token de acesso inválido."}
	errNotFound         = &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "O recurso solicitado não foi encontrado."}
	errConflict         = &apiError{Status: http.StatusConflict, Code: CodeConflict, Message: "O registro já existe."}
	errMethodNotAllowed = &apiError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: "Método não permitido."}
	errRateLimited      = &apiError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "Muitas requisições. Tente novamente em instantes."}
	errServer           = &apiError{Status: http.StatusInternalServerError, Code: CodeServerError, Message: messageServerError}
	errFileTooLarge     = &apiError{Status: http.StatusBadRequest, Code: CodeFileTooLarge, Message: "O arquivo excede o tamanho máximo permitido."}
	errInvalidFile      = &apiError{Status: http.StatusBadRequest, Code: CodeInvalidFile, Message: "O arquivo enviado não é um PDF válido."}
)

func badRequest(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func validationError(fields map[string]string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: CodeValidation, Message: messageValidation, Fields: fields}
}

// toAPIError maps domain errors onto the envelope. Unknown errors become a
// generic 500 and are logged by the caller.
func toAPIError(err error) *apiError {
	var (
		ae     *apiError
		denial *authz.Denial
		verrs  validator.ValidationErrors
		soErr  *serviceorder.Error
	)
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.As(err, &denial):
		return denialError(denial)
	case errors.As(err, &verrs):
		return validationError(fieldMessages(verrs))
	case errors.As(err, &soErr):
		if errors.Is(soErr.Kind, serviceorder.ErrNotFound) {
			return errNotFound
		}
		return badRequest(soErr.Message)

	case errors.Is(err, auth.ErrInvalidCredentials):
		return errAuthFailed
	case errors.Is(err, auth.ErrTokenExpired):
		return errTokenExpired
	case errors.Is(err, auth.ErrTokenInvalid):
		return errTokenInvalid
	case errors.Is(err, auth.ErrInactive):
		return denialError(&authz.Denial{Code: authz.CodeAccountInactive, Message: authz.MessageAccountInactive})
	case errors.Is(err, auth.ErrConflict):
		return errConflict
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, authz.ErrNotFound),
		errors.Is(err, serviceorder.ErrNotFound),
		errors.Is(err, document.ErrNotFound):
		return errNotFound
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, authz.ErrInvalidInput),
		errors.Is(err, authz.ErrInvalidPermission),
		errors.Is(err, serviceorder.ErrInvalidInput):
		return badRequest(domainMessage(err))
	case errors.Is(err, serviceorder.ErrInvalidTransition),
		errors.Is(err, serviceorder.ErrNotEditable),
		errors.Is(err, serviceorder.ErrHasDocuments),
		errors.Is(err, serviceorder.ErrContractInactive):
		return badRequest(domainMessage(err))
	case errors.Is(err, document.ErrFileTooLarge):
		return errFileTooLarge
	case errors.Is(err, document.ErrNotPDF):
		return errInvalidFile
	case errors.Is(err, document.ErrGenerationFailed):
		return &apiError{
			Status:  http.StatusInternalServerError,
			Code:    CodeGenerationFailed,
			Message: messageGenerationError,
			Details: strings.TrimPrefix(err.Error(), document.ErrGenerationFailed.Error()+": "),
		}
	default:
		return errServer
	}
}

func denialError(d *authz.Denial) *apiError {
	ae := &apiError{Status: http.StatusForbidden, Code: d.Code, Message: d.Message}
	if len(d.AvailableSystems) > 0 {
		ae.Details = map[string]any{"sistemas_disponiveis": d.AvailableSystems}
	}
	return ae
}

// domainMessage strips the package prefix of a sentinel chain ("auth: invalid
// input: x" -> "x").
func domainMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	return msg
}

// fieldMessages keeps the first message per field.
func fieldMessages(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if _, ok := out[name]; ok {
			continue
		}
		out[name] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "Este campo é obrigatório."
	case "email":
		return "Informe um endereço de e-mail válido."
	case "uuid":
		return "Identificador inválido."
	case "min":
		return fmt.Sprintf("Informe no mínimo %s.", fe.Param())
	case "max":
		return fmt.Sprintf("Informe no máximo %s.", fe.Param())
	case "oneof":
		return fmt.Sprintf("Valor deve ser um de: %s.", fe.Param())
	default:
		return "Valor inválido."
	}
}

type errorBody struct {
	Message   string            `json:"message"`
	Code      string            `json:"code"`
	Details   any               `json:"details,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeAPIError maps err and writes the envelope. Server errors are logged with
// the request id and never echoed to the client.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	ae := toAPIError(err)
	if ae.Status >= http.StatusInternalServerError {
		obs.Ctx(r.Context()).Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("code", ae.Code).
			Msg("request failed")
	}
	writeJSON(w, ae.Status, errorEnvelope{Error: errorBody{
		Message:   ae.Message,
		Code:      ae.Code,
		Details:   ae.Details,
		Fields:    ae.Fields,
		RequestID: obs.RequestIDFromContext(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads exactly one JSON value. Body size is capped by MaxBodyBytes.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return badRequest("O corpo da requisição é obrigatório.")
		case errors.As(err, &tooLarge):
			return &apiError{Status: http.StatusRequestEntityTooLarge, Code: CodeBadRequest, Message: "O corpo da requisição é muito grande."}
		default:
			return badRequest("JSON inválido.")
		}
	}
	if dec.More() {
		return badRequest("Dados inesperados após o JSON.")
	}
	return nil
}

// validate runs struct validation and converts failures into the envelope shape.
func (a *API) validate(v any) error {
	if err := a.valid.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return validationError(fieldMessages(verrs))
		}
		return badRequest(err.Error())
	}
	return nil
}
