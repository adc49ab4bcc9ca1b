package authz

import "errors"

var (
	ErrNotFound          = errors.New("authz: not found")
	ErrInvalidPermission = errors.New("authz: invalid permission")
	ErrInvalidInput      = errors.New("authz: invalid input")
)
