package rbac

import "errors"

var (
	ErrNotFound      = errors.New("rbac: assignment not found")
	ErrConflict      = errors.New("rbac: role already assigned")
	ErrScopeMismatch = errors.New("rbac: scope does not match role type")
	ErrForbidden     = errors.New("rbac: grantor may not assign this role")
	ErrUnknownRole   = errors.New("rbac: unknown role type")
	ErrInvalidInput  = errors.New("rbac: invalid input")
)
