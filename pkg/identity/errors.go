package identity

import "errors"

var (
	ErrNotFound            = errors.New("identity: not found")
	ErrConflict            = errors.New("identity: address already linked")
	ErrInvalidKind         = errors.New("identity: invalid email kind")
	ErrNotVerified         = errors.New("identity: email not verified")
	ErrCannotRemovePrimary = errors.New("identity: cannot remove primary email")
	ErrInvalidInput        = errors.New("identity: invalid input")
	ErrArchived            = errors.New("identity: user archived")
)
