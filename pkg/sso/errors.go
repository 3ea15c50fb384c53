package sso

import "errors"

var (
	ErrInvalidAssertion = errors.New("sso: invalid assertion")
	ErrEmailNotVerified = errors.New("sso: provider email not verified")
	ErrMissingIDToken   = errors.New("sso: code exchange returned no id_token")
	ErrCodeExchange     = errors.New("sso: code exchange failed")
	ErrNotConfigured    = errors.New("sso: provider not configured")
)
