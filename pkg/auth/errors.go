package auth

import "errors"

var (
	// Validation failures
	ErrMalformed        = errors.New("auth: malformed token")
	ErrExpired          = errors.New("auth: token expired")
	ErrAudienceMismatch = errors.New("auth: audience mismatch")

	// Service authentication failures
	ErrInvalidClient    = errors.New("auth: invalid client")
	ErrScopeNotGranted  = errors.New("auth: scope not granted")
	ErrInvalidScope     = errors.New("auth: invalid scope")
	ErrScopeNotIssuable = errors.New("auth: only read scopes are issuable")
	ErrClientExists     = errors.New("auth: client already exists")

	// Human authentication failures
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidRefresh     = errors.New("auth: invalid refresh token")
	ErrRefreshReused      = errors.New("auth: refresh token reused")
	ErrUserInactive       = errors.New("auth: user cannot authenticate")

	ErrNotFound       = errors.New("auth: not found")
	ErrInvalidRequest = errors.New("auth: invalid request")
	ErrInvalidConfig  = errors.New("auth: invalid configuration")
)
