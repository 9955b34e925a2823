package domain

import "errors"

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("not found")
	ErrSigningFailure       = errors.New("signing failure")
	ErrRateLimited          = errors.New("rate limited")
)
