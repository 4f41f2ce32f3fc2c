package services

import (
	"errors"

	"confidential-lottery/internal/store"
)

// Every failed call returns an error wrapping exactly one of these, and leaves
// the ledger untouched.
var (
	ErrNotFound        = store.ErrNotFound
	ErrStateConflict   = errors.New("operation not allowed in current lottery state")
	ErrUnauthorized    = errors.New("caller not authorized")
	ErrTiming          = errors.New("outside the allowed time window")
	ErrAuthenticity    = errors.New("decryption proof rejected")
	ErrIntegrity       = errors.New("integrity check failed")
	ErrInvalidArgument = errors.New("invalid argument")
)
