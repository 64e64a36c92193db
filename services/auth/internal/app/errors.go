package app

import "errors"

var (
	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	ErrAccountDisabled = errors.New("account is not activated")
	ErrAccountLocked   = errors.New("account is locked")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrInvalidEmail             = errors.New("email is not well formed")
	ErrNameRequired             = errors.New("first name and last name required")

	ErrUnauthorized = errors.New("unauthorized")

	// ErrCodeSpaceExhausted means every drawn code was still live for another account.
	ErrCodeSpaceExhausted = errors.New("no free activation code available")
)
