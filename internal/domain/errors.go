package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate review")
	ErrNoOwner       = errors.New("location has no owner")
	ErrNoCredential  = errors.New("account has no stored credential")
	ErrInvalidRating = errors.New("invalid rating")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrCrypto        = errors.New("failed to encrypt/decrypt credential")
)
