package config

import "errors"

var (
	// ErrValidation is returned by apply_changes when the merged working
	// copy fails validation; the current snapshot is left untouched.
	ErrValidation = errors.New("config: validation failed")

	// ErrUnknownFragment is returned when an update's dotted path names a
	// module id that does not exist in the current snapshot.
	ErrUnknownFragment = errors.New("config: unknown fragment")

	// ErrVersionNotFound is returned by Rollback when the requested
	// version is not present in the bounded history.
	ErrVersionNotFound = errors.New("config: version not found in history")

	// ErrSecretNotFound is returned by a SecretsResolver when a
	// token_ref cannot be resolved.
	ErrSecretNotFound = errors.New("config: secret not found")

	// ErrNoDefaultSnapshot is returned by Load if defaults produce an
	// invalid tree — a programmer error, since defaults must validate.
	ErrNoDefaultSnapshot = errors.New("config: default configuration failed validation")
)
