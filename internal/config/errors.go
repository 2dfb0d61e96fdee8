package config

import "errors"

var (
	// ErrMissingSecret is returned when a required secret is unset or too
	// short to be safe.
	ErrMissingSecret = errors.New("missing secret")

	// ErrInvalid is returned for settings that are present but unusable.
	ErrInvalid = errors.New("invalid configuration")
)
