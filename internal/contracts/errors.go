package contracts

import "errors"

var (
	// ErrUnknownSchemaVersion is returned by a tolerant parser when it sees
	// a schema_version it does not recognize and cannot safely ignore the
	// unknown fields.
	ErrUnknownSchemaVersion = errors.New("contracts: unknown schema version")

	// ErrValidation wraps a payload validation failure. Use errors.Is to
	// test for it; the concrete message carries the offending field.
	ErrValidation = errors.New("contracts: payload validation failed")
)
