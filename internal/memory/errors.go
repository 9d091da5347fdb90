package memory

import "errors"

var (
	// ErrNotFound indicates the referenced memory does not exist, or was
	// required to be active and no longer is. Guarded writes that lose a
	// race against a concurrent supersession surface this error.
	ErrNotFound = errors.New("memory not found")

	// ErrConstraintViolation indicates an insert collided with the active
	// uniqueness rule: one active memory per (tenant, repo, subject, fact).
	ErrConstraintViolation = errors.New("active memory already exists for this tuple")

	// ErrInvalidInput wraps every structural validation failure (missing
	// fields, oversized values, malformed citations) so transport layers
	// can map the whole family to a 400-class response.
	ErrInvalidInput = errors.New("invalid input")
)
