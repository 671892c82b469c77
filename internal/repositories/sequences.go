package repositories

import "errors"

var (
	// ErrSequenceInvalid reports an empty sequence name or a negative step.
	ErrSequenceInvalid = errors.New("sequence: invalid request")
	// ErrSequenceExhausted reports that advancing would pass the ceiling.
	ErrSequenceExhausted = errors.New("sequence: exhausted")
)
