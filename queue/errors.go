package queue

import "errors"

// Sentinel errors for queue construction and input registration. These
// enable callers to programmatically distinguish failure modes using
// errors.Is.
var (
	ErrInvalidConfiguration = errors.New("queue: invalid configuration")
	ErrDuplicateInput       = errors.New("queue: duplicate input")
	ErrUnknownInput         = errors.New("queue: unknown input")
)
