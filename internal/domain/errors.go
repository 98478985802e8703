package domain

import "errors"

var (
	// ErrInvalidEvent is returned for malformed ingestion input.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrScorer is returned when the risk scorer fails.
	ErrScorer = errors.New("risk scorer error")

	// ErrScorerTimeout is returned when a risk scorer call exceeds its deadline.
	ErrScorerTimeout = errors.New("risk scorer timeout")

	// ErrScorerExhausted is returned once the scorer retry budget is spent.
	ErrScorerExhausted = errors.New("risk scorer retries exhausted")

	// ErrValidation is returned for bad rule or service configuration.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition is returned when a review operation does not apply to the case state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyTerminal is returned when a review operation is repeated on a released case.
	ErrAlreadyTerminal = errors.New("case already terminal")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a case was modified concurrently.
	ErrConflict = errors.New("version conflict")
)
