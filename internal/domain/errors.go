package domain

import "errors"

var (
	// ErrDataAccess indicates the backing store could not serve the request.
	ErrDataAccess = errors.New("data access failed")
	// ErrValidation indicates the caller supplied an invalid argument.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthenticated is returned when a write is attempted anonymously.
	ErrUnauthenticated = errors.New("viewer identity required")
	// ErrForbidden is returned when the viewer lacks the scope for a write.
	ErrForbidden = errors.New("forbidden")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrRouteNotFound is returned when a route cannot be located.
	ErrRouteNotFound = errors.New("route not found")
	// ErrIdempotencyConflict is returned by a store when a user's idempotency
	// key is already bound to another record.
	ErrIdempotencyConflict = errors.New("idempotency key already used")
	// ErrInvalidCursor is returned when a pagination token cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)
