package common

import "errors"

var (
	// ErrInvalidInput is returned for caller mistakes (empty trees, malformed requests); never retried
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageUnavailable is returned when a persistent store cannot be read or written
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// StatusCodeForError maps an engine error to the HTTP status rendered by the API handlers
func StatusCodeForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return 422
	case errors.Is(err, ErrStorageUnavailable):
		return 503
	default:
		return 500
	}
}
