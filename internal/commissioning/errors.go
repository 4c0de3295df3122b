package commissioning

import "errors"

var (
	// ErrBusy is returned when a run is requested while another is active.
	ErrBusy = errors.New("commissioning: a run is already in progress")

	// ErrRunNotFound is returned for unknown or evicted run ids.
	ErrRunNotFound = errors.New("commissioning: run not found")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("commissioning: invalid request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("commissioning: runner closed")
)
