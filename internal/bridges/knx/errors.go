package knx

import "errors"

var (
	// ErrInvalidTopic is returned for a request on a topic without an id.
	ErrInvalidTopic = errors.New("knx: request topic has no id")

	// ErrInvalidPayload is returned when a request cannot be decoded.
	ErrInvalidPayload = errors.New("knx: invalid request payload")

	// ErrStopped is returned for requests that arrive after Stop.
	ErrStopped = errors.New("knx: bridge stopped")
)
