package transport

import "errors"

// Domain errors for transport connections.
var (
	// ErrConnectionTimeout is returned when the peer does not acknowledge or
	// answer in time.
	ErrConnectionTimeout = errors.New("transport: connection timed out")

	// ErrConnectionRefused is returned when the peer closes the connection
	// with T_Disconnect.
	ErrConnectionRefused = errors.New("transport: connection refused by peer")

	// ErrProtocolMismatch is returned for an acknowledgement with the wrong
	// sequence number or a response of an unexpected kind.
	ErrProtocolMismatch = errors.New("transport: protocol mismatch")

	// ErrNak is returned when the peer rejects a frame with T_Nak.
	ErrNak = errors.New("transport: frame rejected with T_Nak")

	// ErrRequestPending is returned when a connection already has a request in flight.
	ErrRequestPending = errors.New("transport: request already pending")

	// ErrNotConnected is returned when the connection is closed.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionExists is returned when a connection to the address is already open.
	ErrConnectionExists = errors.New("transport: connection already exists")
)
