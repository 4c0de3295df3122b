package tunnel

import "errors"

// Domain errors for the tunnel client.
var (
	// ErrNotConnected is returned when no tunnel connection is established.
	ErrNotConnected = errors.New("tunnel: not connected")

	// ErrConnectionFailed is returned when dialling or the CONNECT handshake fails.
	ErrConnectionFailed = errors.New("tunnel: connection failed")

	// ErrConnectionRejected is returned when the server answers CONNECT with
	// a non-zero status.
	ErrConnectionRejected = errors.New("tunnel: connection rejected by server")

	// ErrInvalidMessage is returned for a malformed KNXnet/IP message.
	ErrInvalidMessage = errors.New("tunnel: invalid KNXnet/IP message")

	// ErrProtocolDesync is returned when a message exceeds the read buffer.
	// The stream cannot be resynchronised and the connection is dropped.
	ErrProtocolDesync = errors.New("tunnel: protocol desync")
)
