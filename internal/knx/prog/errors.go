package prog

import (
	"errors"

	"github.com/nerrad567/knxmgmt/internal/knx/transport"
)

// Domain errors for programming procedures.
var (
	// ErrInvalidMode is returned for a memory bit mode other than on or off.
	ErrInvalidMode = errors.New("prog: invalid mode")

	// ErrDeviceNotConnected is returned when a procedure needs a connected device.
	ErrDeviceNotConnected = errors.New("prog: device not connected")

	// ErrProtocolMismatch is returned when a device echoes unexpected values.
	ErrProtocolMismatch = transport.ErrProtocolMismatch
)
