package telegram

import "errors"

// Domain errors for address parsing and APDU coding.
var (
	// ErrInvalidGroupAddress is returned when a group address string cannot be parsed.
	ErrInvalidGroupAddress = errors.New("telegram: invalid group address")

	// ErrInvalidIndividualAddress is returned when an individual address string cannot be parsed.
	ErrInvalidIndividualAddress = errors.New("telegram: invalid individual address")

	// ErrInvalidTPDU is returned when a transport PDU is too short or carries
	// an undefined control code.
	ErrInvalidTPDU = errors.New("telegram: invalid TPDU")

	// ErrUnsupportedAPCI is returned for application services this package does not model.
	ErrUnsupportedAPCI = errors.New("telegram: unsupported APCI")
)
