package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a destination on the bus. It is implemented only by
// IndividualAddress and GroupAddress.
type Address interface {
	// Raw returns the 16-bit wire value.
	Raw() uint16
	String() string
	isAddress()
}

// IndividualAddress identifies a single device.
//
// Format: Area.Line.Device
//   - Area:   0-15 (4 bits)
//   - Line:   0-15 (4 bits)
//   - Device: 0-255 (8 bits)
type IndividualAddress struct {
	Area   uint8
	Line   uint8
	Device uint8
}

// GroupAddress represents a KNX group address in 3-level format.
//
// Format: Main/Middle/Sub
//   - Main:   0-31 (5 bits)
//   - Middle: 0-7  (3 bits)
//   - Sub:    0-255 (8 bits)
//
// The zero value is the broadcast address.
type GroupAddress struct {
	Main   uint8
	Middle uint8
	Sub    uint8
}

// Address limits.
const (
	maxArea   = 15
	maxLine   = 15
	maxDevice = 255

	maxMain   = 31
	maxMiddle = 7
	maxSub    = 255

	// addressLevelCount is the number of levels in both address formats.
	addressLevelCount = 3

	gaMainMask   = 0x1F
	gaMiddleMask = 0x07
	iaNibbleMask = 0x0F
	byteMask     = 0xFF
)

// Broadcast is the zero group address used by connectionless management services.
var Broadcast = GroupAddress{}

// ParseIndividualAddress parses an "area.line.device" string.
//
// Example:
//
//	addr, err := ParseIndividualAddress("1.1.5")
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != addressLevelCount {
		return IndividualAddress{}, fmt.Errorf("%w: expected area.line.device, got %q", ErrInvalidIndividualAddress, s)
	}

	area, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || area > maxArea {
		return IndividualAddress{}, fmt.Errorf("%w: area must be 0-%d, got %q", ErrInvalidIndividualAddress, maxArea, parts[0])
	}
	line, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || line > maxLine {
		return IndividualAddress{}, fmt.Errorf("%w: line must be 0-%d, got %q", ErrInvalidIndividualAddress, maxLine, parts[1])
	}
	device, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil || device > maxDevice {
		return IndividualAddress{}, fmt.Errorf("%w: device must be 0-%d, got %q", ErrInvalidIndividualAddress, maxDevice, parts[2])
	}

	return IndividualAddress{Area: uint8(area), Line: uint8(line), Device: uint8(device)}, nil
}

// IndividualAddressFromUint16 decodes a wire value (AAAA LLLL DDDD DDDD).
func IndividualAddressFromUint16(value uint16) IndividualAddress {
	return IndividualAddress{
		Area:   uint8((value >> 12) & iaNibbleMask), //nolint:gosec // masked to 4 bits
		Line:   uint8((value >> 8) & iaNibbleMask),  //nolint:gosec // masked to 4 bits
		Device: uint8(value & byteMask),             //nolint:gosec // masked to 8 bits
	}
}

// Raw returns the 16-bit wire value.
func (ia IndividualAddress) Raw() uint16 {
	return uint16(ia.Area&iaNibbleMask)<<12 | uint16(ia.Line&iaNibbleMask)<<8 | uint16(ia.Device)
}

// String returns the address in "area.line.device" form.
func (ia IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", ia.Area, ia.Line, ia.Device)
}

// IsZero reports whether the address is the unset address 0.0.0.
func (ia IndividualAddress) IsZero() bool {
	return ia == IndividualAddress{}
}

func (IndividualAddress) isAddress() {}

// ParseGroupAddress parses a 3-level group address string.
//
// Example:
//
//	addr, err := ParseGroupAddress("1/2/3")
func ParseGroupAddress(s string) (GroupAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != addressLevelCount {
		return GroupAddress{}, fmt.Errorf("%w: expected 3-level format (main/middle/sub), got %q", ErrInvalidGroupAddress, s)
	}

	main, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || main > maxMain {
		return GroupAddress{}, fmt.Errorf("%w: main group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMain, parts[0])
	}
	middle, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || middle > maxMiddle {
		return GroupAddress{}, fmt.Errorf("%w: middle group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMiddle, parts[1])
	}
	sub, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil || sub > maxSub {
		return GroupAddress{}, fmt.Errorf("%w: sub group must be 0-%d, got %q", ErrInvalidGroupAddress, maxSub, parts[2])
	}

	return GroupAddress{Main: uint8(main), Middle: uint8(middle), Sub: uint8(sub)}, nil
}

// GroupAddressFromUint16 decodes a wire value (MMMM MSSS SSSS SSSS).
func GroupAddressFromUint16(value uint16) GroupAddress {
	return GroupAddress{
		Main:   uint8((value >> 11) & gaMainMask),  //nolint:gosec // masked to 5 bits
		Middle: uint8((value >> 8) & gaMiddleMask), //nolint:gosec // masked to 3 bits
		Sub:    uint8(value & byteMask),            //nolint:gosec // masked to 8 bits
	}
}

// Raw returns the 16-bit wire value.
func (ga GroupAddress) Raw() uint16 {
	return uint16(ga.Main&gaMainMask)<<11 | uint16(ga.Middle&gaMiddleMask)<<8 | uint16(ga.Sub)
}

// String returns the group address in 3-level format.
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", ga.Main, ga.Middle, ga.Sub)
}

// IsBroadcast reports whether this is the zero (broadcast) group address.
func (ga GroupAddress) IsBroadcast() bool {
	return ga.Raw() == 0
}

func (GroupAddress) isAddress() {}
