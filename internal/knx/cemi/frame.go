package cemi

import (
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// MessageCode is the first octet of a cEMI frame.
type MessageCode uint8

// L_Data message codes handled by this package.
const (
	CodeDataRequest    MessageCode = 0x11
	CodeDataConfirm    MessageCode = 0x2E
	CodeDataIndication MessageCode = 0x29
)

func (c MessageCode) String() string {
	switch c {
	case CodeDataRequest:
		return "L_Data.req"
	case CodeDataConfirm:
		return "L_Data.con"
	case CodeDataIndication:
		return "L_Data.ind"
	default:
		return fmt.Sprintf("MessageCode(0x%02X)", uint8(c))
	}
}

// Control field bits.
const (
	ctrl1StandardFrame   = 0x80
	ctrl1DoNotRepeat     = 0x20
	ctrl1Broadcast       = 0x10
	ctrl1PriorityShift   = 2
	ctrl1PriorityMask    = 0x03
	ctrl1ConfirmError    = 0x01
	ctrl2GroupAddress    = 0x80
	ctrl2DefaultHopCount = 0x60

	// fixedFieldsLength covers ctrl1, ctrl2, source, destination and NPDU length.
	fixedFieldsLength = 7
	// minFrameLength is code + add-info length + fixed fields + one TPCI octet.
	minFrameLength = 2 + fixedFieldsLength + 1
)

// Frame is a cEMI L_Data frame. Decode followed by Encode reproduces the
// input bytes exactly, including additional info and control fields.
type Frame struct {
	Code        MessageCode
	AddInfo     []byte
	Control1    byte
	Control2    byte
	Source      telegram.IndividualAddress
	Destination uint16
	// TPDU is the transport PDU: TPCI octet followed by the APDU, if any.
	TPDU []byte
}

// Decode parses a raw cEMI L_Data frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(raw))
	}

	code := MessageCode(raw[0])
	switch code {
	case CodeDataRequest, CodeDataConfirm, CodeDataIndication:
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02X", ErrUnsupportedMessage, raw[0])
	}

	addInfoLen := int(raw[1])
	if len(raw) < minFrameLength+addInfoLen {
		return Frame{}, fmt.Errorf("%w: %d bytes with %d bytes additional info", ErrInvalidFrame, len(raw), addInfoLen)
	}

	body := raw[2+addInfoLen:]
	npduLen := int(body[6])
	tpdu := body[fixedFieldsLength:]
	if len(tpdu) != npduLen+1 {
		return Frame{}, fmt.Errorf("%w: NPDU length %d but %d TPDU bytes", ErrInvalidFrame, npduLen, len(tpdu))
	}

	f := Frame{
		Code:        code,
		Control1:    body[0],
		Control2:    body[1],
		Source:      telegram.IndividualAddressFromUint16(binary.BigEndian.Uint16(body[2:4])),
		Destination: binary.BigEndian.Uint16(body[4:6]),
		TPDU:        append([]byte(nil), tpdu...),
	}
	if addInfoLen > 0 {
		f.AddInfo = append([]byte(nil), raw[2:2+addInfoLen]...)
	}
	return f, nil
}

// Encode serialises the frame.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, minFrameLength+len(f.AddInfo)+len(f.TPDU))
	out = append(out, byte(f.Code), byte(len(f.AddInfo)))
	out = append(out, f.AddInfo...)
	out = append(out, f.Control1, f.Control2)
	out = binary.BigEndian.AppendUint16(out, f.Source.Raw())
	out = binary.BigEndian.AppendUint16(out, f.Destination)
	out = append(out, byte(max(len(f.TPDU)-1, 0)))
	return append(out, f.TPDU...)
}

// GroupDestination reports whether the destination field is a group address.
func (f Frame) GroupDestination() bool {
	return f.Control2&ctrl2GroupAddress != 0
}

// DestinationAddress returns the destination typed by the address-type bit.
func (f Frame) DestinationAddress() telegram.Address {
	if f.GroupDestination() {
		return telegram.GroupAddressFromUint16(f.Destination)
	}
	return telegram.IndividualAddressFromUint16(f.Destination)
}

// ConfirmError reports whether an L_Data.con carries the error flag.
func (f Frame) ConfirmError() bool {
	return f.Code == CodeDataConfirm && f.Control1&ctrl1ConfirmError != 0
}

// FromTelegram builds an L_Data frame with standard control fields
// (standard frame, no repeat, hop count 6) for t.
func FromTelegram(code MessageCode, t telegram.Telegram) (Frame, error) {
	if t.Destination == nil {
		return Frame{}, fmt.Errorf("%w: telegram has no destination", ErrConversion)
	}

	tpci := t.Transport()
	if !telegram.IsControl(tpci) && t.Payload == nil {
		return Frame{}, fmt.Errorf("%w: %s requires a payload", ErrConversion, tpci)
	}

	ctrl2 := byte(ctrl2DefaultHopCount)
	if _, ok := t.Destination.(telegram.GroupAddress); ok {
		ctrl2 |= ctrl2GroupAddress
	}

	return Frame{
		Code:        code,
		Control1:    ctrl1StandardFrame | ctrl1DoNotRepeat | ctrl1Broadcast | t.Priority.Bits()<<ctrl1PriorityShift,
		Control2:    ctrl2,
		Source:      t.Source,
		Destination: t.Destination.Raw(),
		TPDU:        telegram.EncodeTPDU(tpci, t.Payload),
	}, nil
}

// Telegram decodes the frame into an incoming telegram.
func (f Frame) Telegram() (telegram.Telegram, error) {
	if len(f.TPDU) == 0 {
		return telegram.Telegram{}, fmt.Errorf("%w: empty TPDU", ErrInvalidFrame)
	}

	dst := f.DestinationAddress()
	tpci, err := telegram.DecodeTPCI(f.TPDU[0], dst)
	if err != nil {
		return telegram.Telegram{}, err
	}

	t := telegram.Telegram{
		Destination: dst,
		Source:      f.Source,
		Direction:   telegram.Incoming,
		TPCI:        tpci,
		Priority:    telegram.PriorityFromBits((f.Control1 >> ctrl1PriorityShift) & ctrl1PriorityMask),
	}
	if telegram.IsControl(tpci) {
		return t, nil
	}

	payload, err := telegram.DecodeAPCI(f.TPDU)
	if err != nil {
		return telegram.Telegram{}, err
	}
	t.Payload = payload
	return t, nil
}
