package cemi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// ControlType is the TPCI octet of a control-only frame.
type ControlType uint8

// Control frame types.
const (
	ControlConnect     ControlType = 0x80
	ControlDisconnect  ControlType = 0x81
	ControlAck         ControlType = 0xC2
	ControlAckNumbered ControlType = 0xC6
)

// ControlFrameLength is the fixed size of a control-only frame.
const ControlFrameLength = 10

// controlHeader is L_Data.req, no additional info, system priority, hop
// count 6 and an unset source the interface fills in.
var controlHeader = []byte{0x11, 0x00, 0xB0, 0x60, 0x00, 0x00}

// ControlFrame is the compact 10-byte L_Data.req used for transport-layer
// control PDUs: header(6) + destination(2) + length(1, zero) + TPCI(1).
type ControlFrame struct {
	Destination telegram.IndividualAddress
	Type        ControlType
}

// DecodeControlFrame parses a 10-byte control frame.
func DecodeControlFrame(raw []byte) (ControlFrame, error) {
	if len(raw) != ControlFrameLength {
		return ControlFrame{}, fmt.Errorf("%w: control frame is %d bytes, want %d", ErrInvalidFrame, len(raw), ControlFrameLength)
	}
	if raw[0] != byte(CodeDataRequest) {
		return ControlFrame{}, fmt.Errorf("%w: 0x%02X", ErrUnsupportedMessage, raw[0])
	}
	if !bytes.Equal(raw[:len(controlHeader)], controlHeader) || raw[8] != 0x00 {
		return ControlFrame{}, fmt.Errorf("%w: unexpected control frame header % X", ErrInvalidFrame, raw[:9])
	}

	ct := ControlType(raw[9])
	switch ct {
	case ControlConnect, ControlDisconnect, ControlAck, ControlAckNumbered:
	default:
		return ControlFrame{}, fmt.Errorf("%w: control type 0x%02X", ErrInvalidFrame, raw[9])
	}

	return ControlFrame{
		Destination: telegram.IndividualAddressFromUint16(binary.BigEndian.Uint16(raw[6:8])),
		Type:        ct,
	}, nil
}

// Encode serialises the control frame.
func (c ControlFrame) Encode() []byte {
	out := make([]byte, 0, ControlFrameLength)
	out = append(out, controlHeader...)
	out = binary.BigEndian.AppendUint16(out, c.Destination.Raw())
	return append(out, 0x00, byte(c.Type))
}

// TPCI returns the transport control this frame carries.
func (c ControlFrame) TPCI() telegram.TPCI {
	switch c.Type {
	case ControlConnect:
		return telegram.Connect{}
	case ControlDisconnect:
		return telegram.Disconnect{}
	case ControlAckNumbered:
		return telegram.Ack{Sequence: 1}
	default:
		return telegram.Ack{Sequence: 0}
	}
}

// ControlFrameFor returns the compact form of t when one exists: a Connect,
// Disconnect or Ack with sequence 0 or 1 to an individual address.
func ControlFrameFor(t telegram.Telegram) (ControlFrame, bool) {
	dst, ok := t.Destination.(telegram.IndividualAddress)
	if !ok {
		return ControlFrame{}, false
	}

	var ct ControlType
	switch tp := t.Transport().(type) {
	case telegram.Connect:
		ct = ControlConnect
	case telegram.Disconnect:
		ct = ControlDisconnect
	case telegram.Ack:
		switch tp.Sequence {
		case 0:
			ct = ControlAck
		case 1:
			ct = ControlAckNumbered
		default:
			return ControlFrame{}, false
		}
	default:
		return ControlFrame{}, false
	}
	return ControlFrame{Destination: dst, Type: ct}, true
}
