package telegram

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies an application service independent of its parameters.
// It is what a transport request names as its expected response.
type Kind uint8

// Application service kinds.
const (
	KindGroupValueRead Kind = iota + 1
	KindGroupValueResponse
	KindGroupValueWrite
	KindIndividualAddressWrite
	KindIndividualAddressRead
	KindIndividualAddressResponse
	KindMemoryRead
	KindMemoryResponse
	KindMemoryWrite
	KindDeviceDescriptorRead
	KindDeviceDescriptorResponse
	KindRestart
	KindPropertyValueRead
	KindPropertyValueResponse
)

var kindNames = map[Kind]string{
	KindGroupValueRead:            "GroupValueRead",
	KindGroupValueResponse:        "GroupValueResponse",
	KindGroupValueWrite:           "GroupValueWrite",
	KindIndividualAddressWrite:    "IndividualAddressWrite",
	KindIndividualAddressRead:     "IndividualAddressRead",
	KindIndividualAddressResponse: "IndividualAddressResponse",
	KindMemoryRead:                "MemoryRead",
	KindMemoryResponse:            "MemoryResponse",
	KindMemoryWrite:               "MemoryWrite",
	KindDeviceDescriptorRead:      "DeviceDescriptorRead",
	KindDeviceDescriptorResponse:  "DeviceDescriptorResponse",
	KindRestart:                   "Restart",
	KindPropertyValueRead:         "PropertyValueRead",
	KindPropertyValueResponse:     "PropertyValueResponse",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// APCI is an application-layer service with its parameters. Only the types
// in this package implement it.
type APCI interface {
	Kind() Kind
	// apdu returns the APDU octets. The first octet holds only the two high
	// APCI bits; the caller merges in the TPCI.
	apdu() []byte
}

// 10-bit APCI codes.
const (
	apciGroupValueRead            = 0x000
	apciGroupValueResponse        = 0x040
	apciGroupValueWrite           = 0x080
	apciIndividualAddressWrite    = 0x0C0
	apciIndividualAddressRead     = 0x100
	apciIndividualAddressResponse = 0x140
	apciMemoryRead                = 0x200
	apciMemoryResponse            = 0x240
	apciMemoryWrite               = 0x280
	apciDeviceDescriptorRead      = 0x300
	apciDeviceDescriptorResponse  = 0x340
	apciRestart                   = 0x380
	apciEscape                    = 0x3C0
	apciPropertyValueRead         = 0x3D5
	apciPropertyValueResponse     = 0x3D6

	apciClassMask = 0x3C0
	apciSmallMask = 0x3F
	apciHighMask  = 0x03

	// maxMemoryCount is the largest count a 6-bit memory service can carry.
	maxMemoryCount = 63

	propertyCountShift = 12
	propertyStartMask  = 0x0FFF
)

// GroupValueRead asks the group for its current value.
type GroupValueRead struct{}

// GroupValueResponse answers a GroupValueRead. Small values (6 bits or less)
// travel inside the APCI octet when Small is set.
type GroupValueResponse struct {
	Data  []byte
	Small bool
}

// GroupValueWrite sets a group value. See GroupValueResponse for Small.
type GroupValueWrite struct {
	Data  []byte
	Small bool
}

// IndividualAddressWrite assigns Address to every device in programming mode.
type IndividualAddressWrite struct {
	Address IndividualAddress
}

// IndividualAddressRead asks devices in programming mode for their address.
type IndividualAddressRead struct{}

// IndividualAddressResponse is sent by a device in programming mode; the
// answer is the frame's source address.
type IndividualAddressResponse struct{}

// MemoryRead requests Count bytes from device memory at Address.
type MemoryRead struct {
	Count   uint8
	Address uint16
}

// MemoryResponse returns memory contents, echoing count and address.
type MemoryResponse struct {
	Count   uint8
	Address uint16
	Data    []byte
}

// MemoryWrite writes Data to device memory at Address. A zero Count is
// taken from len(Data).
type MemoryWrite struct {
	Count   uint8
	Address uint16
	Data    []byte
}

// DeviceDescriptorRead requests a device descriptor (type 0 is the mask version).
type DeviceDescriptorRead struct {
	Descriptor uint8
}

// DeviceDescriptorResponse carries a device descriptor.
type DeviceDescriptorResponse struct {
	Descriptor uint8
	Value      []byte
}

// MaskVersion returns the descriptor value as a 16-bit mask version.
func (r DeviceDescriptorResponse) MaskVersion() uint16 {
	if len(r.Value) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(r.Value)
}

// Restart performs a basic restart of the device.
type Restart struct{}

// PropertyValueRead reads Count elements of a property starting at StartIndex.
type PropertyValueRead struct {
	ObjectIndex uint8
	PropertyID  uint8
	Count       uint8
	StartIndex  uint16
}

// PropertyValueResponse answers a PropertyValueRead.
type PropertyValueResponse struct {
	ObjectIndex uint8
	PropertyID  uint8
	Count       uint8
	StartIndex  uint16
	Data        []byte
}

func (GroupValueRead) Kind() Kind            { return KindGroupValueRead }
func (GroupValueResponse) Kind() Kind        { return KindGroupValueResponse }
func (GroupValueWrite) Kind() Kind           { return KindGroupValueWrite }
func (IndividualAddressWrite) Kind() Kind    { return KindIndividualAddressWrite }
func (IndividualAddressRead) Kind() Kind     { return KindIndividualAddressRead }
func (IndividualAddressResponse) Kind() Kind { return KindIndividualAddressResponse }
func (MemoryRead) Kind() Kind                { return KindMemoryRead }
func (MemoryResponse) Kind() Kind            { return KindMemoryResponse }
func (MemoryWrite) Kind() Kind               { return KindMemoryWrite }
func (DeviceDescriptorRead) Kind() Kind      { return KindDeviceDescriptorRead }
func (DeviceDescriptorResponse) Kind() Kind  { return KindDeviceDescriptorResponse }
func (Restart) Kind() Kind                   { return KindRestart }
func (PropertyValueRead) Kind() Kind         { return KindPropertyValueRead }
func (PropertyValueResponse) Kind() Kind     { return KindPropertyValueResponse }

// header returns the two APCI octets for a 10-bit code plus 6-bit data.
func header(code uint16, low uint8) []byte {
	return []byte{byte(code>>8) & apciHighMask, byte(code&0xFF) | (low & apciSmallMask)}
}

func groupValue(code uint16, data []byte, small bool) []byte {
	if small && len(data) == 1 {
		return header(code, data[0])
	}
	return append(header(code, 0), data...)
}

func (GroupValueRead) apdu() []byte { return header(apciGroupValueRead, 0) }

func (p GroupValueResponse) apdu() []byte {
	return groupValue(apciGroupValueResponse, p.Data, p.Small)
}

func (p GroupValueWrite) apdu() []byte {
	return groupValue(apciGroupValueWrite, p.Data, p.Small)
}

func (p IndividualAddressWrite) apdu() []byte {
	return binary.BigEndian.AppendUint16(header(apciIndividualAddressWrite, 0), p.Address.Raw())
}

func (IndividualAddressRead) apdu() []byte { return header(apciIndividualAddressRead, 0) }

func (IndividualAddressResponse) apdu() []byte { return header(apciIndividualAddressResponse, 0) }

func (p MemoryRead) apdu() []byte {
	return binary.BigEndian.AppendUint16(header(apciMemoryRead, p.Count), p.Address)
}

func (p MemoryResponse) apdu() []byte {
	b := binary.BigEndian.AppendUint16(header(apciMemoryResponse, p.Count), p.Address)
	return append(b, p.Data...)
}

func (p MemoryWrite) apdu() []byte {
	count := p.Count
	if count == 0 {
		count = uint8(min(len(p.Data), maxMemoryCount)) //nolint:gosec // clamped to 63
	}
	b := binary.BigEndian.AppendUint16(header(apciMemoryWrite, count), p.Address)
	return append(b, p.Data...)
}

func (p DeviceDescriptorRead) apdu() []byte {
	return header(apciDeviceDescriptorRead, p.Descriptor)
}

func (p DeviceDescriptorResponse) apdu() []byte {
	return append(header(apciDeviceDescriptorResponse, p.Descriptor), p.Value...)
}

func (Restart) apdu() []byte { return header(apciRestart, 0) }

func propertyHeader(code uint16, obj, prop, count uint8, start uint16) []byte {
	b := append(header(code, 0), obj, prop)
	return binary.BigEndian.AppendUint16(b, uint16(count&0x0F)<<propertyCountShift|start&propertyStartMask)
}

func (p PropertyValueRead) apdu() []byte {
	return propertyHeader(apciPropertyValueRead, p.ObjectIndex, p.PropertyID, p.Count, p.StartIndex)
}

func (p PropertyValueResponse) apdu() []byte {
	b := propertyHeader(apciPropertyValueResponse, p.ObjectIndex, p.PropertyID, p.Count, p.StartIndex)
	return append(b, p.Data...)
}

// EncodeTPDU builds a TPDU from a control field and an optional payload.
// Control TPCIs produce a single octet and ignore the payload.
func EncodeTPDU(t TPCI, payload APCI) []byte {
	tpci := EncodeTPCI(t)
	if IsControl(t) || payload == nil {
		return []byte{tpci}
	}
	b := payload.apdu()
	b[0] |= tpci
	return b
}

// DecodeAPCI parses the application part of a data TPDU (at least two octets).
func DecodeAPCI(tpdu []byte) (APCI, error) {
	if len(tpdu) < 2 {
		return nil, fmt.Errorf("%w: data TPDU needs 2 octets, got %d", ErrInvalidTPDU, len(tpdu))
	}

	code := uint16(tpdu[0]&apciHighMask)<<8 | uint16(tpdu[1])
	low := uint8(code & apciSmallMask) //nolint:gosec // masked to 6 bits
	rest := tpdu[2:]

	switch code & apciClassMask {
	case apciGroupValueRead:
		return GroupValueRead{}, nil
	case apciGroupValueResponse:
		data, small := groupData(low, rest)
		return GroupValueResponse{Data: data, Small: small}, nil
	case apciGroupValueWrite:
		data, small := groupData(low, rest)
		return GroupValueWrite{Data: data, Small: small}, nil
	case apciIndividualAddressWrite:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: IndividualAddressWrite without address", ErrInvalidTPDU)
		}
		return IndividualAddressWrite{Address: IndividualAddressFromUint16(binary.BigEndian.Uint16(rest))}, nil
	case apciIndividualAddressRead:
		return IndividualAddressRead{}, nil
	case apciIndividualAddressResponse:
		return IndividualAddressResponse{}, nil
	case apciMemoryRead:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: MemoryRead without address", ErrInvalidTPDU)
		}
		return MemoryRead{Count: low, Address: binary.BigEndian.Uint16(rest)}, nil
	case apciMemoryResponse:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: MemoryResponse without address", ErrInvalidTPDU)
		}
		return MemoryResponse{Count: low, Address: binary.BigEndian.Uint16(rest), Data: clone(rest[2:])}, nil
	case apciMemoryWrite:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: MemoryWrite without address", ErrInvalidTPDU)
		}
		return MemoryWrite{Count: low, Address: binary.BigEndian.Uint16(rest), Data: clone(rest[2:])}, nil
	case apciDeviceDescriptorRead:
		return DeviceDescriptorRead{Descriptor: low}, nil
	case apciDeviceDescriptorResponse:
		return DeviceDescriptorResponse{Descriptor: low, Value: clone(rest)}, nil
	case apciRestart:
		return Restart{}, nil
	case apciEscape:
		return decodeEscape(code, rest)
	}
	return nil, fmt.Errorf("%w: 0x%03X", ErrUnsupportedAPCI, code)
}

func decodeEscape(code uint16, rest []byte) (APCI, error) {
	switch code {
	case apciPropertyValueRead, apciPropertyValueResponse:
	default:
		return nil, fmt.Errorf("%w: 0x%03X", ErrUnsupportedAPCI, code)
	}
	if len(rest) < 4 { //nolint:mnd // object(1) + property(1) + count/start(2)
		return nil, fmt.Errorf("%w: property service header too short", ErrInvalidTPDU)
	}
	countStart := binary.BigEndian.Uint16(rest[2:4])
	count := uint8(countStart >> propertyCountShift) //nolint:gosec // 4 bits
	start := countStart & propertyStartMask

	if code == apciPropertyValueRead {
		return PropertyValueRead{ObjectIndex: rest[0], PropertyID: rest[1], Count: count, StartIndex: start}, nil
	}
	return PropertyValueResponse{
		ObjectIndex: rest[0],
		PropertyID:  rest[1],
		Count:       count,
		StartIndex:  start,
		Data:        clone(rest[4:]),
	}, nil
}

func groupData(low uint8, rest []byte) ([]byte, bool) {
	if len(rest) == 0 {
		return []byte{low}, true
	}
	return clone(rest), false
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
