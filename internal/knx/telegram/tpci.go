package telegram

import "fmt"

// TPCI is the transport-layer control field of a TPDU. It is a closed set:
// DataGroup, DataBroadcast, DataIndividual, DataConnected, Connect,
// Disconnect, Ack and Nak.
type TPCI interface {
	fmt.Stringer
	isTPCI()
}

// DataGroup is connectionless data to a group address.
type DataGroup struct{}

// DataBroadcast is connectionless data to the zero group address.
type DataBroadcast struct{}

// DataIndividual is connectionless data to an individual address.
type DataIndividual struct{}

// DataConnected is sequenced data inside a transport connection.
type DataConnected struct {
	Sequence uint8
}

// Connect opens a transport connection.
type Connect struct{}

// Disconnect closes a transport connection.
type Disconnect struct{}

// Ack accepts the DataConnected frame with the same sequence number.
type Ack struct {
	Sequence uint8
}

// Nak rejects the DataConnected frame with the same sequence number.
type Nak struct {
	Sequence uint8
}

func (DataGroup) isTPCI()      {}
func (DataBroadcast) isTPCI()  {}
func (DataIndividual) isTPCI() {}
func (DataConnected) isTPCI()  {}
func (Connect) isTPCI()        {}
func (Disconnect) isTPCI()     {}
func (Ack) isTPCI()            {}
func (Nak) isTPCI()            {}

func (DataGroup) String() string        { return "T_Data_Group" }
func (DataBroadcast) String() string    { return "T_Data_Broadcast" }
func (DataIndividual) String() string   { return "T_Data_Individual" }
func (t DataConnected) String() string  { return fmt.Sprintf("T_Data_Connected(%d)", t.Sequence) }
func (Connect) String() string          { return "T_Connect" }
func (Disconnect) String() string       { return "T_Disconnect" }
func (t Ack) String() string            { return fmt.Sprintf("T_Ack(%d)", t.Sequence) }
func (t Nak) String() string            { return fmt.Sprintf("T_Nak(%d)", t.Sequence) }

// TPCI wire layout (upper 6 bits of the first TPDU octet).
const (
	tpciControlFlag  = 0x80
	tpciNumberedFlag = 0x40
	tpciSeqMask      = 0x0F
	tpciSeqShift     = 2
	tpciLowMask      = 0x03

	tpciConnect    = 0x80
	tpciDisconnect = 0x81
	tpciAck        = 0xC2
	tpciNak        = 0xC3

	// SequenceModulo is the size of the transport sequence space.
	SequenceModulo = 16
)

// DefaultTPCI derives the control field from the destination kind: the zero
// group address is broadcast, any other group address is group data, and an
// individual address is individual data.
func DefaultTPCI(dst Address) TPCI {
	switch d := dst.(type) {
	case GroupAddress:
		if d.IsBroadcast() {
			return DataBroadcast{}
		}
		return DataGroup{}
	default:
		return DataIndividual{}
	}
}

// IsControl reports whether the TPCI is a control-only TPDU without APDU.
func IsControl(t TPCI) bool {
	switch t.(type) {
	case Connect, Disconnect, Ack, Nak:
		return true
	default:
		return false
	}
}

// IsNumbered reports whether the TPCI carries a sequence number.
func IsNumbered(t TPCI) bool {
	switch t.(type) {
	case DataConnected, Ack, Nak:
		return true
	default:
		return false
	}
}

// EncodeTPCI returns the first TPDU octet for t. For data TPCIs the two low
// bits are left clear for the APCI.
func EncodeTPCI(t TPCI) byte {
	switch v := t.(type) {
	case DataConnected:
		return tpciNumberedFlag | (v.Sequence&tpciSeqMask)<<tpciSeqShift
	case Connect:
		return tpciConnect
	case Disconnect:
		return tpciDisconnect
	case Ack:
		return tpciAck | (v.Sequence&tpciSeqMask)<<tpciSeqShift
	case Nak:
		return tpciNak | (v.Sequence&tpciSeqMask)<<tpciSeqShift
	default:
		return 0x00
	}
}

// DecodeTPCI interprets the first TPDU octet. The destination decides
// between group, broadcast and individual connectionless data.
func DecodeTPCI(b byte, dst Address) (TPCI, error) {
	seq := (b >> tpciSeqShift) & tpciSeqMask

	if b&tpciControlFlag == 0 {
		if b&tpciNumberedFlag != 0 {
			return DataConnected{Sequence: seq}, nil
		}
		return DefaultTPCI(dst), nil
	}

	if b&tpciNumberedFlag == 0 {
		switch b {
		case tpciConnect:
			return Connect{}, nil
		case tpciDisconnect:
			return Disconnect{}, nil
		}
		return nil, fmt.Errorf("%w: unnumbered control 0x%02X", ErrInvalidTPDU, b)
	}

	switch b & tpciLowMask {
	case tpciAck & tpciLowMask:
		return Ack{Sequence: seq}, nil
	case tpciNak & tpciLowMask:
		return Nak{Sequence: seq}, nil
	}
	return nil, fmt.Errorf("%w: numbered control 0x%02X", ErrInvalidTPDU, b)
}

// NextSequence returns seq+1 modulo 16.
func NextSequence(seq uint8) uint8 {
	return (seq + 1) % SequenceModulo
}
