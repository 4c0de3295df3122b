package telegram

import "fmt"

// Direction tells whether a telegram was received from or is sent to the bus.
type Direction uint8

const (
	// Outgoing telegrams are created locally. It is the zero value.
	Outgoing Direction = iota
	// Incoming telegrams were decoded from the bus.
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Priority is the bus access priority. The zero value is PriorityLow, which
// is the default for management traffic.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityUrgent
	PrioritySystem
)

// Wire encodings of the priority bits in control field 1.
const (
	prioBitsSystem = 0x00
	prioBitsNormal = 0x01
	prioBitsUrgent = 0x02
	prioBitsLow    = 0x03
)

// Bits returns the 2-bit wire encoding.
func (p Priority) Bits() uint8 {
	switch p {
	case PrioritySystem:
		return prioBitsSystem
	case PriorityNormal:
		return prioBitsNormal
	case PriorityUrgent:
		return prioBitsUrgent
	default:
		return prioBitsLow
	}
}

// PriorityFromBits decodes the 2-bit wire encoding.
func PriorityFromBits(bits uint8) Priority {
	switch bits & 0x03 {
	case prioBitsSystem:
		return PrioritySystem
	case prioBitsNormal:
		return PriorityNormal
	case prioBitsUrgent:
		return PriorityUrgent
	default:
		return PriorityLow
	}
}

func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	default:
		return "low"
	}
}

// Telegram is a bus message between the cEMI handler and the layers above.
//
// A nil TPCI means "derive from the destination"; use Transport to read the
// effective value. Control telegrams (Connect, Disconnect, Ack, Nak) carry a
// nil Payload.
type Telegram struct {
	Destination Address
	Source      IndividualAddress
	Direction   Direction
	Payload     APCI
	TPCI        TPCI
	Priority    Priority
}

// Option configures a Telegram built with New.
type Option func(*Telegram)

// WithTPCI sets an explicit transport control field.
func WithTPCI(t TPCI) Option {
	return func(tg *Telegram) { tg.TPCI = t }
}

// WithSource sets the source address.
func WithSource(src IndividualAddress) Option {
	return func(tg *Telegram) { tg.Source = src }
}

// WithPriority sets the bus priority.
func WithPriority(p Priority) Option {
	return func(tg *Telegram) { tg.Priority = p }
}

// WithDirection sets the direction.
func WithDirection(d Direction) Option {
	return func(tg *Telegram) { tg.Direction = d }
}

// New creates an outgoing telegram. Unless WithTPCI is given, the control
// field is derived from dst.
//
// Example:
//
//	t := telegram.New(telegram.Broadcast, telegram.IndividualAddressRead{})
//	// t.TPCI == telegram.DataBroadcast{}
func New(dst Address, payload APCI, opts ...Option) Telegram {
	t := Telegram{
		Destination: dst,
		Payload:     payload,
	}
	for _, opt := range opts {
		opt(&t)
	}
	if t.TPCI == nil {
		t.TPCI = DefaultTPCI(dst)
	}
	return t
}

// Transport returns the effective control field.
func (t Telegram) Transport() TPCI {
	if t.TPCI != nil {
		return t.TPCI
	}
	return DefaultTPCI(t.Destination)
}

// IsGroup reports whether the destination is a group address (including broadcast).
func (t Telegram) IsGroup() bool {
	_, ok := t.Destination.(GroupAddress)
	return ok
}

func (t Telegram) String() string {
	payload := "none"
	if t.Payload != nil {
		payload = t.Payload.Kind().String()
	}
	dst := "<nil>"
	if t.Destination != nil {
		dst = t.Destination.String()
	}
	return fmt.Sprintf("<Telegram %s %s -> %s tpci=%s payload=%s prio=%s>",
		t.Direction, t.Source, dst, t.Transport(), payload, t.Priority)
}
