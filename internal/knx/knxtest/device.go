package knxtest

import (
	"sync"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// Device is a scripted bus device. It answers transport connections,
// descriptor, memory and property reads, and the broadcast address services
// while in programming mode.
type Device struct {
	mu sync.Mutex

	address         telegram.IndividualAddress
	maskVersion     uint16
	memory          map[uint16]byte
	programmingMode bool
	refuse          bool
	silent          bool
	dropAcks        int
	badEcho         bool

	connected bool
	seqOut    uint8
	restarts  int
	received  []telegram.Telegram
}

// NewDevice creates a device at address with mask version 0x07B0.
func NewDevice(address telegram.IndividualAddress) *Device {
	return &Device{
		address:     address,
		maskVersion: 0x07B0,
		memory:      make(map[uint16]byte),
	}
}

// SetMemory stores data at offset.
func (d *Device) SetMemory(offset uint16, data ...byte) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range data {
		d.memory[offset+uint16(i)] = v //nolint:gosec // test data
	}
	return d
}

// Memory returns count bytes at offset.
func (d *Device) Memory(offset uint16, count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, count)
	for i := range out {
		out[i] = d.memory[offset+uint16(i)] //nolint:gosec // test data
	}
	return out
}

// PressProgrammingButton puts the device in programming mode.
func (d *Device) PressProgrammingButton() *Device {
	d.mu.Lock()
	d.programmingMode = true
	d.mu.Unlock()
	return d
}

// RefuseConnections makes the device answer T_Connect with T_Disconnect.
func (d *Device) RefuseConnections() *Device {
	d.mu.Lock()
	d.refuse = true
	d.mu.Unlock()
	return d
}

// Silence makes the device ignore all individually addressed traffic.
func (d *Device) Silence() *Device {
	d.mu.Lock()
	d.silent = true
	d.mu.Unlock()
	return d
}

// DropAcks makes the device swallow the next n DataConnected frames
// without acknowledging them.
func (d *Device) DropAcks(n int) *Device {
	d.mu.Lock()
	d.dropAcks = n
	d.mu.Unlock()
	return d
}

// CorruptEcho makes memory responses echo the wrong offset.
func (d *Device) CorruptEcho() *Device {
	d.mu.Lock()
	d.badEcho = true
	d.mu.Unlock()
	return d
}

// Address returns the current individual address.
func (d *Device) Address() telegram.IndividualAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Restarts returns how many restarts the device received.
func (d *Device) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

// Received returns the telegrams addressed to this device.
func (d *Device) Received() []telegram.Telegram {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]telegram.Telegram(nil), d.received...)
}

func (d *Device) handle(t telegram.Telegram) []telegram.Telegram {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ga, ok := t.Destination.(telegram.GroupAddress); ok {
		if ga.IsBroadcast() {
			return d.handleBroadcast(t)
		}
		return nil
	}
	if t.Destination != d.address || d.silent {
		return nil
	}
	d.received = append(d.received, t)

	switch tpci := t.Transport().(type) {
	case telegram.Connect:
		if d.refuse {
			return []telegram.Telegram{d.reply(telegram.Disconnect{}, nil)}
		}
		d.connected = true
		d.seqOut = 0
	case telegram.Disconnect:
		d.connected = false
	case telegram.DataConnected:
		return d.handleData(tpci.Sequence, t.Payload)
	}
	return nil
}

func (d *Device) handleData(seq uint8, payload telegram.APCI) []telegram.Telegram {
	if !d.connected {
		return []telegram.Telegram{d.reply(telegram.Disconnect{}, nil)}
	}
	if _, ok := payload.(telegram.Restart); ok {
		d.restarts++
		d.connected = false
		return nil
	}
	if d.dropAcks > 0 {
		d.dropAcks--
		return nil
	}

	out := []telegram.Telegram{d.reply(telegram.Ack{Sequence: seq}, nil)}

	var resp telegram.APCI
	switch p := payload.(type) {
	case telegram.DeviceDescriptorRead:
		resp = telegram.DeviceDescriptorResponse{
			Descriptor: p.Descriptor,
			Value:      []byte{byte(d.maskVersion >> 8), byte(d.maskVersion)},
		}
	case telegram.MemoryRead:
		data := make([]byte, p.Count)
		for i := range data {
			data[i] = d.memory[p.Address+uint16(i)] //nolint:gosec // test data
		}
		echo := p.Address
		if d.badEcho {
			echo++
		}
		resp = telegram.MemoryResponse{Count: p.Count, Address: echo, Data: data}
	case telegram.MemoryWrite:
		for i, v := range p.Data {
			d.memory[p.Address+uint16(i)] = v //nolint:gosec // test data
		}
	case telegram.PropertyValueRead:
		resp = telegram.PropertyValueResponse{
			ObjectIndex: p.ObjectIndex,
			PropertyID:  p.PropertyID,
			Count:       p.Count,
			StartIndex:  p.StartIndex,
			Data:        []byte{0x00, 0x83, 0x00, 0x01, 0x02, 0x03},
		}
	}

	if resp != nil {
		out = append(out, d.reply(telegram.DataConnected{Sequence: d.seqOut}, resp))
		d.seqOut = telegram.NextSequence(d.seqOut)
	}
	return out
}

func (d *Device) handleBroadcast(t telegram.Telegram) []telegram.Telegram {
	if !d.programmingMode {
		return nil
	}
	switch p := t.Payload.(type) {
	case telegram.IndividualAddressRead:
		return []telegram.Telegram{{
			Destination: telegram.Broadcast,
			Source:      d.address,
			Direction:   telegram.Incoming,
			Payload:     telegram.IndividualAddressResponse{},
			TPCI:        telegram.DataBroadcast{},
		}}
	case telegram.IndividualAddressWrite:
		d.address = p.Address
	}
	return nil
}

// reply builds a telegram from the device; the bus fills the destination.
func (d *Device) reply(tpci telegram.TPCI, payload telegram.APCI) telegram.Telegram {
	return telegram.Telegram{
		Source:    d.address,
		Direction: telegram.Incoming,
		Payload:   payload,
		TPCI:      tpci,
	}
}
