package prog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
	"github.com/nerrad567/knxmgmt/internal/knx/transport"
)

// Logger interface for optional logging.
type Logger = transport.Logger

// Device is a device under programming. It owns at most one transport
// connection at a time.
//
// Thread Safety: all methods are safe for concurrent use; bus operations
// on one device are serialised by its connection.
type Device struct {
	dispatcher *transport.Dispatcher
	address    telegram.IndividualAddress
	cfg        Config

	mu     sync.Mutex
	conn   *transport.Connection
	status Status

	logger Logger
}

// NewDevice creates a device handle for address. No bus traffic happens
// until Connect.
func NewDevice(dispatcher *transport.Dispatcher, address telegram.IndividualAddress, cfg Config) *Device {
	return &Device{
		dispatcher: dispatcher,
		address:    address,
		cfg:        cfg.withDefaults(),
	}
}

// SetLogger sets the logger for this device. Call before use.
func (d *Device) SetLogger(logger Logger) {
	d.logger = logger
}

// Address returns the individual address of the device.
func (d *Device) Address() telegram.IndividualAddress {
	return d.address
}

// Status returns the connection status.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Connect probes the device with a transport connection. It reports
// whether a device occupies the address; a device that refuses the
// connection is present too.
func (d *Device) Connect(ctx context.Context) (bool, error) {
	d.mu.Lock()
	if d.conn != nil && d.conn.State() == transport.StateConnected {
		d.mu.Unlock()
		return true, nil
	}
	d.mu.Unlock()

	conn, err := d.dispatcher.Open(d.address, d.cfg.transport())
	if err != nil {
		return false, err
	}
	if d.logger != nil {
		conn.SetLogger(d.logger)
	}

	result, err := conn.Connect(ctx)
	if err != nil {
		return false, fmt.Errorf("connect to %s: %w", d.address, err)
	}

	d.mu.Lock()
	d.conn = conn
	if result.Present() {
		d.status = StatusConnected
	}
	d.mu.Unlock()

	d.logDebug("probe finished", "address", d.address.String(), "result", result.String())
	return result.Present(), nil
}

// ReadDeviceDescriptor returns the mask version (descriptor type 0).
func (d *Device) ReadDeviceDescriptor(ctx context.Context) (uint16, error) {
	conn, err := d.connection()
	if err != nil {
		return 0, err
	}
	if mv := conn.MaskVersion(); mv != 0 {
		return mv, nil
	}

	resp, err := conn.Request(ctx, telegram.DeviceDescriptorRead{}, telegram.KindDeviceDescriptorResponse)
	if err != nil {
		return 0, err
	}
	desc, _ := resp.Payload.(telegram.DeviceDescriptorResponse)
	return desc.MaskVersion(), nil
}

// ReadIndividualAddress waits for a device in programming mode, repeating
// the broadcast read every poll interval. ctx bounds the wait.
func (d *Device) ReadIndividualAddress(ctx context.Context) (telegram.IndividualAddress, error) {
	resp, err := d.dispatcher.Broadcast().Poll(ctx,
		telegram.IndividualAddressRead{},
		telegram.KindIndividualAddressResponse,
		d.cfg.ButtonPollInterval)
	if err != nil {
		return telegram.IndividualAddress{}, err
	}
	return resp.Source, nil
}

// WriteIndividualAddress assigns this device's address to the device in
// programming mode.
func (d *Device) WriteIndividualAddress(ctx context.Context) error {
	return d.dispatcher.Broadcast().Send(ctx, telegram.IndividualAddressWrite{Address: d.address})
}

// ReadMemory reads count bytes at offset. It returns the offset and count
// echoed by the device along with the data.
func (d *Device) ReadMemory(ctx context.Context, offset uint16, count uint8) (uint16, uint8, []byte, error) {
	conn, err := d.connection()
	if err != nil {
		return 0, 0, nil, err
	}

	resp, err := conn.Request(ctx, telegram.MemoryRead{Count: count, Address: offset}, telegram.KindMemoryResponse)
	if err != nil {
		return 0, 0, nil, err
	}
	mem, _ := resp.Payload.(telegram.MemoryResponse)
	return mem.Address, mem.Count, mem.Data, nil
}

// WriteMemory writes data at offset.
func (d *Device) WriteMemory(ctx context.Context, offset uint16, data []byte) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}
	return conn.SendOnly(ctx, telegram.MemoryWrite{Address: offset, Data: data})
}

// ReadFixedProperty reads property 0x0B of object 0, as ETS does after
// assigning an address.
func (d *Device) ReadFixedProperty(ctx context.Context) (telegram.PropertyValueResponse, error) {
	conn, err := d.connection()
	if err != nil {
		return telegram.PropertyValueResponse{}, err
	}

	resp, err := conn.Request(ctx,
		telegram.PropertyValueRead{ObjectIndex: 0, PropertyID: 0x0B, Count: 1, StartIndex: 1},
		telegram.KindPropertyValueResponse)
	if err != nil {
		return telegram.PropertyValueResponse{}, err
	}
	prop, _ := resp.Payload.(telegram.PropertyValueResponse)
	return prop, nil
}

// Restart sends a basic restart. The device does not acknowledge it.
func (d *Device) Restart(ctx context.Context) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}
	return conn.SendUnacknowledged(ctx, telegram.Restart{})
}

// Disconnect closes the transport connection.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.status = StatusNotConnected
	d.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Disconnect(ctx)
}

// Finish releases the device. Errors are logged, not returned.
func (d *Device) Finish(ctx context.Context) {
	if err := d.Disconnect(ctx); err != nil {
		d.logWarn("finishing device", "address", d.address.String(), "error", err)
	}
}

func (d *Device) connection() (*transport.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != StatusConnected || d.conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, d.address)
	}
	return d.conn, nil
}

func (d *Device) logDebug(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, keysAndValues...)
	}
}

func (d *Device) logWarn(msg string, keysAndValues ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, keysAndValues...)
	}
}

// isTimeout reports whether err is a transport or context timeout.
func isTimeout(err error) bool {
	return errors.Is(err, transport.ErrConnectionTimeout) || errors.Is(err, context.DeadlineExceeded)
}
