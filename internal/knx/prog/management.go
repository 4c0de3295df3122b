package prog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
	"github.com/nerrad567/knxmgmt/internal/knx/transport"
)

// NetworkManagement runs network management procedures. It holds at most
// one managed device; installing a new one finishes the previous one.
//
// Thread Safety: methods may be called concurrently, but procedures share
// the managed device slot. Callers serialise procedures (see the
// commissioning runner).
type NetworkManagement struct {
	dispatcher *transport.Dispatcher
	cfg        Config

	mu      sync.Mutex
	managed *Device

	logger   Logger
	loggerMu sync.RWMutex
}

// NewNetworkManagement creates a procedure runner on dispatcher.
func NewNetworkManagement(dispatcher *transport.Dispatcher, cfg Config) *NetworkManagement {
	return &NetworkManagement{
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
	}
}

// SetLogger sets the logger for procedures and the devices they create.
func (nm *NetworkManagement) SetLogger(logger Logger) {
	nm.loggerMu.Lock()
	nm.logger = logger
	nm.loggerMu.Unlock()
}

// ManagedDevice returns the current managed device, or nil.
func (nm *NetworkManagement) ManagedDevice() *Device {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.managed
}

// SetManagedDevice finishes the previous managed device and installs d.
func (nm *NetworkManagement) SetManagedDevice(ctx context.Context, d *Device) {
	nm.mu.Lock()
	prev := nm.managed
	nm.managed = d
	nm.mu.Unlock()

	if prev != nil && prev != d {
		prev.Finish(ctx)
	}
}

// ConnectManagedDevice makes a device at address the managed device and
// connects to it.
func (nm *NetworkManagement) ConnectManagedDevice(ctx context.Context, address telegram.IndividualAddress) (Result, error) {
	d := NewDevice(nm.dispatcher, address, nm.cfg)
	if l := nm.getLogger(); l != nil {
		d.SetLogger(l)
	}
	nm.SetManagedDevice(ctx, d)

	present, err := d.Connect(ctx)
	if err != nil {
		return ResultUnknown, err
	}
	if !present {
		return ResultNotExists, nil
	}
	return ResultOK, nil
}

// DisconnectManagedDevice releases the managed device, if any.
func (nm *NetworkManagement) DisconnectManagedDevice(ctx context.Context) {
	if d := nm.ManagedDevice(); d != nil {
		d.Finish(ctx)
	}
}

// WriteIndividualAddress assigns address to the device whose programming
// button is pressed.
//
// It returns ResultExists when a device already answers at address and
// ResultTimeOut when no button is pressed within the configured wait or the
// device stops answering after the address write. A non-nil error always
// comes with ResultUnknown.
func (nm *NetworkManagement) WriteIndividualAddress(ctx context.Context, address telegram.IndividualAddress) (Result, error) {
	result, err := nm.ConnectManagedDevice(ctx, address)
	if err != nil {
		return result, err
	}
	d := nm.ManagedDevice()
	if result == ResultOK {
		nm.logInfo("address already in use", "address", address.String())
		if err := d.Disconnect(ctx); err != nil {
			nm.logWarn("disconnect after probe failed", "address", address.String(), "error", err)
		}
		return ResultExists, nil
	}

	nm.logInfo("press the programming button", "address", address.String(), "wait", nm.cfg.ButtonWait)

	waitCtx, cancel := context.WithTimeout(ctx, nm.cfg.ButtonWait)
	current, err := d.ReadIndividualAddress(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return ResultTimeOut, nil
		}
		return ResultUnknown, err
	}
	nm.logInfo("device in programming mode", "current_address", current.String())

	if err := d.WriteIndividualAddress(ctx); err != nil {
		return ResultUnknown, fmt.Errorf("write address %s: %w", address, err)
	}

	present, err := d.Connect(ctx)
	if err != nil {
		return nm.outcome(ctx, "connect after address write", address, err)
	}
	defer d.Finish(ctx)
	if !present {
		nm.logWarn("no answer after address write", "address", address.String())
		return ResultTimeOut, nil
	}

	if _, err := d.ReadFixedProperty(ctx); err != nil {
		return nm.outcome(ctx, "property read after address write", address, err)
	}

	if err := d.Restart(ctx); err != nil {
		return nm.outcome(ctx, "restart", address, err)
	}
	if err := sleep(ctx, nm.cfg.RestartSettle); err != nil {
		return ResultUnknown, err
	}

	nm.logInfo("address assigned", "address", address.String())
	return ResultOK, nil
}

// ReadModifyWriteMemoryBit switches the memory bit of the device at
// address. The byte is only written when it holds the opposite sentinel.
func (nm *NetworkManagement) ReadModifyWriteMemoryBit(ctx context.Context, address telegram.IndividualAddress, mode Mode) (Result, error) {
	var want, from byte
	switch mode {
	case ModeOn:
		from, want = nm.cfg.MemoryBitOff, nm.cfg.MemoryBitOn
	case ModeOff:
		from, want = nm.cfg.MemoryBitOn, nm.cfg.MemoryBitOff
	default:
		return ResultUnknown, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}

	result, err := nm.ConnectManagedDevice(ctx, address)
	defer nm.DisconnectManagedDevice(ctx)
	if err != nil || result != ResultOK {
		return result, err
	}

	data, err := nm.ReadMemory(ctx, address, nm.cfg.MemoryBitOffset, 1)
	if err != nil {
		return nm.outcome(ctx, "memory bit read", address, err)
	}

	switch data[0] {
	case want:
		nm.logInfo("memory bit already set", "address", address.String(), "mode", mode.String())
		return ResultOK, nil
	case from:
		if err := nm.WriteMemory(ctx, address, nm.cfg.MemoryBitOffset, []byte{want}); err != nil {
			return nm.outcome(ctx, "memory bit write", address, err)
		}
		nm.logInfo("memory bit switched", "address", address.String(), "mode", mode.String())
		return ResultOK, nil
	default:
		nm.logWarn("memory bit holds unexpected value, left unchanged",
			"address", address.String(), "value", fmt.Sprintf("0x%02X", data[0]))
		return ResultOK, nil
	}
}

// ReadMemory reads count bytes from the connected managed device at
// address and checks the echoed offset and count.
func (nm *NetworkManagement) ReadMemory(ctx context.Context, address telegram.IndividualAddress, offset uint16, count uint8) ([]byte, error) {
	d, err := nm.connectedDevice(address)
	if err != nil {
		return nil, err
	}

	gotOffset, gotCount, data, err := d.ReadMemory(ctx, offset, count)
	if err != nil {
		return nil, err
	}
	if gotOffset != offset {
		return nil, fmt.Errorf("%w: read from 0x%04X answered for 0x%04X", ErrProtocolMismatch, offset, gotOffset)
	}
	if gotCount != count || len(data) != int(count) {
		return nil, fmt.Errorf("%w: read %d bytes answered with %d", ErrProtocolMismatch, count, gotCount)
	}
	return data, nil
}

// WriteMemory writes data to the connected managed device at address.
func (nm *NetworkManagement) WriteMemory(ctx context.Context, address telegram.IndividualAddress, offset uint16, data []byte) error {
	d, err := nm.connectedDevice(address)
	if err != nil {
		return err
	}
	return d.WriteMemory(ctx, offset, data)
}

// ReadIndividualAddressByButton reports the address of the device whose
// programming button is pressed. It waits at most the configured button wait.
func (nm *NetworkManagement) ReadIndividualAddressByButton(ctx context.Context) (telegram.IndividualAddress, Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, nm.cfg.ButtonWait)
	defer cancel()

	d := NewDevice(nm.dispatcher, telegram.IndividualAddress{}, nm.cfg)
	addr, err := d.ReadIndividualAddress(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return telegram.IndividualAddress{}, ResultTimeOut, nil
		}
		return telegram.IndividualAddress{}, ResultUnknown, err
	}
	return addr, ResultOK, nil
}

// ConnectDevice connects to address, runs fn and always disconnects, also
// when fn fails or panics.
func (nm *NetworkManagement) ConnectDevice(ctx context.Context, address telegram.IndividualAddress, fn func(ctx context.Context, d *Device) error) error {
	result, err := nm.ConnectManagedDevice(ctx, address)
	defer nm.DisconnectManagedDevice(ctx)
	if err != nil {
		return err
	}
	if result != ResultOK {
		return fmt.Errorf("%w: %s (%s)", ErrDeviceNotConnected, address, result)
	}
	return fn(ctx, nm.ManagedDevice())
}

// outcome turns a failed procedure step into a result. A device that
// stops answering gives ResultTimeOut; when ctx itself has ended, or the
// error is not a timeout, the error is returned.
func (nm *NetworkManagement) outcome(ctx context.Context, step string, address telegram.IndividualAddress, err error) (Result, error) {
	if ctx.Err() == nil && isTimeout(err) {
		nm.logWarn(step+" timed out", "address", address.String(), "error", err)
		return ResultTimeOut, nil
	}
	return ResultUnknown, err
}

func (nm *NetworkManagement) connectedDevice(address telegram.IndividualAddress) (*Device, error) {
	d := nm.ManagedDevice()
	if d == nil || d.Address() != address || d.Status() != StatusConnected {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, address)
	}
	return d, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (nm *NetworkManagement) getLogger() Logger {
	nm.loggerMu.RLock()
	defer nm.loggerMu.RUnlock()
	return nm.logger
}

func (nm *NetworkManagement) logInfo(msg string, keysAndValues ...any) {
	if l := nm.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (nm *NetworkManagement) logWarn(msg string, keysAndValues ...any) {
	if l := nm.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}
