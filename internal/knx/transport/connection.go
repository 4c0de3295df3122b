package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

const (
	// DefaultAckTimeout is how long a DataConnected frame waits for T_Ack.
	DefaultAckTimeout = 3 * time.Second

	// DefaultResponseTimeout is how long a request waits for the answer.
	DefaultResponseTimeout = 6 * time.Second

	// sendAttempts is the original transmission plus one repeat.
	sendAttempts = 2
)

// TelegramSender sends a telegram on the bus and waits for the link
// confirmation. *cemi.Handler implements it.
type TelegramSender interface {
	SendTelegram(ctx context.Context, t telegram.Telegram) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds connection timings. Zero values select the defaults.
type Config struct {
	AckTimeout      time.Duration
	ResponseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	return c
}

// State is the lifecycle of a Connection.
type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProbeResult is the outcome of Connection.Connect.
type ProbeResult int

const (
	// ProbeAbsent means nothing answered at the address.
	ProbeAbsent ProbeResult = iota
	// ProbeRefused means a device is present but closed the connection.
	ProbeRefused
	// ProbePresent means a device answered the descriptor read.
	ProbePresent
)

func (p ProbeResult) String() string {
	switch p {
	case ProbeRefused:
		return "refused"
	case ProbePresent:
		return "present"
	default:
		return "absent"
	}
}

// Present reports whether a device occupies the address.
func (p ProbeResult) Present() bool {
	return p == ProbeRefused || p == ProbePresent
}

// Connection is a connection-oriented transport session to one device.
//
// Thread Safety: all methods are safe for concurrent use. Only one of
// Request and SendOnly may be in flight; a concurrent call fails with
// ErrRequestPending.
type Connection struct {
	sender  TelegramSender
	address telegram.IndividualAddress
	cfg     Config
	onClose func(*Connection)

	// reqMu serialises Request and SendOnly.
	reqMu sync.Mutex

	mu             sync.Mutex
	state          State
	seqOut         uint8
	expectedIn     uint8
	receivedAny    bool
	awaitingAck    bool
	awaitingData   bool
	maskVersion    uint16
	refusedOnce    sync.Once
	refused        chan struct{}
	ackCh          chan telegram.TPCI
	respCh         chan telegram.Telegram
	backgroundSend sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

func newConnection(sender TelegramSender, address telegram.IndividualAddress, cfg Config, onClose func(*Connection)) *Connection {
	return &Connection{
		sender:  sender,
		address: address,
		cfg:     cfg.withDefaults(),
		onClose: onClose,
		refused: make(chan struct{}),
		ackCh:   make(chan telegram.TPCI, 1),
		respCh:  make(chan telegram.Telegram, 1),
	}
}

// SetLogger sets the logger for this connection.
func (c *Connection) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Address returns the peer address.
func (c *Connection) Address() telegram.IndividualAddress {
	return c.address
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MaskVersion returns the mask version read while connecting.
func (c *Connection) MaskVersion() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maskVersion
}

// Connect opens the connection and probes the peer with a device
// descriptor read. Absence and refusal are results, not errors.
func (c *Connection) Connect(ctx context.Context) (ProbeResult, error) {
	c.mu.Lock()
	if c.state != StateNotConnected {
		state := c.state
		c.mu.Unlock()
		return ProbeAbsent, fmt.Errorf("%w: connection to %s is %s", ErrConnectionExists, c.address, state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.sendControl(ctx, telegram.Connect{}); err != nil {
		c.close()
		if errors.Is(err, cemi.ErrConfirmationNegative) {
			return ProbeAbsent, nil
		}
		return ProbeAbsent, err
	}

	resp, err := c.Request(ctx, telegram.DeviceDescriptorRead{}, telegram.KindDeviceDescriptorResponse)
	switch {
	case err == nil:
		desc, _ := resp.Payload.(telegram.DeviceDescriptorResponse)
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateConnected
		}
		c.maskVersion = desc.MaskVersion()
		c.mu.Unlock()
		c.logDebug("device found", "address", c.address.String(), "mask_version", fmt.Sprintf("%04X", desc.MaskVersion()))
		return ProbePresent, nil

	case errors.Is(err, ErrConnectionRefused):
		c.logDebug("device refused transport connection", "address", c.address.String())
		c.close()
		return ProbeRefused, nil

	case errors.Is(err, ErrConnectionTimeout):
		c.logDebug("no device answered", "address", c.address.String())
		c.disconnectSilently(ctx)
		return ProbeAbsent, nil

	default:
		c.disconnectSilently(ctx)
		return ProbeAbsent, err
	}
}

// Request sends payload and waits for the response of the expected kind.
func (c *Connection) Request(ctx context.Context, payload telegram.APCI, expected telegram.Kind) (telegram.Telegram, error) {
	if !c.reqMu.TryLock() {
		return telegram.Telegram{}, ErrRequestPending
	}
	defer c.reqMu.Unlock()

	if err := c.usable(); err != nil {
		return telegram.Telegram{}, err
	}

	c.expectData(true)
	defer c.expectData(false)

	if err := c.sendAcknowledged(ctx, payload); err != nil {
		return telegram.Telegram{}, err
	}

	timer := time.NewTimer(c.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-c.respCh:
		if resp.Payload == nil || resp.Payload.Kind() != expected {
			got := "none"
			if resp.Payload != nil {
				got = resp.Payload.Kind().String()
			}
			return resp, fmt.Errorf("%w: expected %s, got %s", ErrProtocolMismatch, expected, got)
		}
		return resp, nil
	case <-c.refused:
		return telegram.Telegram{}, ErrConnectionRefused
	case <-timer.C:
		return telegram.Telegram{}, fmt.Errorf("%w: no %s from %s", ErrConnectionTimeout, expected, c.address)
	case <-ctx.Done():
		return telegram.Telegram{}, ctx.Err()
	}
}

// SendOnly sends payload and waits for its T_Ack, without waiting for a response.
func (c *Connection) SendOnly(ctx context.Context, payload telegram.APCI) error {
	if !c.reqMu.TryLock() {
		return ErrRequestPending
	}
	defer c.reqMu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	return c.sendAcknowledged(ctx, payload)
}

// SendUnacknowledged sends payload once and advances the sequence without
// waiting for T_Ack. Devices do not acknowledge a restart.
func (c *Connection) SendUnacknowledged(ctx context.Context, payload telegram.APCI) error {
	if !c.reqMu.TryLock() {
		return ErrRequestPending
	}
	defer c.reqMu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}

	c.mu.Lock()
	seq := c.seqOut
	c.seqOut = telegram.NextSequence(seq)
	c.mu.Unlock()

	return c.sender.SendTelegram(ctx, c.data(seq, payload))
}

// Disconnect sends T_Disconnect and closes the connection. It is a no-op
// on a closed connection, including one the peer closed.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.sendControl(ctx, telegram.Disconnect{})
	c.close()
	if err != nil {
		return fmt.Errorf("disconnect from %s: %w", c.address, err)
	}
	return nil
}

// Wait blocks until background acknowledgements have been handed to the sender.
func (c *Connection) Wait() {
	c.backgroundSend.Wait()
}

func (c *Connection) disconnectSilently(ctx context.Context) {
	if err := c.Disconnect(ctx); err != nil {
		c.logDebug("disconnect after failed probe", "address", c.address.String(), "error", err)
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	already := c.state == StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if !already && c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Connection) usable() error {
	select {
	case <-c.refused:
		return ErrConnectionRefused
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting, StateConnected:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, c.address, c.state)
	}
}

func (c *Connection) expectData(on bool) {
	c.mu.Lock()
	c.awaitingData = on
	c.mu.Unlock()
	if on {
		select {
		case <-c.respCh:
		default:
		}
	}
}

func (c *Connection) data(seq uint8, payload telegram.APCI) telegram.Telegram {
	return telegram.New(c.address, payload, telegram.WithTPCI(telegram.DataConnected{Sequence: seq}))
}

func (c *Connection) sendControl(ctx context.Context, tpci telegram.TPCI) error {
	return c.sender.SendTelegram(ctx, telegram.New(c.address, nil, telegram.WithTPCI(tpci)))
}

// sendAcknowledged sends one DataConnected frame and waits for its T_Ack,
// repeating it once if none arrives.
func (c *Connection) sendAcknowledged(ctx context.Context, payload telegram.APCI) error {
	c.mu.Lock()
	seq := c.seqOut
	c.awaitingAck = true
	c.mu.Unlock()

	select {
	case <-c.ackCh:
	default:
	}

	defer func() {
		c.mu.Lock()
		c.awaitingAck = false
		c.mu.Unlock()
	}()

	frame := c.data(seq, payload)
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			c.logInfo("no T_Ack, repeating frame", "address", c.address.String(), "sequence", seq)
		}

		err := c.sender.SendTelegram(ctx, frame)
		if errors.Is(err, cemi.ErrConfirmationNegative) {
			continue
		}
		if err != nil {
			return err
		}

		if done, err := c.awaitAck(ctx, seq); done {
			return err
		}
	}
	return fmt.Errorf("%w: no T_Ack from %s for sequence %d", ErrConnectionTimeout, c.address, seq)
}

// awaitAck waits for the acknowledgement of seq. done is false when the
// ack timeout expired and the frame may be repeated.
func (c *Connection) awaitAck(ctx context.Context, seq uint8) (done bool, err error) {
	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case tpci := <-c.ackCh:
		switch a := tpci.(type) {
		case telegram.Ack:
			if a.Sequence != seq {
				return true, fmt.Errorf("%w: T_Ack(%d) for sequence %d", ErrProtocolMismatch, a.Sequence, seq)
			}
			c.mu.Lock()
			c.seqOut = telegram.NextSequence(seq)
			c.mu.Unlock()
			return true, nil
		case telegram.Nak:
			return true, fmt.Errorf("%w: sequence %d to %s", ErrNak, a.Sequence, c.address)
		default:
			return true, fmt.Errorf("%w: unexpected %s", ErrProtocolMismatch, tpci)
		}
	case <-c.refused:
		return true, ErrConnectionRefused
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// process handles a telegram from the peer. It never blocks on the bus.
func (c *Connection) process(t telegram.Telegram) {
	switch tpci := t.Transport().(type) {
	case telegram.Disconnect:
		c.logInfo("peer closed transport connection", "address", c.address.String())
		c.refusedOnce.Do(func() { close(c.refused) })
		c.close()

	case telegram.Ack, telegram.Nak:
		c.mu.Lock()
		waiting := c.awaitingAck
		c.mu.Unlock()
		if !waiting {
			c.logWarn("unexpected acknowledgement", "address", c.address.String(), "tpci", tpci.String())
			return
		}
		select {
		case c.ackCh <- tpci:
		default:
		}

	case telegram.DataConnected:
		c.receive(tpci.Sequence, t)

	default:
		c.logDebug("ignoring telegram on transport connection", "telegram", t.String())
	}
}

func (c *Connection) receive(seq uint8, t telegram.Telegram) {
	c.mu.Lock()
	switch {
	case seq == c.expectedIn:
		c.expectedIn = telegram.NextSequence(seq)
		c.receivedAny = true
		deliver := c.awaitingData
		c.mu.Unlock()

		c.sendInBackground(telegram.Ack{Sequence: seq})
		if !deliver {
			c.logWarn("unexpected data from peer", "address", c.address.String(), "telegram", t.String())
			return
		}
		select {
		case c.respCh <- t:
		default:
			c.logWarn("response slot full, dropping data", "address", c.address.String())
		}

	case c.receivedAny && telegram.NextSequence(seq) == c.expectedIn:
		c.mu.Unlock()
		c.logDebug("repeated frame, acknowledging again", "address", c.address.String(), "sequence", seq)
		c.sendInBackground(telegram.Ack{Sequence: seq})

	default:
		expected := c.expectedIn
		c.mu.Unlock()
		c.logWarn("unexpected sequence number", "address", c.address.String(), "sequence", seq, "expected", expected)
		c.sendInBackground(telegram.Nak{Sequence: seq})
	}
}

func (c *Connection) sendInBackground(tpci telegram.TPCI) {
	c.backgroundSend.Add(1)
	go func() {
		defer c.backgroundSend.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
		defer cancel()
		if err := c.sendControl(ctx, tpci); err != nil {
			c.logWarn("sending transport control failed", "address", c.address.String(), "tpci", tpci.String(), "error", err)
		}
	}()
}

func (c *Connection) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Connection) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Connection) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Connection) logWarn(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}
