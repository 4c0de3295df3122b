package cemi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

const (
	// DefaultConfirmationTimeout is how long a send waits for L_Data.con.
	DefaultConfirmationTimeout = 3 * time.Second

	// DefaultGroupQueueSize is the buffer of the group telegram queue.
	DefaultGroupQueueSize = 256
)

// FrameSender hands raw cEMI frames to the lower transport.
// Implementations return errors wrapping ErrCommunication or ErrConversion.
type FrameSender interface {
	SendFrame(ctx context.Context, raw []byte) error
}

// DataSecure is the call site for KNX Data-Secure. Key handling lives
// behind the interface.
type DataSecure interface {
	EncodeOutgoing(f Frame) (Frame, error)
	DecodeIncoming(f Frame) (Frame, error)
}

// ManagementHook receives every non-group telegram addressed to this client.
// Process must not block on Handler.SendTelegram.
type ManagementHook interface {
	Process(t telegram.Telegram)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds handler settings. Zero values select the defaults.
type Config struct {
	// OwnAddress is the individual address of this client on the bus.
	OwnAddress telegram.IndividualAddress

	ConfirmationTimeout time.Duration
	GroupQueueSize      int

	// CompactControlFrames sends Connect, Disconnect and Ack as the 10-byte
	// control frame while the own address is still unknown.
	CompactControlFrames bool
}

// Handler owns link-layer sending and receiving for one bus session.
//
// Thread Safety: all methods are safe for concurrent use. At most one
// SendTelegram is in flight at a time; others wait on the gate.
type Handler struct {
	sender   FrameSender
	counters *Counters
	cfg      Config

	// gate admits one outstanding send; confirm is the one-slot
	// rendezvous carrying received L_Data.con frames.
	gate    chan struct{}
	confirm chan confirmation

	groupCh chan telegram.Telegram

	mu         sync.RWMutex
	ownAddress telegram.IndividualAddress
	secure     DataSecure
	management ManagementHook

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHandler creates a handler sending through sender. counters may be
// shared with a longer-lived owner; nil allocates private counters.
func NewHandler(sender FrameSender, counters *Counters, cfg Config) *Handler {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if cfg.GroupQueueSize <= 0 {
		cfg.GroupQueueSize = DefaultGroupQueueSize
	}
	if counters == nil {
		counters = &Counters{}
	}

	return &Handler{
		sender:     sender,
		counters:   counters,
		cfg:        cfg,
		gate:       make(chan struct{}, 1),
		confirm:    make(chan confirmation, 1),
		groupCh:    make(chan telegram.Telegram, cfg.GroupQueueSize),
		ownAddress: cfg.OwnAddress,
	}
}

// SetLogger sets the logger for this handler.
func (h *Handler) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// SetDataSecure installs the Data-Secure hook. nil disables it.
func (h *Handler) SetDataSecure(ds DataSecure) {
	h.mu.Lock()
	h.secure = ds
	h.mu.Unlock()
}

// SetManagementHook installs the receiver for non-group telegrams.
func (h *Handler) SetManagementHook(m ManagementHook) {
	h.mu.Lock()
	h.management = m
	h.mu.Unlock()
}

// OwnAddress returns the individual address of this client.
func (h *Handler) OwnAddress() telegram.IndividualAddress {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ownAddress
}

// SetOwnAddress updates the individual address, usually once the tunnel
// connection response assigns one.
func (h *Handler) SetOwnAddress(a telegram.IndividualAddress) {
	h.mu.Lock()
	h.ownAddress = a
	h.mu.Unlock()
}

// Counters returns the shared counters.
func (h *Handler) Counters() *Counters {
	return h.counters
}

// GroupTelegrams returns the queue of received group telegrams.
func (h *Handler) GroupTelegrams() <-chan telegram.Telegram {
	return h.groupCh
}

// SendTelegram encodes t, sends it and waits for the link confirmation.
func (h *Handler) SendTelegram(ctx context.Context, t telegram.Telegram) error {
	if t.Source.IsZero() {
		t.Source = h.OwnAddress()
	}

	sent, raw, err := h.encode(t)
	if err != nil {
		h.counters.outgoingError.Add(1)
		return err
	}

	select {
	case h.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-h.gate }()

	// Drop a confirmation left over from an earlier timed-out send. One
	// that arrives later is filtered by matching below; only a late
	// confirmation for an identical frame can still release this send.
	select {
	case <-h.confirm:
	default:
	}

	if err := h.sender.SendFrame(ctx, raw); err != nil {
		h.counters.outgoingError.Add(1)
		if errors.Is(err, ErrCommunication) || errors.Is(err, ErrConversion) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	timer := time.NewTimer(h.cfg.ConfirmationTimeout)
	defer timer.Stop()

	for {
		select {
		case c := <-h.confirm:
			if !c.matches(sent) {
				h.logDebug("confirmation for another frame", "telegram", t.String())
				continue
			}
			if !c.positive {
				h.counters.outgoingError.Add(1)
				h.logWarn("negative confirmation", "telegram", t.String())
				return ErrConfirmationNegative
			}
			h.counters.outgoingSuccess.Add(1)
			return nil
		case <-timer.C:
			h.counters.outgoingError.Add(1)
			h.logWarn("confirmation timed out", "telegram", t.String(), "timeout", h.cfg.ConfirmationTimeout)
			return ErrConfirmationTimeout
		case <-ctx.Done():
			h.counters.outgoingError.Add(1)
			return ctx.Err()
		}
	}
}

// confirmation is a received L_Data.con, reduced to what identifies the
// confirmed request.
type confirmation struct {
	destination uint16
	tpdu        []byte
	positive    bool
}

func (c confirmation) matches(sent Frame) bool {
	return c.destination == sent.Destination && bytes.Equal(c.tpdu, sent.TPDU)
}

// encode returns the frame as sent on the wire along with its encoding.
func (h *Handler) encode(t telegram.Telegram) (Frame, []byte, error) {
	if h.cfg.CompactControlFrames && t.Source.IsZero() {
		if cf, ok := ControlFrameFor(t); ok {
			raw := cf.Encode()
			f, err := Decode(raw)
			if err != nil {
				return Frame{}, nil, fmt.Errorf("%w: %v", ErrConversion, err)
			}
			return f, raw, nil
		}
	}

	f, err := FromTelegram(CodeDataRequest, t)
	if err != nil {
		return Frame{}, nil, err
	}

	h.mu.RLock()
	secure := h.secure
	h.mu.RUnlock()
	if secure != nil {
		f, err = secure.EncodeOutgoing(f)
		if err != nil {
			return Frame{}, nil, fmt.Errorf("%w: %v", ErrDataSecure, err)
		}
	}
	return f, f.Encode(), nil
}

// HandleRawCEMI decodes and handles one inbound frame. Malformed frames
// are counted and dropped.
func (h *Handler) HandleRawCEMI(raw []byte) {
	f, err := Decode(raw)
	if err != nil {
		h.counters.incomingError.Add(1)
		h.logDebug("dropping undecodable frame", "frame", fmt.Sprintf("% X", raw), "error", err)
		return
	}
	h.HandleFrame(f)
}

// HandleFrame handles one decoded inbound frame.
func (h *Handler) HandleFrame(f Frame) {
	switch f.Code {
	case CodeDataConfirm:
		select {
		case h.confirm <- confirmation{destination: f.Destination, tpdu: f.TPDU, positive: !f.ConfirmError()}:
		default:
			h.logDebug("unexpected confirmation", "source", f.Source.String())
		}
		return
	case CodeDataRequest:
		h.counters.incomingError.Add(1)
		h.logDebug("dropping inbound L_Data.req", "source", f.Source.String())
		return
	}

	if f.Source == h.OwnAddress() {
		h.counters.incomingError.Add(1)
		h.logDebug("dropping own frame echo", "source", f.Source.String())
		return
	}

	h.mu.RLock()
	secure := h.secure
	h.mu.RUnlock()
	if secure != nil {
		decoded, err := secure.DecodeIncoming(f)
		if err != nil {
			h.counters.incomingError.Add(1)
			h.logWarn("data secure rejected frame", "source", f.Source.String(), "error", err)
			return
		}
		f = decoded
	}

	t, err := f.Telegram()
	if err != nil {
		h.counters.incomingError.Add(1)
		h.logDebug("dropping frame with invalid TPDU", "source", f.Source.String(), "error", err)
		return
	}

	h.counters.incomingSuccess.Add(1)
	h.telegramReceived(t)
}

func (h *Handler) telegramReceived(t telegram.Telegram) {
	if _, ok := t.Transport().(telegram.DataGroup); ok {
		select {
		case h.groupCh <- t:
		default:
			h.counters.groupDropped.Add(1)
			h.logWarn("group queue full, dropping telegram", "destination", t.Destination.String())
		}
		return
	}

	if ia, ok := t.Destination.(telegram.IndividualAddress); ok && ia != h.OwnAddress() {
		return
	}

	h.mu.RLock()
	m := h.management
	h.mu.RUnlock()
	if m != nil {
		m.Process(t)
	}
}

func (h *Handler) logDebug(msg string, keysAndValues ...any) {
	h.loggerMu.RLock()
	l := h.logger
	h.loggerMu.RUnlock()
	if l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (h *Handler) logWarn(msg string, keysAndValues ...any) {
	h.loggerMu.RLock()
	l := h.logger
	h.loggerMu.RUnlock()
	if l != nil {
		l.Warn(msg, keysAndValues...)
	}
}
