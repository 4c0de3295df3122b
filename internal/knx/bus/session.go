package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
	"github.com/nerrad567/knxmgmt/internal/knx/transport"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("bus: session closed")

// Link carries raw cEMI frames to and from the bus. *tunnel.Client
// implements it.
type Link interface {
	cemi.FrameSender
	SetOnFrame(callback func([]byte))
}

// AddressSource is implemented by links that learn their individual
// address from the bus interface.
type AddressSource interface {
	IndividualAddress() telegram.IndividualAddress
	SetOnAddress(callback func(telegram.IndividualAddress))
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds session settings.
type Config struct {
	// OwnAddress overrides the address learned from the link.
	OwnAddress telegram.IndividualAddress

	Handler    cemi.Config
	Management prog.Config
}

// Session wires a link to the handler, dispatcher and management procedures.
//
// Thread Safety: all methods are safe for concurrent use.
type Session struct {
	link       Link
	counters   *cemi.Counters
	handler    *cemi.Handler
	dispatcher *transport.Dispatcher
	management *prog.NetworkManagement

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession builds a session on link. The own address is cfg.OwnAddress
// when set, otherwise the address reported by the link.
func NewSession(link Link, cfg Config) *Session {
	counters := &cemi.Counters{}

	own := cfg.OwnAddress
	src, learns := link.(AddressSource)
	if own.IsZero() && learns {
		own = src.IndividualAddress()
	}
	hcfg := cfg.Handler
	hcfg.OwnAddress = own

	handler := cemi.NewHandler(link, counters, hcfg)
	dispatcher := transport.NewDispatcher(handler)
	handler.SetManagementHook(dispatcher)

	s := &Session{
		link:       link,
		counters:   counters,
		handler:    handler,
		dispatcher: dispatcher,
		management: prog.NewNetworkManagement(dispatcher, cfg.Management),
		closed:     make(chan struct{}),
	}

	link.SetOnFrame(handler.HandleRawCEMI)
	if learns && cfg.OwnAddress.IsZero() {
		src.SetOnAddress(handler.SetOwnAddress)
	}
	return s
}

// SetLogger sets the logger for every layer of the session.
func (s *Session) SetLogger(logger Logger) {
	s.handler.SetLogger(logger)
	s.dispatcher.SetLogger(logger)
	s.management.SetLogger(logger)
}

// Handler returns the cEMI handler.
func (s *Session) Handler() *cemi.Handler {
	return s.handler
}

// Dispatcher returns the transport dispatcher.
func (s *Session) Dispatcher() *transport.Dispatcher {
	return s.dispatcher
}

// Management returns the network management procedures.
func (s *Session) Management() *prog.NetworkManagement {
	return s.management
}

// Counters returns the link-layer counters.
func (s *Session) Counters() *cemi.Counters {
	return s.counters
}

// OwnAddress returns the individual address used as frame source.
func (s *Session) OwnAddress() telegram.IndividualAddress {
	return s.handler.OwnAddress()
}

// GroupTelegrams returns the queue of received group telegrams. There is
// one queue per session; it has a single consumer.
func (s *Session) GroupTelegrams() <-chan telegram.Telegram {
	return s.handler.GroupTelegrams()
}

// WriteGroup sends a GroupValueWrite to ga. small packs a value of six
// bits or less into the APCI octet.
func (s *Session) WriteGroup(ctx context.Context, ga telegram.GroupAddress, data []byte, small bool) error {
	if s.isClosed() {
		return ErrClosed
	}
	if small && (len(data) != 1 || data[0] > 0x3F) {
		return fmt.Errorf("%w: small value must be one byte up to 0x3F", cemi.ErrConversion)
	}
	t := telegram.New(ga, telegram.GroupValueWrite{Data: data, Small: small},
		telegram.WithPriority(telegram.PriorityNormal))
	return s.handler.SendTelegram(ctx, t)
}

// ReadGroup sends a GroupValueRead to ga. Responses arrive on GroupTelegrams.
func (s *Session) ReadGroup(ctx context.Context, ga telegram.GroupAddress) error {
	if s.isClosed() {
		return ErrClosed
	}
	t := telegram.New(ga, telegram.GroupValueRead{}, telegram.WithPriority(telegram.PriorityNormal))
	return s.handler.SendTelegram(ctx, t)
}

// Close releases the managed device and waits for background sends.
// The link is owned by the caller.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.management.DisconnectManagedDevice(ctx)
		s.dispatcher.Wait()
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
