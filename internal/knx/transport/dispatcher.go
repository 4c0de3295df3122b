package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// Dispatcher routes management telegrams from the cEMI handler to open
// connections and the broadcast channel. It implements cemi.ManagementHook.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	sender    TelegramSender
	broadcast *Broadcast

	mu    sync.Mutex
	conns map[telegram.IndividualAddress]*Connection

	background sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewDispatcher creates a dispatcher sending through sender.
func NewDispatcher(sender TelegramSender) *Dispatcher {
	return &Dispatcher{
		sender:    sender,
		broadcast: newBroadcast(sender),
		conns:     make(map[telegram.IndividualAddress]*Connection),
	}
}

// SetLogger sets the logger for the dispatcher and connections opened later.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Broadcast returns the connectionless broadcast channel.
func (d *Dispatcher) Broadcast() *Broadcast {
	return d.broadcast
}

// Open registers a new connection to address. It fails with
// ErrConnectionExists while another connection to the address is open.
func (d *Dispatcher) Open(address telegram.IndividualAddress, cfg Config) (*Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conns[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionExists, address)
	}

	c := newConnection(d.sender, address, cfg, d.remove)
	if l := d.getLogger(); l != nil {
		c.SetLogger(l)
	}
	d.conns[address] = c
	return c, nil
}

// Connection returns the open connection to address, if any.
func (d *Dispatcher) Connection(address telegram.IndividualAddress) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[address]
	return c, ok
}

// Wait blocks until background refusals have been handed to the sender.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

func (d *Dispatcher) remove(c *Connection) {
	d.mu.Lock()
	if d.conns[c.address] == c {
		delete(d.conns, c.address)
	}
	d.mu.Unlock()
}

// Process handles one inbound management telegram. It never blocks on the bus.
func (d *Dispatcher) Process(t telegram.Telegram) {
	if ga, ok := t.Destination.(telegram.GroupAddress); ok && ga.IsBroadcast() {
		d.broadcast.process(t)
		return
	}

	if c, ok := d.Connection(t.Source); ok {
		c.process(t)
		return
	}

	tpci := t.Transport()
	if _, ok := tpci.(telegram.Connect); ok {
		d.refuse(t.Source)
		return
	}
	if telegram.IsNumbered(tpci) {
		d.logWarn("no transport connection for telegram", "telegram", t.String())
		return
	}
	d.logDebug("unhandled management telegram", "telegram", t.String())
}

// refuse answers a peer's T_Connect with T_Disconnect.
func (d *Dispatcher) refuse(peer telegram.IndividualAddress) {
	d.logInfo("refusing transport connection from peer", "address", peer.String())

	d.background.Add(1)
	go func() {
		defer d.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultAckTimeout)
		defer cancel()
		disconnect := telegram.New(peer, nil, telegram.WithTPCI(telegram.Disconnect{}))
		if err := d.sender.SendTelegram(ctx, disconnect); err != nil {
			d.logWarn("refusing transport connection failed", "address", peer.String(), "error", err)
		}
	}()
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if l := d.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logInfo(msg string, keysAndValues ...any) {
	if l := d.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	if l := d.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}
