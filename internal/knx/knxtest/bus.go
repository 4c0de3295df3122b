// Package knxtest provides an in-memory KNX bus with scripted devices for
// tests of the transport and management layers.
package knxtest

import (
	"context"
	"sync"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// DefaultOwnAddress is the client address the bus addresses replies to.
var DefaultOwnAddress = telegram.IndividualAddress{Area: 1, Line: 1, Device: 250}

// Bus implements transport.TelegramSender. Every sent telegram is recorded
// and shown to the attached devices; their replies are delivered in order
// to the hook on a single worker goroutine.
type Bus struct {
	Own telegram.IndividualAddress

	mu      sync.Mutex
	sent    []telegram.Telegram
	devices []*Device
	hook    func(telegram.Telegram)
	sendErr func(telegram.Telegram) error

	queue   chan telegram.Telegram
	done    chan struct{}
	pending sync.WaitGroup
	close   sync.Once
}

// NewBus starts a bus. Call Close when done.
func NewBus() *Bus {
	b := &Bus{
		Own:   DefaultOwnAddress,
		queue: make(chan telegram.Telegram, 256),
		done:  make(chan struct{}),
	}
	go b.deliver()
	return b
}

// Attach sets the receiver of device replies, usually Dispatcher.Process.
func (b *Bus) Attach(hook func(telegram.Telegram)) {
	b.mu.Lock()
	b.hook = hook
	b.mu.Unlock()
}

// AddDevice puts d on the bus.
func (b *Bus) AddDevice(d *Device) {
	b.mu.Lock()
	b.devices = append(b.devices, d)
	b.mu.Unlock()
}

// FailSends makes SendTelegram return fn's result; a nil result sends normally.
func (b *Bus) FailSends(fn func(telegram.Telegram) error) {
	b.mu.Lock()
	b.sendErr = fn
	b.mu.Unlock()
}

// SendTelegram records t and lets the devices react.
func (b *Bus) SendTelegram(ctx context.Context, t telegram.Telegram) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	failFn := b.sendErr
	b.mu.Unlock()
	if failFn != nil {
		if err := failFn(t); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if t.Source.IsZero() {
		t.Source = b.Own
	}
	t.TPCI = t.Transport()
	b.sent = append(b.sent, t)
	devices := append([]*Device(nil), b.devices...)
	b.mu.Unlock()

	for _, d := range devices {
		for _, reply := range d.handle(t) {
			reply.Destination = b.replyDestination(reply.Destination)
			b.enqueue(reply)
		}
	}
	return nil
}

// Inject delivers t to the hook as if a device had sent it.
func (b *Bus) Inject(t telegram.Telegram) {
	t.Direction = telegram.Incoming
	t.TPCI = t.Transport()
	b.enqueue(t)
}

// Sent returns a copy of every telegram sent so far.
func (b *Bus) Sent() []telegram.Telegram {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]telegram.Telegram(nil), b.sent...)
}

// SentTo returns the telegrams sent to dst.
func (b *Bus) SentTo(dst telegram.Address) []telegram.Telegram {
	var out []telegram.Telegram
	for _, t := range b.Sent() {
		if t.Destination == dst {
			out = append(out, t)
		}
	}
	return out
}

// Flush waits until every queued reply has been delivered.
func (b *Bus) Flush() {
	b.pending.Wait()
}

// Close stops the delivery worker.
func (b *Bus) Close() {
	b.close.Do(func() { close(b.done) })
}

func (b *Bus) replyDestination(dst telegram.Address) telegram.Address {
	if dst == nil {
		return b.Own
	}
	return dst
}

func (b *Bus) enqueue(t telegram.Telegram) {
	b.pending.Add(1)
	select {
	case b.queue <- t:
	case <-b.done:
		b.pending.Done()
	}
}

func (b *Bus) deliver() {
	for {
		select {
		case t := <-b.queue:
			b.mu.Lock()
			hook := b.hook
			b.mu.Unlock()
			if hook != nil {
				hook(t)
			}
			b.pending.Done()
		case <-b.done:
			return
		}
	}
}
