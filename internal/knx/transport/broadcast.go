package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// Broadcast is the connectionless channel on group address 0/0/0, used for
// the individual-address services of devices in programming mode.
//
// Thread Safety: all methods are safe for concurrent use.
type Broadcast struct {
	sender TelegramSender

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan telegram.Telegram
}

func newBroadcast(sender TelegramSender) *Broadcast {
	return &Broadcast{
		sender: sender,
		subs:   make(map[uint64]chan telegram.Telegram),
	}
}

// Send transmits payload to all devices. No answer is awaited.
func (b *Broadcast) Send(ctx context.Context, payload telegram.APCI) error {
	return b.sender.SendTelegram(ctx, telegram.New(telegram.Broadcast, payload))
}

// Subscribe returns a channel receiving inbound broadcast telegrams and a
// function that ends the subscription. Telegrams are dropped when the
// channel is full.
func (b *Broadcast) Subscribe(buffer int) (<-chan telegram.Telegram, func()) {
	ch := make(chan telegram.Telegram, max(buffer, 1))

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Poll sends payload every interval until a telegram of the expected kind
// arrives or ctx ends.
func (b *Broadcast) Poll(ctx context.Context, payload telegram.APCI, expected telegram.Kind, interval time.Duration) (telegram.Telegram, error) {
	ch, cancel := b.Subscribe(8) //nolint:mnd // a few responders per poll round
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := b.Send(ctx, payload); err != nil && ctx.Err() == nil {
			return telegram.Telegram{}, fmt.Errorf("broadcast %s: %w", payload.Kind(), err)
		}

	wait:
		for {
			select {
			case t := <-ch:
				if t.Payload != nil && t.Payload.Kind() == expected {
					return t, nil
				}
			case <-ticker.C:
				break wait
			case <-ctx.Done():
				return telegram.Telegram{}, ctx.Err()
			}
		}
	}
}

func (b *Broadcast) process(t telegram.Telegram) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
