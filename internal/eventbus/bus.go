// Package eventbus is the in-process pub/sub boundary between the
// orchestration core and external notifiers. The core only publishes;
// delivery to Discord/WeChat/etc. is someone else's subscription.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
)

// Bus fans events out to all current subscribers. Publish never blocks: a
// subscriber that falls behind loses events rather than stalling the
// pipeline.
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan schemas.Event
	nextID int
	closed bool
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		log:  logger.Named("eventbus"),
		subs: make(map[int]chan schemas.Event),
	}
}

// Subscribe returns a receive channel with the given buffer and a cancel
// function that closes it and removes the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan schemas.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan schemas.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber, stamping the time if the
// caller left it zero.
func (b *Bus) Publish(ev schemas.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("Subscriber buffer full, dropping event",
				zap.Int("subscriber", id),
				zap.String("type", string(ev.Type)),
				zap.String("scan_id", ev.ScanID))
		}
	}
}

// Close terminates all subscriptions. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
