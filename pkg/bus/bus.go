// Package bus is a minimal in-process message bus.
//
// Publishers register channel addresses and push timestamped payloads;
// subscribers receive deliveries synchronously on the publisher's
// goroutine. The recorder treats this as the external delivery context:
// handlers must return quickly and must never block.
package bus

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrBusClosed is returned for operations on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrChannelInactive is returned when subscribing to an address with
	// no registered publisher.
	ErrChannelInactive = errors.New("channel is not active")
)

// Delivery is one timestamped message as handed to a subscriber.
// Stamp is wall-clock nanoseconds attached by the source, not by the bus.
type Delivery struct {
	Address string
	Stamp   int64
	Payload []byte
}

// Handler consumes a single delivery. It runs on the publisher's
// goroutine and must not block.
type Handler func(Delivery)

// Bus routes deliveries from publishers to subscribers by address.
type Bus struct {
	mu        sync.RWMutex
	active    map[string]struct{}
	subs      map[string][]Handler
	closed    bool
	published atomic.Uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		active: make(map[string]struct{}),
		subs:   make(map[string][]Handler),
	}
}

// Activate registers addr as an active channel. Publishing to an
// address implies activation; explicit activation lets subscribers
// validate before the first message arrives.
func (b *Bus) Activate(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.active[addr] = struct{}{}
}

// ActiveChannels returns the sorted list of currently active addresses.
func (b *Bus) ActiveChannels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addrs := make([]string, 0, len(b.active))
	for addr := range b.active {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Subscribe registers h for deliveries on addr. The address must be
// active.
func (b *Bus) Subscribe(addr string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.active[addr]; !ok {
		return ErrChannelInactive
	}
	b.subs[addr] = append(b.subs[addr], h)
	return nil
}

// Publish delivers one message to every subscriber of addr, in
// subscription order, on the caller's goroutine.
func (b *Bus) Publish(addr string, stamp int64, payload []byte) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := b.subs[addr]
	b.mu.RUnlock()

	b.published.Add(1)
	d := Delivery{Address: addr, Stamp: stamp, Payload: payload}
	for _, h := range handlers {
		h(d)
	}
}

// Published returns the total number of messages published so far.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close stops routing. Subsequent publishes are dropped silently.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]Handler)
}
