package testutil

import (
	"sync"

	"github.com/roach88/beatclock/internal/wire"
)

// FakeTransport is an in-memory transport whose network time is a
// ManualClock. Sent messages are recorded; Deliver plays an inbound message
// to the registered handlers on the calling goroutine.
type FakeTransport struct {
	mu       sync.Mutex
	clock    *ManualClock
	synced   bool
	sendErr  error
	handlers map[string][]wire.Handler
	sent     []wire.Message
}

// NewFakeTransport creates a synchronized transport reading clock.
func NewFakeTransport(clock *ManualClock) *FakeTransport {
	return &FakeTransport{
		clock:    clock,
		synced:   true,
		handlers: make(map[string][]wire.Handler),
	}
}

// Send records m, or returns the error set by FailSends.
func (f *FakeTransport) Send(m wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}

// On registers a handler for address.
func (f *FakeTransport) On(address string, h wire.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[address] = append(f.handlers[address], h)
}

// NetworkTime returns the clock reading.
func (f *FakeTransport) NetworkTime() float64 {
	return f.clock.Now()
}

// Synchronized reports the flag set by SetSynchronized.
func (f *FakeTransport) Synchronized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.synced
}

// SetSynchronized sets the clock-synchronized flag.
func (f *FakeTransport) SetSynchronized(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = ok
}

// FailSends makes every following Send return err. Pass nil to recover.
func (f *FakeTransport) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Deliver runs the handlers registered for m's address.
func (f *FakeTransport) Deliver(m wire.Message) {
	f.mu.Lock()
	hs := append([]wire.Handler(nil), f.handlers[m.Address()]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

// Sent returns a copy of the recorded messages.
func (f *FakeTransport) Sent() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message(nil), f.sent...)
}

// SentTo returns the recorded messages for one address.
func (f *FakeTransport) SentTo(address string) []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Message
	for _, m := range f.sent {
		if m.Address() == address {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears the recorded messages.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}
