package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/beatclock/internal/wire"
)

// ErrClosed is returned when sending on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// Hub is an in-process network around an Authority. Every message is
// encoded to an O2lite frame, held for the hub latency on the Timer, then
// decoded and handed to its receiver.
type Hub struct {
	clock   Clock
	timer   Timer
	latency time.Duration
	logger  *slog.Logger

	authority *Authority

	mu        sync.Mutex
	endpoints map[int32]*Endpoint

	frames  atomic.Int64
	dropped atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLatency sets the one-way delivery delay.
func WithLatency(d time.Duration) HubOption {
	return func(h *Hub) {
		if d >= 0 {
			h.latency = d
		}
	}
}

// WithHubLogger sets the logger. The default discards output.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a hub. authorityOpts configure its Authority.
func NewHub(clock Clock, timer Timer, opts []HubOption, authorityOpts ...AuthorityOption) *Hub {
	h := &Hub{
		clock:     clock,
		timer:     timer,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		endpoints: make(map[int32]*Endpoint),
	}
	for _, opt := range opts {
		opt(h)
	}
	authorityOpts = append([]AuthorityOption{WithAuthorityLogger(h.logger)}, authorityOpts...)
	h.authority = NewAuthority(clock, h, authorityOpts...)
	return h
}

// Authority returns the hub's tempo authority.
func (h *Hub) Authority() *Authority {
	return h.authority
}

// Frames returns the number of frames carried so far.
func (h *Hub) Frames() int64 {
	return h.frames.Load()
}

// Dropped returns the number of frames that could not be delivered.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Connect attaches a peer and joins it to the authority.
func (h *Hub) Connect(p Peer) (*Endpoint, error) {
	ep := &Endpoint{
		hub:      h,
		peer:     p,
		handlers: make(map[string][]wire.Handler),
	}

	h.mu.Lock()
	if _, ok := h.endpoints[p.ID]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("connect %d: %w", p.ID, ErrDuplicatePeer)
	}
	h.endpoints[p.ID] = ep
	h.mu.Unlock()

	if err := h.authority.Join(p); err != nil {
		h.mu.Lock()
		delete(h.endpoints, p.ID)
		h.mu.Unlock()
		return nil, err
	}
	return ep, nil
}

// Deliver carries m from the authority to peer to. It satisfies Outbox.
func (h *Hub) Deliver(to int32, m wire.Message) {
	h.carry(m, func(decoded wire.Message) {
		h.mu.Lock()
		ep := h.endpoints[to]
		h.mu.Unlock()
		if ep == nil {
			h.dropped.Add(1)
			h.logger.Debug("dropping frame for departed peer", "peer", to, "address", decoded.Address())
			return
		}
		ep.dispatch(decoded)
	})
}

// carry encodes m, waits out the latency, decodes it and calls deliver.
func (h *Hub) carry(m wire.Message, deliver func(wire.Message)) error {
	frame, err := wire.Encode(m)
	if err != nil {
		h.dropped.Add(1)
		h.logger.Warn("dropping unencodable message", "address", m.Address(), "error", err)
		return err
	}
	h.frames.Add(1)
	h.timer.AfterFunc(h.latency, func() {
		decoded, err := wire.Decode(frame)
		if err != nil {
			h.dropped.Add(1)
			h.logger.Warn("dropping undecodable frame", "error", err)
			return
		}
		deliver(decoded)
	})
	return nil
}

func (h *Hub) disconnect(id int32) {
	h.mu.Lock()
	_, ok := h.endpoints[id]
	delete(h.endpoints, id)
	h.mu.Unlock()
	if ok {
		h.authority.Leave(id)
	}
}

// Endpoint is one peer's view of the hub. It satisfies engine.Transport.
type Endpoint struct {
	hub  *Hub
	peer Peer

	mu       sync.Mutex
	handlers map[string][]wire.Handler
	closed   bool
}

// Peer returns the endpoint's peer.
func (e *Endpoint) Peer() Peer {
	return e.peer
}

// Send carries m to the authority.
func (e *Endpoint) Send(m wire.Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.hub.carry(m, func(decoded wire.Message) {
		if err := e.hub.authority.Receive(e.peer.ID, decoded); err != nil {
			e.hub.logger.Debug("authority dropped message",
				"peer", e.peer.ID,
				"address", decoded.Address(),
				"error", err,
			)
		}
	})
}

// On registers a handler for address.
func (e *Endpoint) On(address string, h wire.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addr := wire.CanonicalAddress(address)
	e.handlers[addr] = append(e.handlers[addr], h)
}

// NetworkTime returns the hub clock. Hub peers share one clock.
func (e *Endpoint) NetworkTime() float64 {
	return e.hub.clock.Now()
}

// Synchronized is always true on a hub.
func (e *Endpoint) Synchronized() bool {
	return true
}

// Close detaches the endpoint. A peer leaving while the tempo runs
// interrupts the session for everyone else.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.hub.disconnect(e.peer.ID)
	return nil
}

func (e *Endpoint) dispatch(m wire.Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	hs := append([]wire.Handler(nil), e.handlers[m.Address()]...)
	e.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}
