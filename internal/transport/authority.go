package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/tempo"
	"github.com/roach88/beatclock/internal/wire"
)

// DefaultMaxNetDelay is the worst-case delivery delay to any client, in
// seconds. Every tempo change is placed at least this far in the future.
const DefaultMaxNetDelay = 2.4

var (
	// ErrRejected is returned for proposals the authority drops.
	ErrRejected = errors.New("proposal rejected")

	// ErrUnknownPeer is returned for messages from a peer that never joined.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrDuplicatePeer is returned when a peer id joins twice.
	ErrDuplicatePeer = errors.New("peer already joined")

	// ErrUnexpected is returned for messages only a server sends.
	ErrUnexpected = errors.New("unexpected message")
)

// Peer identifies one connected client. X and Y place it on the ensemble
// grid; relayed hits carry the Manhattan distance between sender and
// receiver.
type Peer struct {
	ID   int32
	Role engine.Role
	X, Y int
}

// Distance returns the Manhattan distance between two peers.
func (p Peer) Distance(q Peer) int32 {
	return int32(abs(p.X-q.X) + abs(p.Y-q.Y))
}

// Outbox delivers a message to one peer.
type Outbox interface {
	Deliver(to int32, m wire.Message)
}

type member struct {
	peer         Peer
	transmission float64
	validated    bool
}

// Authority is the tempo authority. It is the only writer of the shared
// tempo map; every change increments the epoch and is broadcast to all
// peers.
//
// Thread-safety: All methods are safe for concurrent use. Outbox.Deliver is
// called with the authority's lock held, so it must not call back into the
// Authority.
type Authority struct {
	mu          sync.Mutex
	clock       Clock
	out         Outbox
	logger      *slog.Logger
	maxNetDelay float64

	members map[int32]*member
	tm      wire.TimeMap
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithMaxNetDelay sets the minimum lead of tempo changes, in seconds.
func WithMaxNetDelay(seconds float64) AuthorityOption {
	return func(a *Authority) {
		if seconds > 0 {
			a.maxNetDelay = seconds
		}
	}
}

// WithAuthorityLogger sets the logger. The default discards output.
func WithAuthorityLogger(logger *slog.Logger) AuthorityOption {
	return func(a *Authority) {
		a.logger = logger
	}
}

// NewAuthority creates an authority with a stopped epoch 0 tempo map.
func NewAuthority(clock Clock, out Outbox, opts ...AuthorityOption) *Authority {
	a := &Authority{
		clock:       clock,
		out:         out,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxNetDelay: DefaultMaxNetDelay,
		members:     make(map[int32]*member),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TimeMap returns the current tempo map.
func (a *Authority) TimeMap() wire.TimeMap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tm
}

// Peers returns the joined peers ordered by id.
func (a *Authority) Peers() []Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Peer, 0, len(a.members))
	for _, m := range a.members {
		out = append(out, m.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transmission returns the one-way transmission time a peer registered.
func (a *Authority) Transmission(id int32) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.members[id]
	if !ok || !m.validated {
		return 0, false
	}
	return m.transmission, true
}

// Join adds a peer and sends it the current tempo map.
func (a *Authority) Join(p Peer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.members[p.ID]; ok {
		return fmt.Errorf("join %d: %w", p.ID, ErrDuplicatePeer)
	}
	a.members[p.ID] = &member{peer: p}
	a.logger.Info("peer joined", "peer", p.ID, "role", p.Role.String())
	a.out.Deliver(p.ID, a.tm)
	return nil
}

// Leave removes a peer. A peer leaving while the tempo runs interrupts the
// session: everyone is stopped and told.
func (a *Authority) Leave(id int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.members[id]; !ok {
		return
	}
	delete(a.members, id)
	a.logger.Info("peer left", "peer", id)

	if a.tm.BPS > 0 {
		a.stopNow()
		a.broadcast(wire.SessionInterrupt{})
	}
}

// Finish stops the tempo if it runs and tells every peer the session is
// over.
func (a *Authority) Finish(info string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tm.BPS > 0 {
		a.stopNow()
	}
	a.broadcast(wire.MidisReady{Info: info})
}

// Receive handles one message from a peer. Dropped proposals return an
// error wrapping ErrRejected; the sender is not told.
func (a *Authority) Receive(from int32, msg wire.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.members[from]
	if !ok {
		return fmt.Errorf("%s from %d: %w", msg.Address(), from, ErrUnknownPeer)
	}

	switch msg := msg.(type) {
	case wire.Start:
		return a.start(msg)
	case wire.Stop:
		return a.stop(msg)
	case wire.TimeMap:
		return a.changeTempo(msg)
	case wire.RttTest:
		a.out.Deliver(from, msg)
	case wire.RegisterTT:
		m.transmission = msg.Transmission
		m.validated = true
		a.logger.Info("peer validated", "peer", from, "transmission", msg.Transmission)
		a.out.Deliver(from, wire.Validated{})
	case wire.ClockGet:
		a.out.Deliver(from, wire.ClockPut{ID: msg.ID, Time: a.clock.Now()})
	case wire.Hit:
		a.relay(m.peer, msg)
	default:
		return fmt.Errorf("%s from %d: %w", msg.Address(), from, ErrUnexpected)
	}
	return nil
}

// start accepts a start proposal while stopped. The start is pushed out to
// the earliest beat every peer can still schedule, and the map begins one
// beat early as a preroll.
func (a *Authority) start(m wire.Start) error {
	now := a.clock.Now()
	t := m.Time
	if t < now+a.maxNetDelay {
		t = now + a.maxNetDelay
	}
	if m.Epoch != a.tm.Epoch || m.Beat <= a.tm.Beat || t <= a.tm.Time || m.BPS <= 0 || a.tm.BPS != 0 {
		return a.reject(m, "start", m.Epoch, m.Beat)
	}

	et, eb := a.earliestStart(now)
	beat := m.Beat
	if t < et || beat < eb {
		t, beat = et, eb
	}
	a.publish(wire.TimeMap{Epoch: a.tm.Epoch + 1, Time: t, Beat: beat - 1, BPS: m.BPS})
	return nil
}

// stop accepts a stop proposal for a beat at or after the current
// reference beat.
func (a *Authority) stop(m wire.Stop) error {
	if m.Epoch != a.tm.Epoch || a.tm.BPS == 0 || m.Beat < a.tm.Beat {
		return a.reject(m, "stop", m.Epoch, m.Beat)
	}
	a.publish(wire.TimeMap{
		Epoch: a.tm.Epoch + 1,
		Time:  a.clock.Now() + a.maxNetDelay,
		Beat:  m.Beat,
		BPS:   0,
	})
	return nil
}

// changeTempo accepts a tempo change while running. The change must fall
// far enough in the future for every peer to receive it first.
func (a *Authority) changeTempo(m wire.TimeMap) error {
	if m.Epoch != a.tm.Epoch || m.Beat <= a.tm.Beat || a.tm.BPS <= 0 || m.BPS <= 0 {
		return a.reject(m, "tempo", m.Epoch, m.Beat)
	}
	t := a.beatToTime(m.Beat)
	if t < a.clock.Now()+a.maxNetDelay {
		return a.reject(m, "tempo too soon", m.Epoch, m.Beat)
	}
	a.publish(wire.TimeMap{Epoch: a.tm.Epoch + 1, Time: t, Beat: m.Beat, BPS: m.BPS})
	return nil
}

// earliestStart returns the time and beat two beats past the point every
// peer can still be told about.
func (a *Authority) earliestStart(now float64) (float64, float64) {
	t := now + a.maxNetDelay
	if a.tm.Time > t {
		t = a.tm.Time
	}
	beat := a.tm.Beat + (t-a.tm.Time)*a.tm.BPS + 2
	if a.tm.BPS > 0 {
		t = a.tm.Time + (beat-a.tm.Beat)/a.tm.BPS
	}
	return t, beat
}

// stopNow freezes the tempo at the beat reached after the network delay.
func (a *Authority) stopNow() {
	t := a.clock.Now() + a.maxNetDelay
	a.publish(wire.TimeMap{
		Epoch: a.tm.Epoch + 1,
		Time:  t,
		Beat:  a.timeToBeat(t),
		BPS:   0,
	})
}

func (a *Authority) relay(from Peer, hit wire.Hit) {
	if a.tm.BPS <= 0 {
		a.logger.Debug("dropping hit while stopped", "peer", from.ID)
		return
	}
	// Composer hits go to performers, performer hits to listeners.
	target := engine.RolePerformer
	if hit.Performer {
		target = engine.RoleListener
	}
	for _, id := range a.sortedIDs() {
		to := a.members[id].peer
		if to.Role != target {
			continue
		}
		a.out.Deliver(id, wire.Relay{
			Listener: hit.Performer,
			Sender:   hit.Sender,
			Drum:     hit.Drum,
			Distance: from.Distance(to),
			Beat:     hit.Beat,
		})
	}
}

func (a *Authority) publish(tm wire.TimeMap) {
	a.tm = tm
	a.logger.Info("tempo published",
		"epoch", tm.Epoch,
		"time", tm.Time,
		"beat", tm.Beat,
		"bps", tm.BPS,
	)
	a.broadcast(tm)
}

func (a *Authority) broadcast(m wire.Message) {
	for _, id := range a.sortedIDs() {
		a.out.Deliver(id, m)
	}
}

func (a *Authority) reject(m wire.Message, what string, epoch uint32, beat float64) error {
	a.logger.Debug("dropping proposal",
		"kind", what,
		"epoch", epoch,
		"current_epoch", a.tm.Epoch,
		"beat", beat,
		"current_beat", a.tm.Beat,
		"bps", a.tm.BPS,
	)
	return fmt.Errorf("%s: %w: epoch %d beat %v (current epoch %d beat %v bps %v)",
		m.Address(), ErrRejected, epoch, beat, a.tm.Epoch, a.tm.Beat, a.tm.BPS)
}

func (a *Authority) sortedIDs() []int32 {
	ids := make([]int32, 0, len(a.members))
	for id := range a.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *Authority) beatToTime(beat float64) float64 {
	if a.tm.BPS == 0 {
		return tempo.Never
	}
	return a.tm.Time + (beat-a.tm.Beat)/a.tm.BPS
}

func (a *Authority) timeToBeat(t float64) float64 {
	return a.tm.Beat + (t-a.tm.Time)*a.tm.BPS
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
