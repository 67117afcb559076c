package wire

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Message is a typed session message.
type Message interface {
	// Address is the canonical '/' address.
	Address() string
	// Types is the O2lite type string.
	Types() string
	// Args returns the values in type-string order.
	Args() []Value
}

// Handler receives decoded messages for one address.
type Handler func(m Message)

// Addresses of the known messages.
const (
	AddrTimeMap          = "/gdc/timemap"
	AddrStart            = "/gdc/start"
	AddrStop             = "/gdc/stop"
	AddrRttTest          = "/elbs/rtttest"
	AddrRegisterTT       = "/elbs/registertt"
	AddrValidated        = "/elbs/validated"
	AddrMidisReady       = "/elbs/midisready"
	AddrSessionInterrupt = "/elbs/sessioninterrupt"
	AddrComposerToPerf   = "/elbs/ctocp"
	AddrListenerPerfHit  = "/elbs/lphit"
	AddrComposerHit      = "/elbs/chit"
	AddrPerformerHit     = "/elbs/phit"
	AddrClockGet         = "/_cs/get"
	AddrClockPut         = "/_cs/put"
)

// TimeMap announces a tempo definition: from network time Time on, the beat
// is Beat + (t - Time) * BPS.
type TimeMap struct {
	Epoch uint32
	Time  float64
	Beat  float64
	BPS   float64
}

func (TimeMap) Address() string { return AddrTimeMap }
func (TimeMap) Types() string   { return "ittd" }
func (m TimeMap) Args() []Value {
	return []Value{Int32(int32(m.Epoch)), Time(m.Time), Time(m.Beat), Double(m.BPS)}
}

// Start proposes starting the tempo. Epoch is the epoch the proposer saw.
type Start struct {
	Epoch uint32
	Time  float64
	Beat  float64
	BPS   float64
}

func (Start) Address() string { return AddrStart }
func (Start) Types() string   { return "ittd" }
func (m Start) Args() []Value {
	return []Value{Int32(int32(m.Epoch)), Time(m.Time), Time(m.Beat), Double(m.BPS)}
}

// Stop proposes stopping the tempo at Beat.
type Stop struct {
	Epoch uint32
	Beat  float64
}

func (Stop) Address() string { return AddrStop }
func (Stop) Types() string   { return "it" }
func (m Stop) Args() []Value {
	return []Value{Int32(int32(m.Epoch)), Time(m.Beat)}
}

// RttTest is a round-trip probe. The peer echoes it unchanged.
type RttTest struct {
	Round uint32
	Index int32
}

func (RttTest) Address() string { return AddrRttTest }
func (RttTest) Types() string   { return "ii" }
func (m RttTest) Args() []Value {
	return []Value{Int32(int32(m.Round)), Int32(m.Index)}
}

// RegisterTT reports the measured one-way transmission time in seconds.
type RegisterTT struct {
	Transmission float64
}

func (RegisterTT) Address() string { return AddrRegisterTT }
func (RegisterTT) Types() string   { return "d" }
func (m RegisterTT) Args() []Value  { return []Value{Double(m.Transmission)} }

// Validated authorizes the client.
type Validated struct{}

func (Validated) Address() string { return AddrValidated }
func (Validated) Types() string   { return "" }
func (Validated) Args() []Value   { return nil }

// MidisReady ends the performance.
type MidisReady struct {
	Info string
}

func (MidisReady) Address() string { return AddrMidisReady }
func (MidisReady) Types() string   { return "s" }
func (m MidisReady) Args() []Value  { return []Value{String(m.Info)} }

// SessionInterrupt tells the client the session was torn down.
type SessionInterrupt struct{}

func (SessionInterrupt) Address() string { return AddrSessionInterrupt }
func (SessionInterrupt) Types() string   { return "" }
func (SessionInterrupt) Args() []Value   { return nil }

// Relay carries a hit forwarded to this client. Distance is the number of
// hops between the player and this client; Beat is the beat the hit was
// played at.
type Relay struct {
	// Listener is true for /elbs/lphit, false for /elbs/ctocp.
	Listener bool
	Sender   int32
	Drum     int32
	Distance int32
	Beat     float64
}

func (m Relay) Address() string {
	if m.Listener {
		return AddrListenerPerfHit
	}
	return AddrComposerToPerf
}
func (Relay) Types() string { return "iiit" }
func (m Relay) Args() []Value {
	return []Value{Int32(m.Sender), Int32(m.Drum), Int32(m.Distance), Time(m.Beat)}
}

// Hit reports a drum hit played locally.
type Hit struct {
	// Performer is true for /elbs/phit, false for /elbs/chit.
	Performer bool
	Sender    int32
	Drum      int32
	Beat      float64
}

func (m Hit) Address() string {
	if m.Performer {
		return AddrPerformerHit
	}
	return AddrComposerHit
}
func (Hit) Types() string { return "iit" }
func (m Hit) Args() []Value {
	return []Value{Int32(m.Sender), Int32(m.Drum), Time(m.Beat)}
}

// ClockGet asks the server for its clock. ID pairs it with the ClockPut
// answer.
type ClockGet struct {
	ID int32
}

func (ClockGet) Address() string { return AddrClockGet }
func (ClockGet) Types() string   { return "i" }
func (m ClockGet) Args() []Value  { return []Value{Int32(m.ID)} }

// ClockPut answers a ClockGet with the server time at which it was handled.
type ClockPut struct {
	ID   int32
	Time float64
}

func (ClockPut) Address() string { return AddrClockPut }
func (ClockPut) Types() string   { return "it" }
func (m ClockPut) Args() []Value  { return []Value{Int32(m.ID), Time(m.Time)} }

type entry struct {
	types  string
	decode func(a []Value) (Message, error)
}

var registry = map[string]entry{
	AddrTimeMap: {"ittd", func(a []Value) (Message, error) {
		epoch, err := epochOf(a[0])
		return TimeMap{Epoch: epoch, Time: a[1].Float, Beat: a[2].Float, BPS: a[3].Float}, err
	}},
	AddrStart: {"ittd", func(a []Value) (Message, error) {
		epoch, err := epochOf(a[0])
		return Start{Epoch: epoch, Time: a[1].Float, Beat: a[2].Float, BPS: a[3].Float}, err
	}},
	AddrStop: {"it", func(a []Value) (Message, error) {
		epoch, err := epochOf(a[0])
		return Stop{Epoch: epoch, Beat: a[1].Float}, err
	}},
	AddrRttTest: {"ii", func(a []Value) (Message, error) {
		round, err := epochOf(a[0])
		if err != nil {
			return nil, err
		}
		if a[1].Int < 0 || a[1].Int > math.MaxInt32 {
			return nil, fmt.Errorf("%w: probe index %d out of range", ErrMalformed, a[1].Int)
		}
		return RttTest{Round: round, Index: int32(a[1].Int)}, nil
	}},
	AddrRegisterTT: {"d", func(a []Value) (Message, error) {
		return RegisterTT{Transmission: a[0].Float}, nil
	}},
	AddrValidated: {"", func([]Value) (Message, error) {
		return Validated{}, nil
	}},
	AddrMidisReady: {"s", func(a []Value) (Message, error) {
		return MidisReady{Info: a[0].Str}, nil
	}},
	AddrSessionInterrupt: {"", func([]Value) (Message, error) {
		return SessionInterrupt{}, nil
	}},
	AddrComposerToPerf: {"iiit", func(a []Value) (Message, error) {
		return relayOf(false, a), nil
	}},
	AddrListenerPerfHit: {"iiit", func(a []Value) (Message, error) {
		return relayOf(true, a), nil
	}},
	AddrComposerHit: {"iit", func(a []Value) (Message, error) {
		return Hit{Sender: int32(a[0].Int), Drum: int32(a[1].Int), Beat: a[2].Float}, nil
	}},
	AddrPerformerHit: {"iit", func(a []Value) (Message, error) {
		return Hit{Performer: true, Sender: int32(a[0].Int), Drum: int32(a[1].Int), Beat: a[2].Float}, nil
	}},
	AddrClockGet: {"i", func(a []Value) (Message, error) {
		return ClockGet{ID: int32(a[0].Int)}, nil
	}},
	AddrClockPut: {"it", func(a []Value) (Message, error) {
		return ClockPut{ID: int32(a[0].Int), Time: a[1].Float}, nil
	}},
}

func relayOf(listener bool, a []Value) Relay {
	return Relay{
		Listener: listener,
		Sender:   int32(a[0].Int),
		Drum:     int32(a[1].Int),
		Distance: int32(a[2].Int),
		Beat:     a[3].Float,
	}
}

func epochOf(v Value) (uint32, error) {
	if v.Int < 0 || v.Int > math.MaxInt32 {
		return 0, fmt.Errorf("%w: epoch %d out of range", ErrMalformed, v.Int)
	}
	return uint32(v.Int), nil
}

// Addresses returns every registered address, sorted.
func Addresses() []string {
	out := make([]string, 0, len(registry))
	for addr := range registry {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// TypesOf returns the registered type string for address.
func TypesOf(address string) (string, bool) {
	e, ok := registry[CanonicalAddress(address)]
	return e.types, ok
}

// CanonicalAddress maps a '!' server-routed address to its '/' form.
func CanonicalAddress(address string) string {
	if strings.HasPrefix(address, "!") {
		return "/" + address[1:]
	}
	return address
}

// ToFrame converts a message to a frame. Strings are normalized to NFC.
func ToFrame(m Message) Frame {
	args := m.Args()
	for i := range args {
		if args[i].Type == TypeString || args[i].Type == TypeSymbol {
			args[i].Str = norm.NFC.String(args[i].Str)
		}
	}
	return Frame{
		Address: m.Address(),
		Types:   m.Types(),
		TCP:     true,
		Args:    args,
	}
}

// Encode returns m as an O2lite string.
func Encode(m Message) (string, error) {
	s, err := ToFrame(m).Encode()
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", m.Address(), err)
	}
	return s, nil
}

// FromFrame converts a frame to its typed message, validating the type
// string against the registry.
func FromFrame(f Frame) (Message, error) {
	addr := CanonicalAddress(f.Address)
	e, ok := registry[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	if f.Types != e.types {
		return nil, fmt.Errorf("%w: %s carries %q, want %q", ErrTypeMismatch, addr, f.Types, e.types)
	}
	args := make([]Value, len(f.Args))
	for i, v := range f.Args {
		if v.Type != e.types[i] {
			return nil, fmt.Errorf("%w: %s value %d", ErrTypeMismatch, addr, i)
		}
		if v.Type == TypeString || v.Type == TypeSymbol {
			v.Str = norm.NFC.String(v.Str)
		}
		args[i] = v
	}
	m, err := e.decode(args)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", addr, err)
	}
	return m, nil
}

// Decode parses an O2lite string into its typed message.
func Decode(s string) (Message, error) {
	f, err := DecodeFrame(s)
	if err != nil {
		return nil, err
	}
	return FromFrame(f)
}
