package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beatclock/internal/testutil"
	"github.com/roach88/beatclock/internal/wire"
)

type inbox struct {
	got []wire.Message
}

func (b *inbox) handle(m wire.Message) {
	b.got = append(b.got, m)
}

func newTestHub(t *testing.T) (*Hub, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(0)
	h := NewHub(clock, clock, []HubOption{WithLatency(20 * time.Millisecond)})
	return h, clock
}

func connect(t *testing.T, h *Hub, p Peer) (*Endpoint, *inbox) {
	t.Helper()
	ep, err := h.Connect(p)
	require.NoError(t, err)
	box := &inbox{}
	for _, addr := range wire.Addresses() {
		ep.On(addr, box.handle)
	}
	return ep, box
}

func TestHub_DeliversAfterLatency(t *testing.T) {
	h, clock := newTestHub(t)
	_, box := connect(t, h, composer)

	clock.AdvanceTo(0.01)
	assert.Empty(t, box.got)

	clock.AdvanceTo(0.02)
	assert.Equal(t, []wire.Message{wire.TimeMap{}}, box.got)
	assert.Equal(t, int64(1), h.Frames())
}

func TestHub_RoundTripTakesTwoLatencies(t *testing.T) {
	h, clock := newTestHub(t)
	ep, box := connect(t, h, performer)
	clock.AdvanceTo(0.02)
	box.got = nil

	require.NoError(t, ep.Send(wire.RttTest{Round: 1, Index: 2}))
	clock.AdvanceTo(0.05)
	assert.Empty(t, box.got)
	clock.AdvanceTo(0.07)
	assert.Equal(t, []wire.Message{wire.RttTest{Round: 1, Index: 2}}, box.got)
}

func TestHub_ServerRoutedAddressesReachHandlers(t *testing.T) {
	h, clock := newTestHub(t)
	ep, err := h.Connect(performer)
	require.NoError(t, err)

	var got []wire.Message
	ep.On("!gdc/timemap", func(m wire.Message) { got = append(got, m) })
	clock.AdvanceTo(1)
	assert.Len(t, got, 1)
}

func TestHub_DuplicateConnect(t *testing.T) {
	h, _ := newTestHub(t)
	connect(t, h, composer)
	_, err := h.Connect(composer)
	assert.ErrorIs(t, err, ErrDuplicatePeer)
}

func TestHub_StartReachesEveryone(t *testing.T) {
	h, clock := newTestHub(t)
	ep, cbox := connect(t, h, composer)
	_, lbox := connect(t, h, listener)
	clock.AdvanceTo(0.02)

	require.NoError(t, ep.Send(wire.Start{Epoch: 0, Beat: 1, BPS: 2}))
	clock.AdvanceTo(0.07)

	// Received by the authority at 0.04; start pushed to 2.44.
	for _, box := range []*inbox{cbox, lbox} {
		require.Len(t, box.got, 2)
		tm := box.got[1].(wire.TimeMap)
		assert.Equal(t, uint32(1), tm.Epoch)
		assert.InDelta(t, 2.44, tm.Time, 1e-4)
		assert.Equal(t, 1.0, tm.Beat)
		assert.Equal(t, 2.0, tm.BPS)
	}
	assert.Equal(t, 2.0, h.Authority().TimeMap().BPS)
}

func TestHub_CloseWhileRunningInterrupts(t *testing.T) {
	h, clock := newTestHub(t)
	ep, _ := connect(t, h, composer)
	_, pbox := connect(t, h, performer)
	require.NoError(t, ep.Send(wire.Start{Epoch: 0, Beat: 1, BPS: 2}))
	clock.AdvanceTo(0.1)
	pbox.got = nil

	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())
	assert.ErrorIs(t, ep.Send(wire.RttTest{}), ErrClosed)

	clock.AdvanceTo(0.2)
	require.Len(t, pbox.got, 2)
	assert.Equal(t, 0.0, pbox.got[0].(wire.TimeMap).BPS)
	assert.Equal(t, wire.SessionInterrupt{}, pbox.got[1])
	assert.Len(t, h.Authority().Peers(), 1)
}

func TestHub_DropsFramesForDepartedPeers(t *testing.T) {
	h, clock := newTestHub(t)
	ep, _ := connect(t, h, composer)
	require.NoError(t, ep.Close())

	clock.AdvanceTo(1)
	assert.Equal(t, int64(1), h.Dropped())
}

func TestEndpoint_Transport(t *testing.T) {
	h, clock := newTestHub(t)
	ep, _ := connect(t, h, composer)
	clock.Set(3.5)
	assert.Equal(t, 3.5, ep.NetworkTime())
	assert.True(t, ep.Synchronized())
	assert.Equal(t, composer, ep.Peer())
}
