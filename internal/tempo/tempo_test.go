package tempo

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_NewMapIsStoppedAndNotReceived(t *testing.T) {
	m := NewMap()
	assert.False(t, m.Received())
	assert.Equal(t, 0.0, m.BeatsPerSecond())
	assert.Equal(t, Never, m.ToTime(4))
}

func TestMap_AffineMapping(t *testing.T) {
	m := NewMap()
	ok, err := m.Replace(100, 8, 2, 1)
	require.NoError(t, err)
	require.True(t, ok)

	assert.InDelta(t, 8.0, m.ToBeat(100), 1e-12)
	assert.InDelta(t, 9.0, m.ToBeat(100.5), 1e-12)
	assert.InDelta(t, 6.0, m.ToBeat(99), 1e-12)
	assert.InDelta(t, 102.0, m.ToTime(12), 1e-12)
}

func TestMap_RoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		s := Snapshot{
			RefTime:        rng.Float64() * 1000,
			RefBeat:        rng.Float64()*200 - 100,
			BeatsPerSecond: 0.1 + rng.Float64()*4,
			Received:       true,
		}
		tm := rng.Float64() * 2000
		b := rng.Float64()*400 - 200

		assert.InDelta(t, tm, s.ToTime(s.ToBeat(tm)), 1e-7, "to_time(to_beat(t)) == t")
		assert.InDelta(t, b, s.ToBeat(s.ToTime(b)), 1e-7, "to_beat(to_time(b)) == b")
	}
}

func TestMap_ToTimeNeverWhenStopped(t *testing.T) {
	m := NewMap()
	_, err := m.Replace(50, 3, 0, 1)
	require.NoError(t, err)

	for _, b := range []float64{-10, 0, 3, 3.5, 1e6} {
		assert.Equal(t, Never, m.ToTime(b))
		assert.True(t, IsNever(m.ToTime(b)))
	}
	// Beat stays frozen while stopped.
	assert.Equal(t, 3.0, m.ToBeat(1000))
}

func TestMap_StaleEpochIsNoOp(t *testing.T) {
	m := NewMap()
	ok, err := m.Replace(10, 0, 1, 5)
	require.NoError(t, err)
	require.True(t, ok)

	before := m.Snapshot()
	for _, epoch := range []uint32{0, 4, 5} {
		ok, err := m.Replace(99, 99, 3, epoch)
		require.NoError(t, err)
		assert.False(t, ok, "epoch %d must be ignored", epoch)
		assert.Equal(t, before, m.Snapshot())
	}

	ok, err = m.Replace(20, 10, 2, 6)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(6), m.Epoch())
}

func TestMap_FirstDefinitionAcceptsEpochZero(t *testing.T) {
	m := NewMap()
	assert.False(t, m.IsStale(0))

	ok, err := m.Replace(0, 0, 1, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.Received())
	assert.True(t, m.IsStale(0))
}

func TestMap_RejectsInvalidRate(t *testing.T) {
	m := NewMap()
	_, err := m.Replace(0, 0, -1, 1)
	assert.ErrorIs(t, err, ErrInvalidRate)
	assert.False(t, m.Received())
}

func TestMap_StopFreezesBeatAndKeepsEpoch(t *testing.T) {
	m := NewMap()
	_, err := m.Replace(0, 0, 2, 3)
	require.NoError(t, err)

	m.Stop(5)
	s := m.Snapshot()
	assert.Equal(t, 0.0, s.BeatsPerSecond)
	assert.InDelta(t, 10.0, s.RefBeat, 1e-12)
	assert.Equal(t, uint32(3), s.Epoch)
	assert.InDelta(t, 10.0, m.ToBeat(100), 1e-12)
}
