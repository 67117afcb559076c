package audio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole_Clock(t *testing.T) {
	c := NewConsole(&bytes.Buffer{}, nil)

	a, err := c.Now()
	require.NoError(t, err)
	b, err := c.Now()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a, 0.0)
	assert.GreaterOrEqual(t, b, a)
	assert.True(t, c.Running())
}

func TestConsole_Trigger(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out, nil)

	require.NoError(t, c.Trigger("metronome", 1000))
	require.NoError(t, c.Trigger("drum-0-right", 0))

	assert.Equal(t, "  1000.000  metronome\n     0.000  drum-0-right\n", out.String())
	triggers, late := c.Stats()
	assert.Equal(t, 2, triggers)
	assert.Equal(t, 1, late)
}

func TestConsole_Stopped(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out, nil)
	c.SetRunning(false)

	err := c.Trigger("metronome", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio device stopped")
	assert.Empty(t, out.String())
	assert.False(t, c.Running())
}
