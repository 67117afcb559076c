package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beatclock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

const fileBody = `
client:
  id: 3
  role: composer
  x: 2
session:
  rtt_spacing: 50ms
  metronome: false
`

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, fileBody)
	c, err := Load(parseFlags(t, "--config", path))
	require.NoError(t, err)

	assert.Equal(t, int32(3), c.Client.ID)
	assert.Equal(t, "composer", c.Client.Role)
	assert.Equal(t, 2, c.Client.X)
	assert.Equal(t, 50*time.Millisecond, c.Session.RttSpacing)
	assert.False(t, c.Session.Metronome)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Session.RttProbes, c.Session.RttProbes)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	t.Setenv("BEATCLOCK_CONFIG", writeConfig(t, fileBody))
	c, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), c.Client.ID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, fileBody)
	t.Setenv("BEATCLOCK_CLIENT_ID", "9")
	t.Setenv("BEATCLOCK_SESSION_RTT_SPACING", "25ms")

	c, err := Load(parseFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, int32(9), c.Client.ID)
	assert.Equal(t, 25*time.Millisecond, c.Session.RttSpacing)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Setenv("BEATCLOCK_CLIENT_ID", "9")
	c, err := Load(parseFlags(t, "--id", "11", "--latency", "5ms"))
	require.NoError(t, err)
	assert.Equal(t, int32(11), c.Client.ID)
	assert.Equal(t, 5*time.Millisecond, c.Server.Latency)
}

func TestLoad_UnsetFlagKeepsLowerLayer(t *testing.T) {
	path := writeConfig(t, fileBody)
	c, err := Load(parseFlags(t, "--config", path, "--id", "4"))
	require.NoError(t, err)
	assert.Equal(t, "composer", c.Client.Role, "--role was not given")
	assert.Equal(t, int32(4), c.Client.ID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(parseFlags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestLoad_InvalidFromEnv(t *testing.T) {
	t.Setenv("BEATCLOCK_SESSION_RTT_PROBES", "0")
	_, err := Load(nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown role", func(c *Config) { c.Client.Role = "drummer" }},
		{"negative id", func(c *Config) { c.Client.ID = -1 }},
		{"no probes", func(c *Config) { c.Session.RttProbes = 0 }},
		{"timer floor below 1ms", func(c *Config) { c.Session.MinTimerDelay = 0 }},
		{"zero network delay", func(c *Config) { c.Server.MaxNetDelay = 0 }},
		{"empty listen address", func(c *Config) { c.Server.Listen = "" }},
		{"empty metronome voice", func(c *Config) { c.Session.MetronomeVoice = "" }},
		{"offset step above 1s", func(c *Config) { c.Session.MaxOffsetStep = 2 }},
		{"negative relay lead", func(c *Config) { c.Session.RelayLead = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}

func TestConfig_Engine(t *testing.T) {
	c := Default()
	c.Client.ID = 5
	c.Client.Role = "listener"
	c.Session.Debounce = 20 * time.Millisecond

	e, err := c.Engine()
	require.NoError(t, err)
	want := engine.DefaultConfig()
	want.ClientID = 5
	want.Role = engine.RoleListener
	want.Debounce = 20 * time.Millisecond
	assert.Equal(t, want, e)
}

func TestConfig_Peer(t *testing.T) {
	c := Default()
	c.Client = ClientConfig{ID: 2, Role: "composer", X: 1, Y: 3}
	p, err := c.Peer()
	require.NoError(t, err)
	assert.Equal(t, transport.Peer{ID: 2, Role: engine.RoleComposer, X: 1, Y: 3}, p)

	c.Client.Role = "nobody"
	_, err = c.Engine()
	assert.Error(t, err)
	_, err = c.Peer()
	assert.Error(t, err)
}
