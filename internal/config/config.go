// Package config loads beatclock settings.
//
// Values are layered by viper, lowest first: built-in defaults, an optional
// YAML file, BEATCLOCK_* environment variables and command-line flags. The
// merged result is checked against an embedded CUE schema before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/transport"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override, e.g. BEATCLOCK_CLIENT_ID.
const EnvPrefix = "BEATCLOCK"

// ErrInvalid is returned when the merged settings violate the schema.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every beatclock setting.
type Config struct {
	Client  ClientConfig  `json:"client" mapstructure:"client"`
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	Journal JournalConfig `json:"journal" mapstructure:"journal"`
	Session SessionConfig `json:"session" mapstructure:"session"`
}

// ClientConfig identifies this participant.
type ClientConfig struct {
	ID   int32  `json:"id" mapstructure:"id"`
	Role string `json:"role" mapstructure:"role"`
	X    int    `json:"x" mapstructure:"x"`
	Y    int    `json:"y" mapstructure:"y"`
}

// ServerConfig covers both ends of the connection.
type ServerConfig struct {
	// URL is the WebSocket endpoint a client dials.
	URL string `json:"url" mapstructure:"url"`
	// Listen is the address the tempo server binds.
	Listen string `json:"listen" mapstructure:"listen"`
	// MaxNetDelay is the minimum lead, in seconds, of server tempo changes.
	MaxNetDelay float64 `json:"max_net_delay" mapstructure:"max_net_delay"`
	// Latency is the one-way delay of the in-process hub.
	Latency      time.Duration `json:"latency" mapstructure:"latency"`
	SyncInterval time.Duration `json:"sync_interval" mapstructure:"sync_interval"`
}

// JournalConfig locates the SQLite journal. An empty path disables it.
type JournalConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// SessionConfig mirrors engine.Config.
type SessionConfig struct {
	RttProbes         int           `json:"rtt_probes" mapstructure:"rtt_probes"`
	RttSpacing        time.Duration `json:"rtt_spacing" mapstructure:"rtt_spacing"`
	RttTimeout        time.Duration `json:"rtt_timeout" mapstructure:"rtt_timeout"`
	ReconcileInterval float64       `json:"reconcile_interval" mapstructure:"reconcile_interval"`
	MaxOffsetStep     float64       `json:"max_offset_step" mapstructure:"max_offset_step"`
	LateThreshold     time.Duration `json:"late_threshold" mapstructure:"late_threshold"`
	MinTimerDelay     time.Duration `json:"min_timer_delay" mapstructure:"min_timer_delay"`
	Debounce          time.Duration `json:"debounce" mapstructure:"debounce"`
	Metronome         bool          `json:"metronome" mapstructure:"metronome"`
	MetronomeVoice    string        `json:"metronome_voice" mapstructure:"metronome_voice"`
	MetronomeLead     time.Duration `json:"metronome_lead" mapstructure:"metronome_lead"`
	RelayLead         float64       `json:"relay_lead" mapstructure:"relay_lead"`
	ComposerExtra     float64       `json:"composer_extra" mapstructure:"composer_extra"`
	ProposalLead      time.Duration `json:"proposal_lead" mapstructure:"proposal_lead"`
}

// Default returns the built-in settings.
func Default() Config {
	e := engine.DefaultConfig()
	return Config{
		Client: ClientConfig{
			ID:   e.ClientID,
			Role: e.Role.String(),
		},
		Server: ServerConfig{
			URL:          "ws://localhost:7400/ws",
			Listen:       ":7400",
			MaxNetDelay:  transport.DefaultMaxNetDelay,
			Latency:      20 * time.Millisecond,
			SyncInterval: transport.DefaultSyncInterval,
		},
		Session: SessionConfig{
			RttProbes:         e.RttProbes,
			RttSpacing:        e.RttSpacing,
			RttTimeout:        e.RttTimeout,
			ReconcileInterval: e.ReconcileInterval,
			MaxOffsetStep:     e.MaxOffsetStep,
			LateThreshold:     e.LateThreshold,
			MinTimerDelay:     e.MinTimerDelay,
			Debounce:          e.Debounce,
			Metronome:         e.Metronome,
			MetronomeVoice:    e.MetronomeVoice,
			MetronomeLead:     e.MetronomeLead,
			RelayLead:         e.RelayLead,
			ComposerExtra:     e.ComposerExtra,
			ProposalLead:      e.ProposalLead,
		},
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"id":            "client.id",
	"role":          "client.role",
	"x":             "client.x",
	"y":             "client.y",
	"server":        "server.url",
	"listen":        "server.listen",
	"max-net-delay": "server.max_net_delay",
	"latency":       "server.latency",
	"journal":       "journal.path",
	"metronome":     "session.metronome",
	"rtt-probes":    "session.rtt_probes",
}

// RegisterFlags adds the overridable settings to fs. Commands register the
// whole set; Load only honours flags the user actually set.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML config file (env "+EnvPrefix+"_CONFIG)")
	fs.Int32("id", d.Client.ID, "client id")
	fs.String("role", d.Client.Role, "client role (composer|performer|listener)")
	fs.Int("x", d.Client.X, "grid column")
	fs.Int("y", d.Client.Y, "grid row")
	fs.String("server", d.Server.URL, "tempo server WebSocket URL")
	fs.String("listen", d.Server.Listen, "tempo server listen address")
	fs.Float64("max-net-delay", d.Server.MaxNetDelay, "minimum lead of tempo changes, in seconds")
	fs.Duration("latency", d.Server.Latency, "one-way latency of the simulated network")
	fs.String("journal", d.Journal.Path, "path to the SQLite journal (empty disables)")
	fs.Bool("metronome", d.Session.Metronome, "play the metronome while the tempo runs")
	fs.Int("rtt-probes", d.Session.RttProbes, "probes per round-trip measurement round")
}

// Load merges defaults, the config file, the environment and the flags in
// fs, then validates the result. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv(EnvPrefix + "_CONFIG")
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("client.id", d.Client.ID)
	v.SetDefault("client.role", d.Client.Role)
	v.SetDefault("client.x", d.Client.X)
	v.SetDefault("client.y", d.Client.Y)
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.max_net_delay", d.Server.MaxNetDelay)
	v.SetDefault("server.latency", d.Server.Latency)
	v.SetDefault("server.sync_interval", d.Server.SyncInterval)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("session.rtt_probes", d.Session.RttProbes)
	v.SetDefault("session.rtt_spacing", d.Session.RttSpacing)
	v.SetDefault("session.rtt_timeout", d.Session.RttTimeout)
	v.SetDefault("session.reconcile_interval", d.Session.ReconcileInterval)
	v.SetDefault("session.max_offset_step", d.Session.MaxOffsetStep)
	v.SetDefault("session.late_threshold", d.Session.LateThreshold)
	v.SetDefault("session.min_timer_delay", d.Session.MinTimerDelay)
	v.SetDefault("session.debounce", d.Session.Debounce)
	v.SetDefault("session.metronome", d.Session.Metronome)
	v.SetDefault("session.metronome_voice", d.Session.MetronomeVoice)
	v.SetDefault("session.metronome_lead", d.Session.MetronomeLead)
	v.SetDefault("session.relay_lead", d.Session.RelayLead)
	v.SetDefault("session.composer_extra", d.Session.ComposerExtra)
	v.SetDefault("session.proposal_lead", d.Session.ProposalLead)
}

// Validate checks c against the embedded schema. Violations are returned
// together, wrapped in ErrInvalid.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := def.Unify(ctx.Encode(c))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}
	return nil
}

// Engine returns the session tunables.
func (c Config) Engine() (engine.Config, error) {
	role, err := engine.ParseRole(c.Client.Role)
	if err != nil {
		return engine.Config{}, err
	}
	s := c.Session
	return engine.Config{
		ClientID:          c.Client.ID,
		Role:              role,
		RttProbes:         s.RttProbes,
		RttSpacing:        s.RttSpacing,
		RttTimeout:        s.RttTimeout,
		ReconcileInterval: s.ReconcileInterval,
		MaxOffsetStep:     s.MaxOffsetStep,
		LateThreshold:     s.LateThreshold,
		MinTimerDelay:     s.MinTimerDelay,
		Debounce:          s.Debounce,
		Metronome:         s.Metronome,
		MetronomeVoice:    s.MetronomeVoice,
		MetronomeLead:     s.MetronomeLead,
		RelayLead:         s.RelayLead,
		ComposerExtra:     s.ComposerExtra,
		ProposalLead:      s.ProposalLead,
	}, nil
}

// Peer returns this participant as the server sees it.
func (c Config) Peer() (transport.Peer, error) {
	role, err := engine.ParseRole(c.Client.Role)
	if err != nil {
		return transport.Peer{}, err
	}
	return transport.Peer{ID: c.Client.ID, Role: role, X: c.Client.X, Y: c.Client.Y}, nil
}
