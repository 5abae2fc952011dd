// Package config holds the runtime configuration for the pipelined
// daemon. Config values are immutable after Load; construction goes
// through Load or Default so invalid configurations cannot circulate.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/upgw/pipelined"
)

// Timeouts bounds blocking operations. Every timeout degrades to an
// explicit error, never indefinite blocking.
type Timeouts struct {
	// BackendRPC bounds a single install, barrier or verify call.
	BackendRPC time.Duration `yaml:"backend_rpc"`
	// TopologyWait bounds how long a flow operation waits for a
	// reconciliation touching its app to settle.
	TopologyWait time.Duration `yaml:"topology_wait"`
}

// Retry is the backend RPC retry policy used during reconciliation.
type Retry struct {
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// Stats configures the usage relay.
type Stats struct {
	// Interval between counter sweeps.
	Interval time.Duration `yaml:"interval"`
	// BufferLimit caps samples held across failed exports; beyond it
	// the oldest samples are dropped and counted as lost.
	BufferLimit int `yaml:"buffer_limit"`
	// CollectorURL is the usage collector endpoint. Empty disables
	// export (samples are logged at debug).
	CollectorURL string `yaml:"collector_url"`
}

// Bands mirrors pipelined.Bands for the config file.
type Bands struct {
	ConfigurableStart uint8 `yaml:"configurable_start"`
	Postamble         uint8 `yaml:"postamble"`
	ScratchTop        uint8 `yaml:"scratch_top"`
}

// Config is the daemon configuration.
type Config struct {
	// HTTPAddress serves the admin API, metrics and pprof.
	HTTPAddress string `yaml:"http_address"`
	// GRPCAddress serves the health/readiness service.
	GRPCAddress string `yaml:"grpc_address"`
	// DBPath is the SQLite database file. Empty means in-memory.
	DBPath string `yaml:"db_path"`
	// Backend selects the flow-table backend ("memory" is built in).
	Backend string `yaml:"backend"`
	// LogSpec is the logging spec (lowest precedence source).
	LogSpec string `yaml:"log_spec"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	Bands    Bands    `yaml:"bands"`
	Timeouts Timeouts `yaml:"timeouts"`
	Retry    Retry    `yaml:"retry"`
	Stats    Stats    `yaml:"stats"`
}

// Default returns the production defaults.
func Default() Config {
	b := pipelined.DefaultBands()
	return Config{
		HTTPAddress: ":8080",
		GRPCAddress: ":50051",
		DBPath:      "/var/lib/pipelined/pipelined.db",
		Backend:     "memory",
		Bands: Bands{
			ConfigurableStart: uint8(b.ConfigurableStart),
			Postamble:         uint8(b.Postamble),
			ScratchTop:        uint8(b.ScratchTop),
		},
		Timeouts: Timeouts{
			BackendRPC:   2 * time.Second,
			TopologyWait: 5 * time.Second,
		},
		Retry: Retry{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
		},
		Stats: Stats{
			Interval:    10 * time.Second,
			BufferLimit: 4096,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// TableBands converts the band layout to its domain type.
func (c Config) TableBands() pipelined.Bands {
	return pipelined.Bands{
		ConfigurableStart: pipelined.TableID(c.Bands.ConfigurableStart),
		Postamble:         pipelined.TableID(c.Bands.Postamble),
		ScratchTop:        pipelined.TableID(c.Bands.ScratchTop),
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if err := c.TableBands().Validate(); err != nil {
		return err
	}
	if c.Timeouts.BackendRPC <= 0 {
		return fmt.Errorf("timeouts.backend_rpc must be positive")
	}
	if c.Timeouts.TopologyWait <= 0 {
		return fmt.Errorf("timeouts.topology_wait must be positive")
	}
	if c.Retry.Attempts == 0 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}
	if c.Stats.BufferLimit <= 0 {
		return fmt.Errorf("stats.buffer_limit must be positive")
	}
	return nil
}
