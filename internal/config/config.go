// Package config holds the host-side configuration for the sidecar
// manager: an optional TOML file merged with command-line overrides.
// Flags win over the file; the file wins over defaults.
package config

import (
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/analos/sidecar/pkg/ports"
)

// Release channel for update feeds.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelAlpha  Channel = "alpha"
)

// Appcast feed URLs per channel.
const (
	DefaultAppcastURL = "https://cdn.uzdabrazor.com/appcast-server.xml"
	AlphaAppcastURL   = "https://cdn.uzdabrazor.com/appcast-server.alpha.xml"
)

// Config is the merged host configuration.
type Config struct {
	CDPPort       int `toml:"cdp_port"`
	MCPPort       int `toml:"mcp_port"`
	AgentPort     int `toml:"agent_port"`
	ExtensionPort int `toml:"extension_port"`

	DisableServer  bool `toml:"disable_server"`
	DisableUpdater bool `toml:"disable_updater"`

	ResourcesDir string `toml:"resources_dir"`
	ExecutionDir string `toml:"execution_dir"`

	AppcastURL string  `toml:"appcast_url"`
	Channel    Channel `toml:"channel"`
}

// Load reads the TOML file at path. A missing file is not an error and
// yields an empty config; a file that exists but will not parse is.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveAppcastURL picks the feed URL: an explicit appcast_url wins,
// otherwise the channel selects between the stable and alpha feeds.
func (c *Config) ResolveAppcastURL() string {
	if c.AppcastURL != "" {
		return c.AppcastURL
	}
	if c.Channel == ChannelAlpha {
		return AlphaAppcastURL
	}
	return DefaultAppcastURL
}

// ValidatePortOverride checks an explicit port override. Invalid values
// are logged and discarded (returns 0) so the computed port is used
// instead; problematic-but-valid ports are respected with a warning,
// since an explicit override expresses user intent.
func ValidatePortOverride(name string, port int) int {
	if port == 0 {
		return 0
	}
	if !ports.IsValid(port) {
		log.Printf("analos: invalid %s specified on command line: %d (must be 1-65535)", name, port)
		return 0
	}
	if !ports.IsUsable(port) {
		log.Printf("analos: %s %d is well-known or restricted and may interfere with system services", name, port)
	}
	log.Printf("analos: %s overridden via command line: %d", name, port)
	return port
}
