// Package config loads and validates rfbridged's startup configuration,
// following the teacher's struct-of-structs-with-yaml-tags shape and
// LoadConfig/Validate split (pkg/config/config.go in dougsko-js8d).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// RunMode selects whether this daemon talks to hardware directly
// (standalone) or forwards everything to a master daemon (node),
// per spec §4.7.
type RunMode string

const (
	ModeStandalone RunMode = "standalone"
	ModeNode       RunMode = "node"
)

// DeviceConfig names a configured device by location/device pair, the
// protocol ids and option defaults a "send" frame referencing it should
// resolve to (spec §4.6's named-device send path).
type DeviceConfig struct {
	Location string                 `yaml:"location"`
	Device   string                 `yaml:"device"`
	Protocol []string               `yaml:"protocol"`
	UUID     string                 `yaml:"uuid,omitempty"`
	Defaults map[string]interface{} `yaml:"defaults,omitempty"`
}

// Config represents rfbridged's configuration.
type Config struct {
	Listen struct {
		Address       string `yaml:"address"`
		WebSocketPath string `yaml:"websocket_path"`
	} `yaml:"listen"`

	PIDFile string `yaml:"pid_file"`

	Mode RunMode `yaml:"mode"`

	Master struct {
		Address string `yaml:"address"`
	} `yaml:"master"`

	NodeUUID string `yaml:"node_uuid"`

	Hardware struct {
		Drivers []string `yaml:"drivers"`
	} `yaml:"hardware"`

	Protocols struct {
		Enabled []string `yaml:"enabled"`
	} `yaml:"protocols"`

	Devices []DeviceConfig `yaml:"devices"`

	Web struct {
		Enabled     bool   `yaml:"enabled"`
		BindAddress string `yaml:"bind_address"`
		Port        int    `yaml:"port"`
	} `yaml:"web"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
	} `yaml:"logging"`

	Monitor struct {
		WarnPercent    float64 `yaml:"warn_percent"`
		FatalPercent   float64 `yaml:"fatal_percent"`
		MetricsEnabled bool    `yaml:"metrics_enabled"`
	} `yaml:"monitor"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = ":5001"
	}
	if cfg.Listen.WebSocketPath == "" {
		cfg.Listen.WebSocketPath = "/ws"
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = "/var/run/rfbridged.pid"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStandalone
	}
	if cfg.NodeUUID == "" {
		// This daemon's own identity when it dials an upstream master
		// as a NODE (spec §4.7's WELCOME frame); generated once here
		// rather than left for the operator to invent by hand.
		cfg.NodeUUID = uuid.NewString()
	}
	if len(cfg.Hardware.Drivers) == 0 {
		cfg.Hardware.Drivers = []string{"mock433"}
	}
	if cfg.Web.BindAddress == "" {
		cfg.Web.BindAddress = "0.0.0.0"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}
	if cfg.Monitor.WarnPercent == 0 {
		cfg.Monitor.WarnPercent = 60
	}
	if cfg.Monitor.FatalPercent == 0 {
		cfg.Monitor.FatalPercent = 90
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Mode != ModeStandalone && c.Mode != ModeNode {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeStandalone, ModeNode, c.Mode)
	}
	if c.Mode == ModeNode && c.Master.Address == "" {
		return fmt.Errorf("master.address is required when mode is %q", ModeNode)
	}
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	for _, d := range c.Devices {
		if d.Location == "" || d.Device == "" {
			return fmt.Errorf("device entry missing location/device")
		}
		if len(d.Protocol) == 0 {
			return fmt.Errorf("device %s/%s has no protocol", d.Location, d.Device)
		}
	}
	return nil
}

// ConfigSnapshot marshals the full config for the CONTROLLER/NODE
// "request config" reply and the webserver's /api/v1/config route
// (spec §4.6, §4.7).
func (c *Config) ConfigSnapshot() json.RawMessage {
	payload, _ := json.Marshal(c)
	return payload
}

// ApplyConfig implements upstream.ConfigApplier: a node daemon receives
// its master's config object during the CONFIG step and merges in the
// device list it describes (spec §4.7).
func (c *Config) ApplyConfig(raw json.RawMessage) error {
	var incoming Config
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	c.Devices = incoming.Devices
	return nil
}

// ResolveDevice implements session.DeviceResolver by looking up a
// configured device by location/device name.
func (c *Config) ResolveDevice(location, device string) (protocolIDs []string, defaults map[string]interface{}, uuid string, ok bool) {
	for _, d := range c.Devices {
		if d.Location == location && d.Device == device {
			return d.Protocol, d.Defaults, d.UUID, true
		}
	}
	return nil, nil, "", false
}
