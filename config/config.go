// Package config loads and validates the tunnel's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for either a local or remote role
// instance.
type Config struct {
	// Role is "local" or "remote". Set by the CLI, not read from YAML.
	Role string `yaml:"-"`

	ServerAddr    string `yaml:"server_addr"`
	ServerTCPPort int    `yaml:"server_tcp_port"`
	ServerUDPPort int    `yaml:"server_udp_port"`

	CipherName string `yaml:"cipher_name"`
	Passwd     string `yaml:"passwd"`

	UDPIVChangeRate float64 `yaml:"udp_iv_change_rate"`

	UDPMultiRemote           map[string]int `yaml:"udp_multi_remote"`
	UDPMultiTransmitMaxCache int            `yaml:"udp_multi_transmit_max_cache"`
	UDPMultiTransmitTimes    int            `yaml:"udp_multi_transmit_times"`

	// Ambient daemon settings carried regardless of the data-plane scope.
	Listen         ListenConfig  `yaml:"listen"`
	UDPIdleTimeout int           `yaml:"udp_idle_timeout_seconds"`
	Logging        LoggingConfig `yaml:"logging"`
	Distributed    Distributed   `yaml:"distributed"`
}

// ListenConfig holds the locally-bound listener addresses (local role
// listens for kernel-redirected connections; remote role listens for the
// tunnel peer).
type ListenConfig struct {
	TCPAddr string `yaml:"tcp_addr"`
	UDPAddr string `yaml:"udp_addr"`
}

// LoggingConfig controls the obslog logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Distributed configures the optional Redis-backed cross-process registry
// used when the remote role is horizontally scaled across workers sharing
// one conntrack namespace. Beyond spec.md's single-process model; left
// disabled (Addr == "") by default.
type Distributed struct {
	Addr string `yaml:"redis_addr"`
	DB   int    `yaml:"redis_db"`
}

// Load reads a YAML configuration file and applies defaults. It does not
// validate the result; ValidateLocal and ValidateRemote do that per role.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.UDPMultiTransmitMaxCache == 0 {
		c.UDPMultiTransmitMaxCache = 32768
	}
	if c.UDPMultiTransmitTimes == 0 {
		c.UDPMultiTransmitTimes = 1
	}
	if c.UDPIVChangeRate == 0 {
		c.UDPIVChangeRate = 1.0 / 3600.0
	}
	if c.UDPIdleTimeout == 0 {
		c.UDPIdleTimeout = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ValidateLocal checks the configuration is complete for the local
// (client-side redirector) role. A missing server address here is a
// configuration error: fatal at startup, never at connection time.
func (c *Config) ValidateLocal() error {
	if c.ServerAddr == "" || c.ServerTCPPort == 0 {
		return fmt.Errorf("local role requires server_addr and server_tcp_port")
	}
	if c.CipherName == "" || c.Passwd == "" {
		return fmt.Errorf("cipher_name and passwd are required")
	}
	return nil
}

// ValidateRemote checks the configuration is complete for the remote
// (server-side exit) role.
func (c *Config) ValidateRemote() error {
	if c.CipherName == "" || c.Passwd == "" {
		return fmt.Errorf("cipher_name and passwd are required")
	}
	return nil
}

// MultiTransmitEnabled reports whether UDP multi-transmit is configured.
func (c *Config) MultiTransmitEnabled() bool {
	return len(c.UDPMultiRemote) > 0
}
