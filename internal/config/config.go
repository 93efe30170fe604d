// Package config provides configuration parsing and validation for Veksel.
package config

import (
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"github.com/veksel-project/veksel/internal/cipher"
	"github.com/veksel-project/veksel/internal/logging"
	"github.com/veksel-project/veksel/internal/obfs"
	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Local   LocalConfig   `yaml:"local"`
	Cipher  CipherConfig  `yaml:"cipher"`
	DNS     DNSConfig     `yaml:"dns"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// RelayConfig points at the remote relay server.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	// Transport selects how sessions reach the relay: "tcp" (obfuscated
	// stream over plain TCP), "tls" (the stream framed inside TLS, with an
	// optional WebSocket upgrade), or "quic".
	Transport string `yaml:"transport"`

	TLS RelayTLSConfig `yaml:"tls"`
}

// RelayTLSConfig tunes the tls and quic transports.
type RelayTLSConfig struct {
	// SNI overrides the server name sent in the handshake. Defaults to the
	// relay host.
	SNI string `yaml:"sni"`

	// Path, when set on the tls transport, upgrades the connection to a
	// WebSocket at this request path so the relay can hide behind an
	// ordinary HTTPS endpoint.
	Path string `yaml:"path"`

	// CA is a PEM file with the root certificate to verify the relay
	// against. Empty means the system roots.
	CA string `yaml:"ca"`

	// InsecureSkipVerify disables certificate verification. Development
	// only; the inner cipher layer still protects the payload.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// LocalConfig configures the local SOCKS5 listener.
type LocalConfig struct {
	Host string    `yaml:"host"`
	Port uint16    `yaml:"port"`
	UDP  UDPConfig `yaml:"udp"`
}

// UDPConfig configures the UDP ASSOCIATE answer.
type UDPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`
}

// CipherConfig selects the encryption and traffic shaping for relay sessions.
type CipherConfig struct {
	Method        string `yaml:"method"`
	Password      string `yaml:"password"`
	Protocol      string `yaml:"protocol"`
	ProtocolParam string `yaml:"protocol_param"`
	Obfs          string `yaml:"obfs"`
	ObfsParam     string `yaml:"obfs_param"`
}

// DNSConfig configures upstream host resolution.
type DNSConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// LimitsConfig bounds resource usage.
type LimitsConfig struct {
	// MaxConnections caps concurrent client connections (0 = unlimited).
	MaxConnections int `yaml:"max_connections"`

	// IdleTimeout is the per-tunnel idle timer interval.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RateLimit caps per-tunnel throughput in bytes per second (0 = off).
	RateLimit int `yaml:"rate_limit"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address to serve /metrics on; empty disables the endpoint.
	Address string `yaml:"address"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults. Relay host,
// relay port and password still need to be filled in.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Transport: "tcp",
		},
		Local: LocalConfig{
			Host: "127.0.0.1",
			Port: 1080,
		},
		Cipher: CipherConfig{
			Method:   "chacha20-ietf",
			Protocol: "origin",
			Obfs:     "plain",
		},
		DNS: DNSConfig{
			Timeout: 5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConnections: 1000,
			IdleTimeout:    5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// OverTLS reports whether relay sessions ride a framed transport instead of
// the raw obfuscated TCP stream.
func (c *Config) OverTLS() bool {
	return c.Relay.Transport != "tcp"
}

// ListenAddr returns the SOCKS5 listen address in host:port form.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Local.Host, fmt.Sprintf("%d", c.Local.Port))
}

// RelayAddr returns the relay address in host:port form.
func (c *Config) RelayAddr() string {
	return net.JoinHostPort(c.Relay.Host, fmt.Sprintf("%d", c.Relay.Port))
}

// CipherSettings maps the cipher section onto the session settings consumed
// by the cipher package.
func (c *Config) CipherSettings() cipher.Settings {
	return cipher.Settings{
		Method:        c.Cipher.Method,
		Password:      c.Cipher.Password,
		Protocol:      c.Cipher.Protocol,
		ProtocolParam: c.Cipher.ProtocolParam,
		Obfs:          c.Cipher.Obfs,
		ObfsParam:     c.Cipher.ObfsParam,
		Host:          c.Relay.Host,
		Port:          c.Relay.Port,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Relay.Host == "" {
		return fmt.Errorf("relay.host is required")
	}
	if c.Relay.Port == 0 {
		return fmt.Errorf("relay.port is required")
	}
	if !slices.Contains([]string{"tcp", "tls", "quic"}, c.Relay.Transport) {
		return fmt.Errorf("relay.transport must be tcp, tls or quic, got %q", c.Relay.Transport)
	}
	if c.Local.Host == "" {
		return fmt.Errorf("local.host is required")
	}
	if c.Local.Port == 0 {
		return fmt.Errorf("local.port is required")
	}
	if c.Local.UDP.Enabled && c.Local.UDP.Port == 0 {
		return fmt.Errorf("local.udp.port is required when local.udp.enabled is set")
	}

	if _, err := cipher.MethodByName(c.Cipher.Method); err != nil {
		return fmt.Errorf("cipher.method: %w", err)
	}
	if c.Cipher.Password == "" && c.Cipher.Method != "none" {
		return fmt.Errorf("cipher.password is required for method %q", c.Cipher.Method)
	}

	info := obfs.ServerInfo{Host: c.Relay.Host, Port: c.Relay.Port}
	plugin, err := obfs.New(c.Cipher.Obfs, c.Cipher.ObfsParam, info)
	if err != nil {
		return fmt.Errorf("cipher.obfs: %w", err)
	}
	if _, err := obfs.NewProtocol(c.Cipher.Protocol, c.Cipher.ProtocolParam, info); err != nil {
		return fmt.Errorf("cipher.protocol: %w", err)
	}

	// A framed transport performs its own handshake; an obfuscation plugin
	// that waits for the server's opening frame would deadlock inside it.
	if c.OverTLS() && plugin.ServerFirst() {
		return fmt.Errorf("cipher.obfs %q requires the raw tcp transport", c.Cipher.Obfs)
	}

	if c.Limits.MaxConnections < 0 {
		return fmt.Errorf("limits.max_connections must not be negative")
	}
	if c.Limits.RateLimit < 0 {
		return fmt.Errorf("limits.rate_limit must not be negative")
	}

	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if !logging.ValidFormat(c.Log.Format) {
		return fmt.Errorf("log.format %q is not text or json", c.Log.Format)
	}

	return nil
}
