package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
relay:
  host: relay.example.org
  port: 8388
  transport: tls
  tls:
    sni: cdn.example.net
    path: /updates
local:
  host: 127.0.0.1
  port: 1080
  udp:
    enabled: true
    port: 1080
cipher:
  method: aes-256-ctr
  password: hunter2
  obfs: http-simple
dns:
  servers: ["1.1.1.1:53"]
  timeout: 2s
limits:
  max_connections: 64
  idle_timeout: 90s
  rate_limit: 1048576
metrics:
  address: 127.0.0.1:9090
log:
  level: debug
  format: json
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.Host != "relay.example.org" {
		t.Errorf("Relay.Host = %q", cfg.Relay.Host)
	}
	if cfg.Relay.Port != 8388 {
		t.Errorf("Relay.Port = %d", cfg.Relay.Port)
	}
	if cfg.Relay.Transport != "tls" {
		t.Errorf("Relay.Transport = %q", cfg.Relay.Transport)
	}
	if cfg.Relay.TLS.SNI != "cdn.example.net" {
		t.Errorf("Relay.TLS.SNI = %q", cfg.Relay.TLS.SNI)
	}
	if !cfg.Local.UDP.Enabled || cfg.Local.UDP.Port != 1080 {
		t.Errorf("Local.UDP = %+v", cfg.Local.UDP)
	}
	if cfg.Cipher.Method != "aes-256-ctr" {
		t.Errorf("Cipher.Method = %q", cfg.Cipher.Method)
	}
	if cfg.DNS.Timeout != 2*time.Second {
		t.Errorf("DNS.Timeout = %v", cfg.DNS.Timeout)
	}
	if cfg.Limits.RateLimit != 1048576 {
		t.Errorf("Limits.RateLimit = %d", cfg.Limits.RateLimit)
	}
	if !cfg.OverTLS() {
		t.Error("OverTLS() = false for tls transport")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("relay:\n  host: r.example\n  port: 1\ncipher:\n  password: x\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.Transport != "tcp" {
		t.Errorf("default transport = %q, want tcp", cfg.Relay.Transport)
	}
	if cfg.Local.Port != 1080 {
		t.Errorf("default local port = %d, want 1080", cfg.Local.Port)
	}
	if cfg.Cipher.Method != "chacha20-ietf" {
		t.Errorf("default method = %q", cfg.Cipher.Method)
	}
	if cfg.Limits.IdleTimeout != 5*time.Minute {
		t.Errorf("default idle timeout = %v", cfg.Limits.IdleTimeout)
	}
	if cfg.OverTLS() {
		t.Error("OverTLS() = true for tcp transport")
	}
}

func TestValidateErrors(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Relay.Host = "relay.example.org"
		cfg.Relay.Port = 8388
		cfg.Cipher.Password = "pw"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing relay host", func(c *Config) { c.Relay.Host = "" }, "relay.host"},
		{"missing relay port", func(c *Config) { c.Relay.Port = 0 }, "relay.port"},
		{"bad transport", func(c *Config) { c.Relay.Transport = "carrier-pigeon" }, "relay.transport"},
		{"missing local host", func(c *Config) { c.Local.Host = "" }, "local.host"},
		{"missing local port", func(c *Config) { c.Local.Port = 0 }, "local.port"},
		{"udp without port", func(c *Config) { c.Local.UDP.Enabled = true }, "local.udp.port"},
		{"unknown method", func(c *Config) { c.Cipher.Method = "rot13" }, "cipher.method"},
		{"missing password", func(c *Config) { c.Cipher.Password = "" }, "cipher.password"},
		{"unknown obfs", func(c *Config) { c.Cipher.Obfs = "nope" }, "cipher.obfs"},
		{"unknown protocol", func(c *Config) { c.Cipher.Protocol = "nope" }, "cipher.protocol"},
		{"server-first obfs on framed transport", func(c *Config) {
			c.Relay.Transport = "tls"
			c.Cipher.Obfs = "tls-ticket"
		}, "raw tcp"},
		{"negative rate limit", func(c *Config) { c.Limits.RateLimit = -1 }, "rate_limit"},
		{"bad log level", func(c *Config) { c.Log.Level = "shout" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "morse" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error = %q, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateAllowsNoneWithoutPassword(t *testing.T) {
	cfg := Default()
	cfg.Relay.Host = "relay.example.org"
	cfg.Relay.Port = 8388
	cfg.Cipher.Method = "none"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "veksel.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Relay.Host != cfg.Relay.Host || loaded.Cipher.Password != cfg.Cipher.Password {
		t.Error("round trip lost fields")
	}
}

func TestAddrHelpers(t *testing.T) {
	cfg := Default()
	cfg.Relay.Host = "relay.example.org"
	cfg.Relay.Port = 8388

	if got := cfg.ListenAddr(); got != "127.0.0.1:1080" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if got := cfg.RelayAddr(); got != "relay.example.org:8388" {
		t.Errorf("RelayAddr() = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}
