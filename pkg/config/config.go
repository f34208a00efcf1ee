package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure. A node is never built
// from an invalid configuration.
var ErrInvalid = errors.New("invalid configuration")

// SeedFile is written into the shared directory at startup when absent.
type SeedFile struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

type DiscoveryConfig struct {
	// Host probed by the startup port sweep.
	Host string `yaml:"host"`
	// PortStart..PortEnd is the swept range; PortStart 0 disables the sweep.
	PortStart    int           `yaml:"port_start"`
	PortEnd      int           `yaml:"port_end"`
	Timeout      time.Duration `yaml:"timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// MDNS also advertises and browses the node over multicast DNS.
	MDNS bool `yaml:"mdns"`
}

type TimingConfig struct {
	SyncInterval    time.Duration `yaml:"sync_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	PeerTimeout     time.Duration `yaml:"peer_timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	IOTimeout       time.Duration `yaml:"io_timeout"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

type LimitsConfig struct {
	MaxConnections int64 `yaml:"max_connections"`
	MaxParallel    int   `yaml:"max_parallel"`
	MaxUploadSize  int64 `yaml:"max_upload_size"`
}

// Config is everything needed to build one peer.
type Config struct {
	Name      string          `yaml:"name"`
	Port      int             `yaml:"port"`
	Host      string          `yaml:"host"`
	SharedDir string          `yaml:"shared_dir"`
	SeedFiles []SeedFile      `yaml:"seed_files"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Timing    TimingConfig    `yaml:"timing"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// Default returns a configuration with every tunable set; Name and Port
// still have to be provided.
func Default() Config {
	return Config{
		Host: "127.0.0.1",
		Discovery: DiscoveryConfig{
			Host:         "127.0.0.1",
			PortStart:    8000,
			PortEnd:      8100,
			Timeout:      10 * time.Second,
			ProbeTimeout: 2 * time.Second,
		},
		Timing: TimingConfig{
			SyncInterval:    10 * time.Second,
			CleanupInterval: 15 * time.Second,
			RefreshInterval: 10 * time.Second,
			PeerTimeout:     30 * time.Second,
			DialTimeout:     2 * time.Second,
			IOTimeout:       5 * time.Second,
			TransferTimeout: 30 * time.Second,
			SyncTimeout:     15 * time.Second,
			RefreshTimeout:  20 * time.Second,
			ShutdownGrace:   5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConnections: 64,
			MaxParallel:    16,
			MaxUploadSize:  1 << 30,
		},
	}
}

// New is the single constructor input for a named peer.
func New(name string, port int, sharedDir string, seeds ...SeedFile) Config {
	cfg := Default()
	cfg.Name = name
	cfg.Port = port
	cfg.SharedDir = sharedDir
	cfg.SeedFiles = seeds
	return cfg
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills the derived fields left empty.
func (c *Config) applyDefaults() {
	if c.SharedDir == "" && c.Name != "" {
		c.SharedDir = filepath.Join("shared", c.Name)
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Discovery.Host == "" {
		c.Discovery.Host = c.Host
	}
}

// Validate rejects configurations a node cannot run with.
func (c *Config) Validate() error {
	c.applyDefaults()

	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range [1,65535]", c.Port))
	}
	if c.SharedDir == "" {
		problems = append(problems, "shared_dir must not be empty")
	}
	for _, s := range c.SeedFiles {
		if s.Name == "" || strings.ContainsAny(s.Name, `/\`) {
			problems = append(problems, fmt.Sprintf("seed file name %q is not a plain file name", s.Name))
		}
	}
	if d := c.Discovery; d.PortStart != 0 {
		if d.PortStart < 1 || d.PortEnd > 65535 || d.PortEnd < d.PortStart {
			problems = append(problems, fmt.Sprintf("discovery range %d..%d is invalid", d.PortStart, d.PortEnd))
		}
	}
	for _, d := range c.durations() {
		if d.value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", d.name))
		}
	}
	if c.Limits.MaxConnections <= 0 || c.Limits.MaxParallel <= 0 {
		problems = append(problems, "connection and parallelism limits must be positive")
	}
	if c.Limits.MaxUploadSize < 0 {
		problems = append(problems, "max_upload_size must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

type namedDuration struct {
	name  string
	value time.Duration
}

// durations lists every tunable duration in a fixed order.
func (c *Config) durations() []namedDuration {
	return []namedDuration{
		{"sync_interval", c.Timing.SyncInterval},
		{"cleanup_interval", c.Timing.CleanupInterval},
		{"refresh_interval", c.Timing.RefreshInterval},
		{"peer_timeout", c.Timing.PeerTimeout},
		{"dial_timeout", c.Timing.DialTimeout},
		{"io_timeout", c.Timing.IOTimeout},
		{"transfer_timeout", c.Timing.TransferTimeout},
		{"sync_timeout", c.Timing.SyncTimeout},
		{"refresh_timeout", c.Timing.RefreshTimeout},
		{"shutdown_grace", c.Timing.ShutdownGrace},
		{"discovery.timeout", c.Discovery.Timeout},
		{"discovery.probe_timeout", c.Discovery.ProbeTimeout},
	}
}

// Addr is the listen address of the node.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
