package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "uwb-gateway"
	// DefaultListenAddress is the HTTP listen address when no override exists.
	DefaultListenAddress = ":8000"
	// DefaultGatewayName is used when the hostname cannot be read.
	DefaultGatewayName = "UWB Gateway"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"

	envDataDir  = "UWB_GATEWAY_DATA_DIR"
	envListen   = "UWB_GATEWAY_LISTEN"
	envLogLevel = "UWB_GATEWAY_LOG_LEVEL"
)

// Config contains persistent gateway settings.
type Config struct {
	GatewayID     string `yaml:"gateway_id"`
	GatewayName   string `yaml:"gateway_name"`
	ListenAddress string `yaml:"listen_address"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Probe     ProbeConfig     `yaml:"probe"`
	Staleness StalenessConfig `yaml:"staleness"`
	History   HistoryConfig   `yaml:"history"`
	Scan      ScanConfig      `yaml:"scan"`
}

// DiscoveryConfig controls mDNS browsing and the gateway advertisement.
type DiscoveryConfig struct {
	Service         string        `yaml:"service"`
	Domain          string        `yaml:"domain"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	RemoveAfter     int           `yaml:"remove_after"`
	Advertise       bool          `yaml:"advertise"`
}

// ProbeConfig controls how peers are probed.
type ProbeConfig struct {
	Scheme        string        `yaml:"scheme"`
	Timeout       time.Duration `yaml:"timeout"`
	Interval      time.Duration `yaml:"interval"`
	FallbackPorts []int         `yaml:"fallback_ports"`
	QueueSize     int           `yaml:"queue_size"`
}

// StalenessConfig controls the staleness sweeper.
type StalenessConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	TTL           time.Duration `yaml:"ttl"`
}

// HistoryConfig controls the diagnostic journal.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// ScanConfig controls periodic subnet sweeps for peers discovery misses.
type ScanConfig struct {
	Interval    time.Duration  `yaml:"interval"`
	Timeout     time.Duration  `yaml:"timeout"`
	Concurrency int            `yaml:"concurrency"`
	Subnets     []SubnetConfig `yaml:"subnets"`
}

// SubnetConfig is one host range to sweep.
type SubnetConfig struct {
	Prefix string `yaml:"prefix"`
	Start  int    `yaml:"start"`
	End    int    `yaml:"end"`
	Port   int    `yaml:"port"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If UWB_GATEWAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and loads its config.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures dataDir and its config exist, fills missing
// defaults, applies environment overrides and validates the result. The
// overrides are not written back.
func LoadOrCreateIn(dataDir string) (*Config, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		if normalizeDefaults(cfg) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv(envListen); val != "" {
		c.ListenAddress = val
	}
	if val := os.Getenv(envLogLevel); val != "" {
		c.LogLevel = val
	}
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"discovery.refresh_interval", c.Discovery.RefreshInterval},
		{"discovery.scan_timeout", c.Discovery.ScanTimeout},
		{"probe.timeout", c.Probe.Timeout},
		{"probe.interval", c.Probe.Interval},
		{"staleness.sweep_interval", c.Staleness.SweepInterval},
		{"staleness.ttl", c.Staleness.TTL},
		{"history.retention", c.History.Retention},
		{"scan.interval", c.Scan.Interval},
		{"scan.timeout", c.Scan.Timeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}

	if c.Discovery.RemoveAfter < 1 {
		return fmt.Errorf("discovery.remove_after must be >= 1, got %d", c.Discovery.RemoveAfter)
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen_address is required")
	}
	switch c.Probe.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("probe.scheme must be http or https, got %q", c.Probe.Scheme)
	}
	for _, port := range c.Probe.FallbackPorts {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("probe.fallback_ports contains invalid port %d", port)
		}
	}
	for i, subnet := range c.Scan.Subnets {
		if strings.TrimSpace(subnet.Prefix) == "" {
			return fmt.Errorf("scan.subnets[%d].prefix is required", i)
		}
	}
	return nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Discovery: DiscoveryConfig{Advertise: true},
		History:   HistoryConfig{Enabled: true},
	}
	normalizeDefaults(cfg)
	return cfg
}

func defaultGatewayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return DefaultGatewayName
}

func normalizeDefaults(cfg *Config) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *time.Duration, value time.Duration) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}

	if cfg.GatewayID == "" {
		cfg.GatewayID = uuid.NewString()
		updated = true
	}
	setString(&cfg.GatewayName, defaultGatewayName())
	setString(&cfg.ListenAddress, DefaultListenAddress)
	setString(&cfg.LogLevel, "info")
	setString(&cfg.LogFormat, "text")

	setString(&cfg.Discovery.Service, "_uwbnav-http._tcp")
	setString(&cfg.Discovery.Domain, "local.")
	setDuration(&cfg.Discovery.RefreshInterval, 10*time.Second)
	setDuration(&cfg.Discovery.ScanTimeout, 3*time.Second)
	setInt(&cfg.Discovery.RemoveAfter, 2)

	setString(&cfg.Probe.Scheme, "http")
	setDuration(&cfg.Probe.Timeout, 5*time.Second)
	setDuration(&cfg.Probe.Interval, 2*time.Second)
	if cfg.Probe.FallbackPorts == nil {
		cfg.Probe.FallbackPorts = []int{8080, 8081, 8082, 8083}
		updated = true
	}
	setInt(&cfg.Probe.QueueSize, 64)

	setDuration(&cfg.Staleness.SweepInterval, 30*time.Second)
	setDuration(&cfg.Staleness.TTL, 2*time.Minute)

	setDuration(&cfg.History.Retention, 7*24*time.Hour)

	setDuration(&cfg.Scan.Interval, 30*time.Second)
	setDuration(&cfg.Scan.Timeout, time.Second)
	setInt(&cfg.Scan.Concurrency, 32)
	for i := range cfg.Scan.Subnets {
		setInt(&cfg.Scan.Subnets[i].Port, 8080)
	}

	return updated
}
