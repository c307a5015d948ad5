// Package config handles configuration loading and validation for the
// basketmesh gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/basketmesh/basketmesh/pkg/basket"
	"github.com/basketmesh/basketmesh/pkg/bytesize"
)

// Index backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Duration is a time.Duration that unmarshals from "15s" or a bare number of
// seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// CacheConfig holds the location cache settings.
type CacheConfig struct {
	Size             bytesize.Size `yaml:"size"`
	WatchdogLimit    Duration      `yaml:"watchdog_limit"`     // Health report TTL
	ReturnPeerNumber int           `yaml:"return_peer_number"` // Max peers per placement answer
	BasketBaseDir    string        `yaml:"basket_basedir"`     // Base used when an INSERT path cannot be decoded
	PeerRetention    Duration      `yaml:"peer_retention"`     // Forget silent peers after this long (0 = never)
	SweepInterval    Duration      `yaml:"sweep_interval"`
}

// IndexConfig selects the location index backend.
type IndexConfig struct {
	Backend     string `yaml:"backend"`       // "memory" or "badger"
	DataDir     string `yaml:"data_dir"`      // Required for badger
	KeepOnStart bool   `yaml:"keep_on_start"` // Keep a badger index across restarts
}

// PlacementConfig controls write placement.
type PlacementConfig struct {
	DefaultClass   string              `yaml:"default_class"`
	Classes        map[string][]string `yaml:"classes"` // class -> allowed peers
	PreferCapacity bool                `yaml:"prefer_capacity"`
}

// GatewayConfig holds the wire-facing sockets.
type GatewayConfig struct {
	Listen        string `yaml:"listen"`
	Workers       int    `yaml:"workers"`
	ConsolePort   int    `yaml:"console_port"`   // TCP
	UDPPort       int    `yaml:"udp_port"`       // Unicast requests
	LearningPort  int    `yaml:"learning_port"`  // Multicast INSERT/DROP
	WatchdogPort  int    `yaml:"watchdog_port"`  // Multicast ALIVE
	PeerPort      int    `yaml:"peer_port"`      // Where GET misses are forwarded
	MulticastAddr string `yaml:"multicast_addr"` // Class D group
	MulticastIF   string `yaml:"multicast_if"`   // Interface name, empty for default
}

// AdminConfig holds configuration for the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"` // Bearer token for admin access (optional)
	Trace   bool   `yaml:"trace"` // Keep a runtime flight recorder and serve it on /debug/trace
}

// LogConfig holds logging output settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // Rotated log file, in addition to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	LokiURL    string `yaml:"loki_url"` // Also push logs to Grafana Loki
}

// Config is the complete gateway configuration.
type Config struct {
	Name       string            `yaml:"name"`
	Cache      CacheConfig       `yaml:"cache"`
	Index      IndexConfig       `yaml:"index"`
	Converters map[string]string `yaml:"converters"` // encoder name -> type ranges
	Placement  PlacementConfig   `yaml:"placement"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Admin      AdminConfig       `yaml:"admin"`
	Log        LogConfig         `yaml:"log"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Cache: CacheConfig{
			Size:             500000,
			WatchdogLimit:    Duration(15 * time.Second),
			ReturnPeerNumber: 5,
			BasketBaseDir:    "/expdsk",
			SweepInterval:    Duration(time.Minute),
		},
		Index: IndexConfig{
			Backend: BackendMemory,
		},
		Gateway: GatewayConfig{
			Listen:        "0.0.0.0",
			Workers:       5,
			ConsolePort:   30110,
			UDPPort:       30111,
			LearningPort:  30109,
			WatchdogPort:  30113,
			PeerPort:      30112,
			MulticastAddr: "239.192.1.1",
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:30180",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
	cfg.applyMapDefaults()
	return cfg
}

// Maps are filled after unmarshalling; yaml.v3 merges into existing maps,
// which would mix user ranges with the default ones.
func (c *Config) applyMapDefaults() {
	if c.Converters == nil {
		c.Converters = map[string]string{
			"Dec40Seq": "0-65535",
			"Hex64Seq": "",
		}
	}
}

// Load loads gateway configuration from a YAML file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Converters = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyMapDefaults()

	cfg.Index.DataDir = expandHome(cfg.Index.DataDir)
	cfg.Log.File = expandHome(cfg.Log.File)
	if cfg.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Name = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Cache.WatchdogLimit <= 0 {
		return fmt.Errorf("cache.watchdog_limit must be positive")
	}
	if c.Cache.ReturnPeerNumber < 1 {
		return fmt.Errorf("cache.return_peer_number must be at least 1")
	}
	if c.Cache.PeerRetention < 0 {
		return fmt.Errorf("cache.peer_retention cannot be negative")
	}
	if c.Cache.PeerRetention > 0 && c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive when peer_retention is set")
	}

	switch c.Index.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Index.DataDir == "" {
			return fmt.Errorf("index.data_dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("unknown index.backend %q", c.Index.Backend)
	}

	if _, err := c.ConverterTable(); err != nil {
		return err
	}

	if len(c.Placement.Classes) > 0 {
		if _, ok := c.Placement.Classes[c.Placement.DefaultClass]; !ok {
			return fmt.Errorf("placement.default_class %q is not listed in placement.classes", c.Placement.DefaultClass)
		}
	}

	if c.Gateway.Workers < 1 {
		return fmt.Errorf("gateway.workers must be at least 1")
	}
	ports := []struct {
		name string
		port int
	}{
		{"console_port", c.Gateway.ConsolePort},
		{"udp_port", c.Gateway.UDPPort},
		{"learning_port", c.Gateway.LearningPort},
		{"watchdog_port", c.Gateway.WatchdogPort},
		{"peer_port", c.Gateway.PeerPort},
	}
	seen := make(map[int]string, len(ports))
	for _, p := range ports {
		if p.port <= 0 || p.port > 65535 {
			return fmt.Errorf("gateway.%s must be between 1 and 65535", p.name)
		}
		if other, dup := seen[p.port]; dup {
			return fmt.Errorf("gateway.%s duplicates gateway.%s (%d)", p.name, other, p.port)
		}
		seen[p.port] = p.name
	}
	ip := net.ParseIP(c.Gateway.MulticastAddr)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("gateway.multicast_addr %q is not an IPv4 multicast address", c.Gateway.MulticastAddr)
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when admin is enabled")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Log.LokiURL != "" {
		u, err := url.Parse(c.Log.LokiURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("log.loki_url %q must be an http(s) URL", c.Log.LokiURL)
		}
	}
	return nil
}

// ConverterTable builds the basket path converter table.
func (c *Config) ConverterTable() (*basket.ConverterTable, error) {
	return basket.NewConverterTable(c.Converters)
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
