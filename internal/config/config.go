// Package config loads daemon and client configuration from an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoShares is returned when no share root is configured.
var ErrNoShares = errors.New("at least one share root is required")

// Config holds all lanshare configuration.
type Config struct {
	// Shares
	Shares  []string `yaml:"shares"`
	Ignore  []string `yaml:"ignore"`
	DataDir string   `yaml:"data_dir"`

	// Discovery
	Network       string        `yaml:"network"`
	UDPPort       int           `yaml:"udp_port"`
	MulticastAddr string        `yaml:"multicast_addr"`
	BroadcastIP   string        `yaml:"broadcast_ip"`
	Interface     string        `yaml:"interface"`
	MaxResults    int           `yaml:"max_results"`
	SelfRespond   bool          `yaml:"self_respond"`
	SearchTimeout time.Duration `yaml:"search_timeout"`

	// Content server
	HTTPPort    int    `yaml:"http_port"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Client
	DownloadDir string `yaml:"download_dir"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir:       defaultDataDir(),
		Network:       "lanshare",
		UDPPort:       8816,
		MulticastAddr: "239.255.88.16",
		BroadcastIP:   "255.255.255.255",
		MaxResults:    20,
		SearchTimeout: 2 * time.Second,
		HTTPPort:      8817,
		MetricsAddr:   ":9817",
		DownloadDir:   ".",
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "lanshare", "db")
	}
	return filepath.Join(os.TempDir(), "lanshare-db")
}

// Load builds a config from defaults, the YAML file at path (skipped when
// path is empty) and LANSHARE_* environment variables, in that order. It
// does not validate; daemons call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Shares = envList("LANSHARE_SHARES", filepath.SplitList, cfg.Shares)
	cfg.Ignore = envList("LANSHARE_IGNORE", splitComma, cfg.Ignore)
	cfg.DataDir = envOr("LANSHARE_DATA_DIR", cfg.DataDir)
	cfg.Network = envOr("LANSHARE_NETWORK", cfg.Network)
	cfg.UDPPort = envInt("LANSHARE_UDP_PORT", cfg.UDPPort)
	cfg.MulticastAddr = envOr("LANSHARE_MULTICAST_ADDR", cfg.MulticastAddr)
	cfg.BroadcastIP = envOr("LANSHARE_BROADCAST_IP", cfg.BroadcastIP)
	cfg.Interface = envOr("LANSHARE_INTERFACE", cfg.Interface)
	cfg.MaxResults = envInt("LANSHARE_MAX_RESULTS", cfg.MaxResults)
	cfg.SelfRespond = envBool("LANSHARE_SELF_RESPOND", cfg.SelfRespond)
	cfg.SearchTimeout = envDuration("LANSHARE_SEARCH_TIMEOUT", cfg.SearchTimeout)
	cfg.HTTPPort = envInt("LANSHARE_HTTP_PORT", cfg.HTTPPort)
	cfg.MetricsAddr = envOr("LANSHARE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.DownloadDir = envOr("LANSHARE_DOWNLOAD_DIR", cfg.DownloadDir)
	cfg.LogLevel = envOr("LANSHARE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LANSHARE_LOG_FORMAT", cfg.LogFormat)

	return cfg, nil
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if len(c.Shares) == 0 {
		return ErrNoShares
	}
	for _, p := range c.Ignore {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("ignore pattern %q: %w", p, err)
		}
	}
	if err := checkPort("udp_port", c.UDPPort); err != nil {
		return err
	}
	if err := checkPort("http_port", c.HTTPPort); err != nil {
		return err
	}
	if c.Network == "" {
		return errors.New("network name is required")
	}
	if c.MulticastAddr != "" {
		if ip := net.ParseIP(c.MulticastAddr); ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("multicast_addr %q is not a multicast address", c.MulticastAddr)
		}
	}
	if c.Interface != "" && net.ParseIP(c.Interface) == nil {
		return fmt.Errorf("interface %q is not an IP address", c.Interface)
	}
	return nil
}

func checkPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, split func(string) []string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range split(v) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func splitComma(s string) []string {
	return strings.Split(s, ",")
}
