package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != "lanshare" || cfg.UDPPort != 8816 || cfg.HTTPPort != 8817 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxResults != 20 || cfg.SearchTimeout != 2*time.Second || cfg.SelfRespond {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrNoShares) {
		t.Errorf("expected ErrNoShares, got %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanshare.yaml")
	content := `
shares:
  - /srv/media
  - /srv/docs
ignore:
  - '\.part$'
network: home
udp_port: 9000
search_timeout: 5s
self_respond: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LANSHARE_UDP_PORT", "9100")
	t.Setenv("LANSHARE_IGNORE", `\.tmp$, ~$`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Shares) != 2 || cfg.Shares[1] != "/srv/docs" {
		t.Errorf("unexpected shares %v", cfg.Shares)
	}
	if cfg.Network != "home" || !cfg.SelfRespond || cfg.SearchTimeout != 5*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.UDPPort != 9100 {
		t.Errorf("expected env to override port, got %d", cfg.UDPPort)
	}
	if len(cfg.Ignore) != 2 || cfg.Ignore[0] != `\.tmp$` || cfg.Ignore[1] != `~$` {
		t.Errorf("unexpected ignore %v", cfg.Ignore)
	}
	if cfg.HTTPPort != 8817 {
		t.Errorf("expected default http port to survive, got %d", cfg.HTTPPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Shares = []string{"/srv"}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"bad regexp", func(c *Config) { c.Ignore = []string{"("} }, false},
		{"bad port", func(c *Config) { c.UDPPort = 70000 }, false},
		{"unicast group", func(c *Config) { c.MulticastAddr = "10.0.0.1" }, false},
		{"bad interface", func(c *Config) { c.Interface = "eth0" }, false},
		{"empty network", func(c *Config) { c.Network = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
