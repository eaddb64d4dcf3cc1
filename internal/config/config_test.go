package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Server.Port != 8090 || cfg.Cache.Backend != "memory" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("default config file not written")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  host: 0.0.0.0
  port: 9999
cache:
  backend: redis
  redis_addr: localhost:6379
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:9999" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Cache.Backend != "redis" || cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	// untouched sections keep defaults
	if cfg.Vendors.Secondary.Endpoint != "http://127.0.0.1:11434" {
		t.Errorf("secondary endpoint = %q", cfg.Vendors.Secondary.Endpoint)
	}
}

func TestValidate(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.Server.Port = 0 },
		func(c *Config) { c.Cache.Backend = "memcached" },
		func(c *Config) { c.Cache.Backend = "redis"; c.Cache.RedisAddr = "" },
		func(c *Config) { c.Data.Dir = "" },
		func(c *Config) { c.Logging.Level = "verbose" },
	}
	for i, mutate := range bad {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}
