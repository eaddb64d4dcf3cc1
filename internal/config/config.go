// Package config holds process-level configuration for the relay daemon:
// listen address, vendor endpoints, cache backend, storage paths, and
// authentication tokens. Router policy (thresholds, allow-lists) lives in
// the rules file owned by internal/policy, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/relay/internal/auth"
)

// Config is the full daemon configuration. It is loaded from
// ~/.relay/config.yaml and can be overridden by RELAY_* environment
// variables (RELAY_SERVER_PORT, RELAY_VENDORS_PRIMARY_API_KEY, ...).
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Vendors VendorsConfig `mapstructure:"vendors" yaml:"vendors"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Data    DataConfig    `mapstructure:"data" yaml:"data"`
	Rules   RulesConfig   `mapstructure:"rules" yaml:"rules"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// VendorsConfig configures the two backend adapters.
type VendorsConfig struct {
	Primary   PrimaryConfig   `mapstructure:"primary" yaml:"primary"`
	Secondary SecondaryConfig `mapstructure:"secondary" yaml:"secondary"`
}

// PrimaryConfig is the hosted-API adapter.
type PrimaryConfig struct {
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey        string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	MaxConcurrent int    `mapstructure:"max_concurrent" yaml:"max_concurrent,omitempty"`
}

// SecondaryConfig is the local model server adapter. The three-phase
// timeouts exist because a local server may need to load the model from
// disk before the first token (cold start).
type SecondaryConfig struct {
	Endpoint             string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	MaxConcurrent        int    `mapstructure:"max_concurrent" yaml:"max_concurrent,omitempty"`
	ConnectionTimeoutSec int    `mapstructure:"connection_timeout_sec" yaml:"connection_timeout_sec,omitempty"`
	FirstTokenTimeoutSec int    `mapstructure:"first_token_timeout_sec" yaml:"first_token_timeout_sec,omitempty"`
	StreamIdleTimeoutSec int    `mapstructure:"stream_idle_timeout_sec" yaml:"stream_idle_timeout_sec,omitempty"`
}

// CacheConfig selects the semantic cache backend.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend    string `mapstructure:"backend" yaml:"backend"`
	MaxEntries int    `mapstructure:"max_entries" yaml:"max_entries,omitempty"`
	RedisAddr  string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisDB    int    `mapstructure:"redis_db" yaml:"redis_db,omitempty"`
	RedisPass  string `mapstructure:"redis_pass" yaml:"redis_pass,omitempty"`
}

// DataConfig locates the SQLite store.
type DataConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DBPath returns the database file path.
func (d DataConfig) DBPath() string {
	return filepath.Join(d.Dir, "relay.db")
}

// RulesConfig locates the hot-reloaded router rules file. Empty means
// defaults plus environment only.
type RulesConfig struct {
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
}

// AuthConfig carries the static bearer tokens the entrypoint accepts.
type AuthConfig struct {
	Tokens []auth.Token `mapstructure:"tokens" yaml:"tokens,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8090},
		Vendors: VendorsConfig{
			Primary: PrimaryConfig{
				Endpoint:      "https://api.openai.com/v1",
				MaxConcurrent: 16,
			},
			Secondary: SecondaryConfig{
				Endpoint:             "http://127.0.0.1:11434",
				MaxConcurrent:        4,
				ConnectionTimeoutSec: 10,
				FirstTokenTimeoutSec: 60,
				StreamIdleTimeoutSec: 20,
			},
		},
		Cache: CacheConfig{Backend: "memory", MaxEntries: 1024},
		Data:  DataConfig{Dir: "~/.relay"},
		Rules: RulesConfig{File: "~/.relay/rules.yaml"},
		Logging: LoggingConfig{
			Level: "info",
			File:  "~/.relay/relay.log",
		},
	}
}

// Load reads ~/.relay/config.yaml, creating it with defaults when absent.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(home, ".relay", "config.yaml"))
}

// LoadFromPath reads configuration from path, merged with RELAY_* environment
// variables. A missing file is created with defaults.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Data.Dir = expandPath(cfg.Data.Dir)
	cfg.Rules.File = expandPath(cfg.Rules.File)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend %q must be memory or redis", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr required for the redis backend")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	return nil
}

func writeConfigFile(path string, cfg *Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# Relay configuration. Environment variables with the RELAY_ prefix\n# override any value here (RELAY_SERVER_PORT, RELAY_CACHE_BACKEND, ...).\n")
	return os.WriteFile(path, append(header, out...), 0o644)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
