package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	RBAC     RBACConfig     `yaml:"rbac"`
	External ExternalConfig `yaml:"external"`
	BaaS     BaaSConfig     `yaml:"baas"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
}

// RBACConfig toggles role-based permission checks.
type RBACConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ExternalConfig describes the external OIDC provider whose user-info takes
// precedence for roles when enabled.
type ExternalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Issuer      string `yaml:"issuer"`
	ClientID    string `yaml:"client_id"`
	AccessToken string `yaml:"access_token"`
	CacheTTL    string `yaml:"cache_ttl"`
}

// BaaSConfig locates the password-auth backend.
type BaaSConfig struct {
	URL             string `yaml:"url"`
	UserCollection  string `yaml:"user_collection"`
	AdminCollection string `yaml:"admin_collection"`
	Timeout         string `yaml:"timeout"`
}

// StorageConfig selects where the durable session lives.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig is used by the redis storage driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ServerConfig controls the local HTTP API.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoadConfig reads the YAML config file and merges .env and environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// DotEnvPath is the optional .env file read before environment overrides.
// Variables already set in the environment win.
var DotEnvPath = ".env"

func loadDotEnv() error {
	if DotEnvPath == "" {
		return nil
	}
	if err := godotenv.Load(DotEnvPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", DotEnvPath, err)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		RBAC: RBACConfig{Enabled: true},
		External: ExternalConfig{
			CacheTTL: "5m",
		},
		BaaS: BaaSConfig{
			URL:             "http://127.0.0.1:8090",
			UserCollection:  "users",
			AdminCollection: "_superusers",
			Timeout:         "10s",
		},
		Storage: StorageConfig{
			Driver: DriverBolt,
			Path:   ".rolesync/session.db",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "rolesync",
			},
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8787",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"ROLESYNC_RBAC_ENABLED":           func(v string) { cfg.RBAC.Enabled = parseBool(v, cfg.RBAC.Enabled) },
		"ROLESYNC_EXTERNAL_ENABLED":       func(v string) { cfg.External.Enabled = parseBool(v, cfg.External.Enabled) },
		"ROLESYNC_EXTERNAL_ISSUER":        func(v string) { cfg.External.Issuer = v },
		"ROLESYNC_EXTERNAL_CLIENT_ID":     func(v string) { cfg.External.ClientID = v },
		"ROLESYNC_EXTERNAL_ACCESS_TOKEN":  func(v string) { cfg.External.AccessToken = v },
		"ROLESYNC_EXTERNAL_CACHE_TTL":     func(v string) { cfg.External.CacheTTL = v },
		"ROLESYNC_BAAS_URL":               func(v string) { cfg.BaaS.URL = v },
		"ROLESYNC_BAAS_USER_COLLECTION":   func(v string) { cfg.BaaS.UserCollection = v },
		"ROLESYNC_BAAS_ADMIN_COLLECTION":  func(v string) { cfg.BaaS.AdminCollection = v },
		"ROLESYNC_BAAS_TIMEOUT":           func(v string) { cfg.BaaS.Timeout = v },
		"ROLESYNC_STORAGE_DRIVER":         func(v string) { cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(v)) },
		"ROLESYNC_STORAGE_PATH":           func(v string) { cfg.Storage.Path = v },
		"ROLESYNC_STORAGE_REDIS_ADDR":     func(v string) { cfg.Storage.Redis.Addr = v },
		"ROLESYNC_STORAGE_REDIS_PASSWORD": func(v string) { cfg.Storage.Redis.Password = v },
		"ROLESYNC_STORAGE_REDIS_DB":       func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"ROLESYNC_STORAGE_REDIS_PREFIX":   func(v string) { cfg.Storage.Redis.Prefix = v },
		"ROLESYNC_SERVER_LISTEN_ADDR":     func(v string) { cfg.Server.ListenAddr = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

// CacheTTLDuration returns the parsed external user-info cache lifetime.
func (c ExternalConfig) CacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

// TimeoutDuration returns the parsed BaaS request timeout.
func (c BaaSConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 10*time.Second)
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.BaaS.URL == "" {
		slog.Error("Missing required configuration", "field", "baas.url")
		return errors.New("baas.url is required")
	}
	if u, err := url.Parse(c.BaaS.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", "baas.url", "value", c.BaaS.URL, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("baas.url must start with http:// or https://, got: %s", c.BaaS.URL)
	}
	if c.BaaS.UserCollection == "" || c.BaaS.AdminCollection == "" {
		slog.Error("Missing required configuration", "field", "baas.user_collection/baas.admin_collection")
		return errors.New("baas.user_collection and baas.admin_collection are required")
	}
	if c.BaaS.Timeout != "" {
		if _, err := time.ParseDuration(c.BaaS.Timeout); err != nil {
			slog.Error("Invalid BaaS timeout", "field", "baas.timeout", "value", c.BaaS.Timeout, "error", err)
			return fmt.Errorf("baas.timeout: invalid duration '%s': %w", c.BaaS.Timeout, err)
		}
	}

	if c.External.Enabled {
		if c.External.Issuer == "" {
			slog.Error("Missing required configuration", "field", "external.issuer", "reason", "required when external.enabled is true")
			return errors.New("external.issuer is required when external.enabled is true")
		}
		if !strings.HasPrefix(c.External.Issuer, "http://") && !strings.HasPrefix(c.External.Issuer, "https://") {
			slog.Error("Invalid configuration value", "field", "external.issuer", "value", c.External.Issuer, "reason", "must start with http:// or https://")
			return fmt.Errorf("external.issuer must start with http:// or https://, got: %s", c.External.Issuer)
		}
	}
	if c.External.CacheTTL != "" {
		if _, err := time.ParseDuration(c.External.CacheTTL); err != nil {
			slog.Error("Invalid external cache TTL", "field", "external.cache_ttl", "value", c.External.CacheTTL, "error", err)
			return fmt.Errorf("external.cache_ttl: invalid duration '%s': %w", c.External.CacheTTL, err)
		}
	}

	switch c.Storage.Driver {
	case DriverBolt:
		if c.Storage.Path == "" {
			slog.Error("Missing required configuration", "field", "storage.path", "driver", c.Storage.Driver)
			return errors.New("storage.path is required for the bolt driver")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "storage.redis.addr", "driver", c.Storage.Driver)
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		slog.Error("Invalid storage driver", "field", "storage.driver", "value", c.Storage.Driver, "valid_values", []string{DriverBolt, DriverRedis, DriverMemory})
		return fmt.Errorf("storage.driver must be one of bolt, redis, memory, got: %q", c.Storage.Driver)
	}

	if c.Server.ListenAddr == "" {
		slog.Error("Missing required configuration", "field", "server.listen_addr")
		return errors.New("server.listen_addr is required")
	}

	return nil
}
