// Package config loads relay configuration from a YAML base file,
// overridden by environment variables, following the env-override
// convention the rest of the corpus uses for operational settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/groups-relay/relay/internal/kinds"
)

func defaultNonGroupAllowedKinds() []int {
	out := make([]int, len(kinds.DefaultNonGroupAllowed))
	copy(out, kinds.DefaultNonGroupAllowed)
	return out
}

// Features toggles protocol behaviors that the upstream spec left as
// open questions.
type Features struct {
	// EnableSetRoles gates acceptance of kind 9006 (set-roles).
	EnableSetRoles bool `yaml:"enable_set_roles"`
}

// WebSocket holds connection-session tunables.
type WebSocket struct {
	ChannelSize       int           `yaml:"channel_size"`
	MaxConnectionTime time.Duration `yaml:"max_connection_time"`
	MaxConnections    int           `yaml:"max_connections"`
}

// Redis holds the optional distributed cache/challenge-store backing.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the relay's full runtime configuration.
type Config struct {
	RelaySecretKey        string        `yaml:"relay_secret_key"`
	AdminPubkey           string        `yaml:"admin_pubkey"`
	RelayURL              string        `yaml:"relay_url"`
	AuthURL               string        `yaml:"auth_url"`
	LocalAddr             string        `yaml:"local_addr"`
	DBPath                string        `yaml:"db_path"`
	BaseDomainParts       int           `yaml:"base_domain_parts"`
	QueryLimit            int           `yaml:"query_limit"`
	NonGroupAllowedKinds  []int         `yaml:"non_group_allowed_kinds"`
	ReplaceableBufferWindow time.Duration `yaml:"replaceable_buffer_window"`
	WebSocket             WebSocket     `yaml:"websocket"`
	Features              Features      `yaml:"features"`
	Redis                 Redis         `yaml:"redis"`
	LogLevel              string        `yaml:"log_level"`
	LogPretty             bool          `yaml:"log_pretty"`
}

// Default returns a Config populated with the relay's documented
// defaults, before any file or environment overrides are applied.
func Default() *Config {
	return &Config{
		RelayURL:        "ws://localhost:3334",
		AuthURL:         "ws://localhost:3334",
		LocalAddr:       "0.0.0.0:3334",
		DBPath:          "./data/relay.db",
		BaseDomainParts: 2,
		QueryLimit:      500,
		NonGroupAllowedKinds:    defaultNonGroupAllowedKinds(),
		ReplaceableBufferWindow: time.Second,
		WebSocket: WebSocket{
			ChannelSize:       256,
			MaxConnectionTime: 0,
			MaxConnections:    10000,
		},
		Features: Features{EnableSetRoles: true},
		Redis:    Redis{Enabled: false, Host: "localhost", Port: "6379"},
		LogLevel: "info",
	}
}

// Load builds a Config starting from Default, layering a YAML file (if
// path is non-empty and exists) and then environment variables on top,
// in that order, with environment variables always winning.
func Load(path string) (*Config, error) {
	cfg := Default()
	if len(cfg.NonGroupAllowedKinds) == 0 {
		cfg.NonGroupAllowedKinds = defaultNonGroupAllowedKinds()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.RelaySecretKey = getEnv("RELAY_SECRET_KEY", cfg.RelaySecretKey)
	cfg.AdminPubkey = getEnv("RELAY_ADMIN_PUBKEY", cfg.AdminPubkey)
	cfg.RelayURL = getEnv("RELAY_URL", cfg.RelayURL)
	cfg.AuthURL = getEnv("RELAY_AUTH_URL", cfg.AuthURL)
	cfg.LocalAddr = getEnv("RELAY_LOCAL_ADDR", cfg.LocalAddr)
	cfg.DBPath = getEnv("RELAY_DB_PATH", cfg.DBPath)
	cfg.BaseDomainParts = getEnvInt("RELAY_BASE_DOMAIN_PARTS", cfg.BaseDomainParts)
	cfg.QueryLimit = getEnvInt("RELAY_QUERY_LIMIT", cfg.QueryLimit)
	cfg.WebSocket.ChannelSize = getEnvInt("RELAY_WS_CHANNEL_SIZE", cfg.WebSocket.ChannelSize)
	cfg.WebSocket.MaxConnections = getEnvInt("RELAY_WS_MAX_CONNECTIONS", cfg.WebSocket.MaxConnections)
	cfg.WebSocket.MaxConnectionTime = getEnvDuration("RELAY_WS_MAX_CONNECTION_TIME", cfg.WebSocket.MaxConnectionTime)
	cfg.Features.EnableSetRoles = getEnvBool("RELAY_FEATURE_SET_ROLES", cfg.Features.EnableSetRoles)
	cfg.Redis.Enabled = getEnvBool("RELAY_REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Host = getEnv("RELAY_REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("RELAY_REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("RELAY_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.LogLevel = getEnv("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvBool("RELAY_LOG_PRETTY", cfg.LogPretty)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
