package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all httpproxy configuration.
type Config struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	MaxConn         int      `json:"max_conn"`
	BufferSize      int      `json:"buffer_size"`
	SocketTimeout   int      `json:"socket_timeout_seconds"`
	ConnectTimeout  int      `json:"connect_timeout_seconds"`
	CacheEnabled    bool     `json:"cache_enabled"`
	MaxCacheEntries int      `json:"max_cache_entries"`
	Blacklist       []string `json:"blacklist"`
	RateLimitCount  int      `json:"rate_limit_count"`
	RateLimitPeriod int      `json:"rate_limit_period_seconds"`
	LogFile         string   `json:"log_file"`

	Admin AdminConfig `json:"admin"`
}

// AdminConfig holds the observability server configuration.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DefaultConfig returns a configuration with sensible defaults, matching
// original_source/config.py's defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            8080,
		MaxConn:         100,
		BufferSize:      8192,
		SocketTimeout:   15,
		ConnectTimeout:  10,
		CacheEnabled:    true,
		MaxCacheEntries: 100,
		Blacklist:       []string{"blocked.com", "bad-site.org", "ads.example.com"},
		RateLimitCount:  50,
		RateLimitPeriod: 60,
		LogFile:         "proxy_log.txt",
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
		},
	}
}

// LoadConfig loads configuration from file with environment variable overrides.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies PROXY_* environment variable overrides.
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("PROXY_HOST"); val != "" {
		c.Host = val
	}
	if val := os.Getenv("PROXY_PORT"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.Port = v
		}
	}
	if val := os.Getenv("PROXY_MAX_CONN"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.MaxConn = v
		}
	}
	if val := os.Getenv("PROXY_BUFFER_SIZE"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.BufferSize = v
		}
	}
	if val := os.Getenv("PROXY_SOCKET_TIMEOUT"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.SocketTimeout = v
		}
	}
	if val := os.Getenv("PROXY_CONNECT_TIMEOUT"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.ConnectTimeout = v
		}
	}
	if val := os.Getenv("PROXY_CACHE_ENABLED"); val != "" {
		c.CacheEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROXY_MAX_CACHE_ENTRIES"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.MaxCacheEntries = v
		}
	}
	if val := os.Getenv("PROXY_BLACKLIST"); val != "" {
		parts := strings.Split(val, ",")
		list := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				list = append(list, p)
			}
		}
		c.Blacklist = list
	}
	if val := os.Getenv("PROXY_RATE_LIMIT_COUNT"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.RateLimitCount = v
		}
	}
	if val := os.Getenv("PROXY_RATE_LIMIT_PERIOD"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.RateLimitPeriod = v
		}
	}
	if val := os.Getenv("PROXY_LOG_FILE"); val != "" {
		c.LogFile = val
	}
	if val := os.Getenv("PROXY_ADMIN_ENABLED"); val != "" {
		c.Admin.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROXY_ADMIN_HOST"); val != "" {
		c.Admin.Host = val
	}
	if val := os.Getenv("PROXY_ADMIN_PORT"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.Admin.Port = v
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.MaxConn <= 0 {
		return fmt.Errorf("max_conn must be positive")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.SocketTimeout <= 0 {
		return fmt.Errorf("socket_timeout_seconds must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout_seconds must be positive")
	}
	if c.MaxCacheEntries <= 0 {
		return fmt.Errorf("max_cache_entries must be positive")
	}
	if c.RateLimitCount <= 0 {
		return fmt.Errorf("rate_limit_count must be positive")
	}
	if c.RateLimitPeriod <= 0 {
		return fmt.Errorf("rate_limit_period_seconds must be positive")
	}
	if c.LogFile == "" {
		return fmt.Errorf("log_file cannot be empty")
	}
	if c.Admin.Enabled {
		if c.Admin.Host == "" {
			return fmt.Errorf("admin host cannot be empty")
		}
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("admin port must be between 1 and 65535")
		}
	}
	return nil
}

// SaveToFile saves the configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
