package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server      ServerSection      `toml:"server"`
	Limits      LimitsSection      `toml:"limits"`
	Persistence PersistenceSection `toml:"persistence"`
}

type ServerSection struct {
	HTTPPort        int      `toml:"http_port"`
	MetricsPort     int      `toml:"metrics_port"`
	DatabasePath    string   `toml:"database_path"`
	AvatarPath      string   `toml:"avatar_path"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	EnableDevRoutes bool     `toml:"enable_dev_routes"`
}

type LimitsSection struct {
	MaxMessageLength  int `toml:"max_message_length"`
	TagLengthMin      int `toml:"tag_length_min"`
	TagLengthMax      int `toml:"tag_length_max"`
	NameLengthMin     int `toml:"name_length_min"`
	NameLengthMax     int `toml:"name_length_max"`
	OutboundQueueSize int `toml:"outbound_queue_size"`
}

type PersistenceSection struct {
	SnapshotIntervalSeconds int `toml:"snapshot_interval_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     6969,
			MetricsPort:  9090,
			DatabasePath: "~/.pigeonhole/pigeonhole.db",
			AvatarPath:   "square.png",
		},
		Limits: LimitsSection{
			MaxMessageLength:  2500,
			TagLengthMin:      3,
			TagLengthMax:      16,
			NameLengthMin:     3,
			NameLengthMax:     24,
			OutboundQueueSize: 64,
		},
		Persistence: PersistenceSection{
			SnapshotIntervalSeconds: 30,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	// Load from file
	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PIGEONHOLE_SECTION_KEY
// Example: PIGEONHOLE_SERVER_HTTP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("PIGEONHOLE_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("PIGEONHOLE_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("PIGEONHOLE_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("PIGEONHOLE_SERVER_AVATAR_PATH"); val != "" {
		config.Server.AvatarPath = val
	}
	if val := os.Getenv("PIGEONHOLE_SERVER_ALLOWED_ORIGINS"); val != "" {
		// Parse comma-separated list of origins
		origins := strings.Split(val, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		config.Server.AllowedOrigins = origins
	}
	if val := os.Getenv("PIGEONHOLE_SERVER_ENABLE_DEV_ROUTES"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Server.EnableDevRoutes = enabled
		}
	}

	// Limits section
	if val := os.Getenv("PIGEONHOLE_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("PIGEONHOLE_LIMITS_TAG_LENGTH_MIN"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.TagLengthMin = limit
		}
	}
	if val := os.Getenv("PIGEONHOLE_LIMITS_TAG_LENGTH_MAX"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.TagLengthMax = limit
		}
	}
	if val := os.Getenv("PIGEONHOLE_LIMITS_NAME_LENGTH_MIN"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.NameLengthMin = limit
		}
	}
	if val := os.Getenv("PIGEONHOLE_LIMITS_NAME_LENGTH_MAX"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.NameLengthMax = limit
		}
	}
	if val := os.Getenv("PIGEONHOLE_LIMITS_OUTBOUND_QUEUE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Limits.OutboundQueueSize = size
		}
	}

	// Persistence section
	if val := os.Getenv("PIGEONHOLE_PERSISTENCE_SNAPSHOT_INTERVAL_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			config.Persistence.SnapshotIntervalSeconds = seconds
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Pigeonhole Server Configuration
# This file was auto-generated with default values
# Settings below are active - modify them to change server behavior
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PIGEONHOLE_SECTION_KEY (e.g., PIGEONHOLE_SERVER_HTTP_PORT=8080)

[server]
# Port for the public HTTP server (/register, /avatar, websocket endpoint)
http_port = 6969

# Port for the internal metrics server (/metrics, /health)
# Never expose this port publicly
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.pigeonhole/pigeonhole.db"

# Image served for every account at /avatar/{tag}
avatar_path = "square.png"

# Origins allowed to open websocket/CORS requests
# Uncomment to restrict (default allows everything):
# allowed_origins = ["https://chat.example.com"]

# Enable /clear_users and /clear_conversations (integration testing only)
enable_dev_routes = false

[limits]
# Maximum message length in characters
max_message_length = 2500

# Account tag length bounds
tag_length_min = 3
tag_length_max = 16

# Display name length bounds
name_length_min = 3
name_length_max = 24

# Outbound frame queue depth per session
# A session that falls this far behind is disconnected
# Uncomment to change from default (64):
# outbound_queue_size = 64

[persistence]
# How often the in-memory store is flushed to SQLite
snapshot_interval_seconds = 30
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}

	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}

	if strings.TrimSpace(c.Server.AvatarPath) != "" {
		cfg.AvatarPath = c.Server.AvatarPath
	}

	if len(c.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.Server.AllowedOrigins
	}

	cfg.EnableDevRoutes = c.Server.EnableDevRoutes

	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}

	if c.Limits.TagLengthMin != 0 {
		cfg.TagLengthMin = c.Limits.TagLengthMin
	}

	if c.Limits.TagLengthMax != 0 {
		cfg.TagLengthMax = c.Limits.TagLengthMax
	}

	if c.Limits.NameLengthMin != 0 {
		cfg.NameLengthMin = c.Limits.NameLengthMin
	}

	if c.Limits.NameLengthMax != 0 {
		cfg.NameLengthMax = c.Limits.NameLengthMax
	}

	if c.Limits.OutboundQueueSize != 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}

	if c.Persistence.SnapshotIntervalSeconds != 0 {
		cfg.SnapshotIntervalSeconds = c.Persistence.SnapshotIntervalSeconds
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if path == "" {
		path = "~/.pigeonhole/pigeonhole.db"
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
