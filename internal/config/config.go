// Package config handles application configuration
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskly/internal/utils"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Defaults applied by the getters when a value is not configured.
const (
	DefaultBaseURL             = "https://taskly-back-9erv.onrender.com/api"
	DefaultAPITimeout          = "10s"
	DefaultAPIRetries          = 3
	DefaultAPIBaseDelay        = "1s"
	DefaultOrigin              = "http://localhost:3000"
	DefaultListen              = "127.0.0.1:8787"
	DefaultConnectivityTimeout = "5s"
	DefaultEnvironment         = "production"
)

// APIConfig holds the task API client settings
type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`    // per attempt, e.g. "10s"
	Retries   int    `yaml:"retries"`    // total attempts
	BaseDelay string `yaml:"base_delay"` // first backoff wait, doubles per attempt
}

// ReplicaConfig holds the local task replica settings
type ReplicaConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig holds the response cache storage settings
type CacheConfig struct {
	Backend string `yaml:"backend"` // sqlite or memory
	Path    string `yaml:"path"`
}

// WorkerConfig holds the intercepting worker settings
type WorkerConfig struct {
	Enabled        *bool    `yaml:"enabled"` // default: true
	Environment    string   `yaml:"environment"`
	Version        string   `yaml:"version"`
	Namespace      string   `yaml:"namespace"`
	Origin         string   `yaml:"origin"`
	CriticalAssets []string `yaml:"critical_assets"`
	APIPattern     string   `yaml:"api_pattern"`    // default: everything under api.base_url
	StaticPattern  string   `yaml:"static_pattern"` // default: js, css, woff2, png, svg, ico
	Icon           string   `yaml:"icon"`
	SkipWaiting    *bool    `yaml:"skip_waiting"` // default: true
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	OfflineMode         string `yaml:"offline_mode"`         // auto, online, offline
	ConnectivityTimeout string `yaml:"connectivity_timeout"` // e.g., "5s"
	AfterMutation       *bool  `yaml:"after_mutation"`       // best-effort sync after add/toggle/delete (default: true)
	FollowReplica       bool   `yaml:"follow_replica"`       // reload the TUI when another process writes the replica
}

// PushConfig holds web push settings
type PushConfig struct {
	PublicKey string `yaml:"public_key"`
}

// NotificationConfig holds notification settings
type NotificationConfig struct {
	Enabled         bool                  `yaml:"enabled"`
	OSNotification  OSNotificationConfig  `yaml:"os_notification"`
	LogNotification LogNotificationConfig `yaml:"log_notification"`
}

// OSNotificationConfig holds desktop notification settings
type OSNotificationConfig struct {
	Enabled     bool `yaml:"enabled"`
	OnPush      bool `yaml:"on_push"`
	OnUpdate    bool `yaml:"on_update"`
	OnSyncError bool `yaml:"on_sync_error"`
}

// LogNotificationConfig holds notification log settings
type LogNotificationConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// ServerConfig holds settings for taskly serve
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	BackgroundEnabled *bool `yaml:"background_enabled"` // Controls the taskly serve log file (default: true)
}

// Config represents the application configuration
type Config struct {
	API          APIConfig          `yaml:"api"`
	Replica      ReplicaConfig      `yaml:"replica"`
	Cache        CacheConfig        `yaml:"cache"`
	Worker       WorkerConfig       `yaml:"worker"`
	Sync         SyncConfig         `yaml:"sync"`
	Push         PushConfig         `yaml:"push"`
	Notification NotificationConfig `yaml:"notification"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	NoPrompt     bool               `yaml:"no_prompt"`
	OutputFormat string             `yaml:"output_format"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: DefaultBaseURL,
			Retries: DefaultAPIRetries,
		},
		Replica: ReplicaConfig{Path: filepath.Join(GetDataDir(), "tasks.db")},
		Cache: CacheConfig{
			Backend: "sqlite",
			Path:    filepath.Join(GetCacheDir(), "responses.db"),
		},
		Worker: WorkerConfig{
			Environment: DefaultEnvironment,
			Origin:      DefaultOrigin,
		},
		Notification: NotificationConfig{
			Enabled: true,
			OSNotification: OSNotificationConfig{
				Enabled:     true,
				OnPush:      true,
				OnUpdate:    true,
				OnSyncError: true,
			},
		},
		NoPrompt:     false,
		OutputFormat: "text",
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one from the sample.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and fills unset fields with defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.API.BaseURL == "" {
		c.API.BaseURL = def.API.BaseURL
	}
	if c.Replica.Path == "" {
		c.Replica.Path = def.Replica.Path
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = def.Cache.Backend
	}
	if c.Cache.Path == "" {
		c.Cache.Path = def.Cache.Path
	}
	if c.Worker.Origin == "" {
		c.Worker.Origin = def.Worker.Origin
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "text"
	}

	c.Replica.Path = ExpandPath(c.Replica.Path)
	c.Cache.Path = ExpandPath(c.Cache.Path)
	c.Notification.LogNotification.Path = ExpandPath(c.Notification.LogNotification.Path)
}

// DefaultPath returns the config file location under the XDG config dir.
func DefaultPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// save writes the configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the embedded sample config which includes all documentation and comments
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.OutputFormat)
	}

	if err := utils.ValidateBaseURL(c.API.BaseURL); err != nil {
		return fmt.Errorf("invalid api.base_url: %w", err)
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("api.retries must not be negative, got %d", c.API.Retries)
	}

	for key, value := range map[string]string{
		"api.timeout":               c.API.Timeout,
		"api.base_delay":            c.API.BaseDelay,
		"sync.connectivity_timeout": c.Sync.ConnectivityTimeout,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", key, value)
		}
	}

	switch c.Cache.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid cache.backend: %q (must be 'sqlite' or 'memory')", c.Cache.Backend)
	}

	switch c.GetOfflineMode() {
	case "auto", "online", "offline":
	default:
		return fmt.Errorf("invalid sync.offline_mode: %q (must be 'auto', 'online' or 'offline')", c.Sync.OfflineMode)
	}

	for key, pattern := range map[string]string{
		"worker.api_pattern":    c.Worker.APIPattern,
		"worker.static_pattern": c.Worker.StaticPattern,
	} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid regular expression for %s: %w", key, err)
		}
	}

	if c.Worker.Namespace != "" && strings.ContainsAny(c.Worker.Namespace, " \t/") {
		return errors.New("worker.namespace must not contain spaces or slashes")
	}

	if c.Push.PublicKey != "" && !strings.HasPrefix(c.Push.PublicKey, "B") {
		return fmt.Errorf("invalid push.public_key: must start with 'B'")
	}

	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(noPrompt bool, outputFormat string) {
	if noPrompt {
		c.NoPrompt = true
	}
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
}

// GetAPITimeout returns the per-attempt API timeout. Defaults to 10s.
func (c *Config) GetAPITimeout() time.Duration {
	return parseDurationOr(c.API.Timeout, DefaultAPITimeout)
}

// GetAPIBaseDelay returns the first retry backoff. Defaults to 1s.
func (c *Config) GetAPIBaseDelay() time.Duration {
	return parseDurationOr(c.API.BaseDelay, DefaultAPIBaseDelay)
}

// GetAPIRetries returns the total number of attempts. Defaults to 3.
func (c *Config) GetAPIRetries() int {
	if c.API.Retries <= 0 {
		return DefaultAPIRetries
	}
	return c.API.Retries
}

// GetReplicaPath returns the path to the SQLite replica
func (c *Config) GetReplicaPath() string {
	return c.Replica.Path
}

// GetOfflineMode returns the offline mode setting.
// Returns "auto" as default if not configured.
func (c *Config) GetOfflineMode() string {
	mode := c.Sync.OfflineMode
	if mode == "" {
		return "auto"
	}
	return mode
}

// GetConnectivityTimeout returns the connectivity probe timeout.
// Returns 5 seconds as default if not configured or if parsing fails.
func (c *Config) GetConnectivityTimeout() time.Duration {
	return parseDurationOr(c.Sync.ConnectivityTimeout, DefaultConnectivityTimeout)
}

// IsSyncAfterMutationEnabled returns true unless sync.after_mutation is explicitly false.
func (c *Config) IsSyncAfterMutationEnabled() bool {
	if c.Sync.AfterMutation == nil {
		return true
	}
	return *c.Sync.AfterMutation
}

// IsWorkerEnabled returns true unless worker.enabled is explicitly false.
func (c *Config) IsWorkerEnabled() bool {
	if c.Worker.Enabled == nil {
		return true
	}
	return *c.Worker.Enabled
}

// GetWorkerEnvironment returns the environment the worker registers in.
// Returns "production" as default if not configured.
func (c *Config) GetWorkerEnvironment() string {
	if c.Worker.Environment == "" {
		return DefaultEnvironment
	}
	return c.Worker.Environment
}

// IsSkipWaitingEnabled returns true unless worker.skip_waiting is explicitly false.
func (c *Config) IsSkipWaitingEnabled() bool {
	if c.Worker.SkipWaiting == nil {
		return true
	}
	return *c.Worker.SkipWaiting
}

// GetListenAddress returns the address taskly serve listens on.
func (c *Config) GetListenAddress() string {
	if c.Server.Listen == "" {
		return DefaultListen
	}
	return c.Server.Listen
}

// IsBackgroundLoggingEnabled returns true if the serve log file is enabled.
// Returns true (default) if not configured.
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true
	}
	return *c.Logging.BackgroundEnabled
}

func parseDurationOr(value, fallback string) time.Duration {
	if value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

// getXDGDir returns a directory path following the XDG base directory layout
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "taskly")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "taskly")
	}
	return filepath.Join(home, fallbackPath, "taskly")
}

// GetConfigDir returns the configuration directory following the XDG base directory layout
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following the XDG base directory layout
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetCacheDir returns the cache directory following the XDG base directory layout
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}

// Lookup returns the value at a dotted key such as "api.base_url" or "worker".
// Sections come back as maps.
func (c *Config) Lookup(key string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var node any
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return node, nil
	}
	for _, part := range strings.Split(key, ".") {
		section, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
		node, ok = section[part]
		if !ok {
			return nil, fmt.Errorf("unknown config key: %s", key)
		}
	}
	return node, nil
}
