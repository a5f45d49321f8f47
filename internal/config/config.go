package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Sessions SessionsConfig `json:"sessions" yaml:"sessions"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Flows    FlowsConfig    `json:"flows" yaml:"flows"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
}

// BackendConfig points at the streaming backend's webhook base URL.
// Empty means no outbound transport is wired; user actions are then
// recorded locally only.
type BackendConfig struct {
	URL string `json:"url" yaml:"url"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

type SessionsConfig struct {
	MaxSessions        int `json:"maxSessions" yaml:"maxSessions"`
	AutosaveThrottleMs int `json:"autosaveThrottleMs" yaml:"autosaveThrottleMs"`
}

type StreamConfig struct {
	FlushIntervalMs int `json:"flushIntervalMs" yaml:"flushIntervalMs"`
	PendingCap      int `json:"pendingCap" yaml:"pendingCap"`
}

type FlowsConfig struct {
	GradingTimeoutMs        int `json:"gradingTimeoutMs" yaml:"gradingTimeoutMs"`
	CardGenerationTimeoutMs int `json:"cardGenerationTimeoutMs" yaml:"cardGenerationTimeoutMs"`
}

type StorageConfig struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: "127.0.0.1:4820"},
		Log:      LogConfig{Level: "info"},
		Sessions: SessionsConfig{MaxSessions: 10, AutosaveThrottleMs: 2000},
		Stream:   StreamConfig{FlushIntervalMs: 50, PendingCap: 100},
		Flows:    FlowsConfig{GradingTimeoutMs: 120000, CardGenerationTimeoutMs: 300000},
		Storage:  StorageConfig{DataDir: GetPaths().Data},
	}
}

// Duration accessors so callers never multiply milliseconds themselves.

func (c *Config) AutosaveThrottle() time.Duration {
	return time.Duration(c.Sessions.AutosaveThrottleMs) * time.Millisecond
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Stream.FlushIntervalMs) * time.Millisecond
}

func (c *Config) GradingTimeout() time.Duration {
	return time.Duration(c.Flows.GradingTimeoutMs) * time.Millisecond
}

func (c *Config) CardGenerationTimeout() time.Duration {
	return time.Duration(c.Flows.CardGenerationTimeoutMs) * time.Millisecond
}

// Load resolves configuration in priority order:
// 1. Built-in defaults
// 2. Global config (XDG config dir: chatcore.json/.jsonc/.yaml)
// 3. Project config (directory: chatcore.json/.jsonc/.yaml)
// 4. CHATCORE_CONFIG file override
// 5. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[absPath] = true
		}
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "chatcore.json"))
	loadOnce(filepath.Join(globalDir, "chatcore.jsonc"))
	loadOnce(filepath.Join(globalDir, "chatcore.yaml"))

	if directory != "" {
		loadOnce(filepath.Join(directory, "chatcore.json"))
		loadOnce(filepath.Join(directory, "chatcore.jsonc"))
		loadOnce(filepath.Join(directory, "chatcore.yaml"))
	}

	if path := os.Getenv("CHATCORE_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges one config file into cfg. JSON and JSONC files pass
// through comment stripping and {env:VAR} interpolation; YAML is
// decoded directly.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return yaml.Unmarshal(data, cfg)
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)
	return json.Unmarshal(data, cfg)
}

// interpolate replaces {env:VAR_NAME} placeholders with environment
// values.
func interpolate(data []byte) []byte {
	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("CHATCORE_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := os.Getenv("CHATCORE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if dir := os.Getenv("CHATCORE_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if v := os.Getenv("CHATCORE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.MaxSessions = n
		}
	}
	if url := os.Getenv("CHATCORE_BACKEND_URL"); url != "" {
		cfg.Backend.URL = url
	}
	if v := os.Getenv("CHATCORE_AUTOSAVE_THROTTLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.AutosaveThrottleMs = n
		}
	}
}

func (c *Config) validate() error {
	if c.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.maxSessions must be >= 1, got %d", c.Sessions.MaxSessions)
	}
	if c.Stream.PendingCap < 1 {
		return fmt.Errorf("stream.pendingCap must be >= 1, got %d", c.Stream.PendingCap)
	}
	if c.Sessions.AutosaveThrottleMs < 0 {
		return fmt.Errorf("sessions.autosaveThrottleMs must be >= 0, got %d", c.Sessions.AutosaveThrottleMs)
	}
	if c.Flows.GradingTimeoutMs < 1 {
		return fmt.Errorf("flows.gradingTimeoutMs must be >= 1, got %d", c.Flows.GradingTimeoutMs)
	}
	if c.Flows.CardGenerationTimeoutMs < 1 {
		return fmt.Errorf("flows.cardGenerationTimeoutMs must be >= 1, got %d", c.Flows.CardGenerationTimeoutMs)
	}
	return nil
}

// Save writes the configuration to a file as JSON.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
