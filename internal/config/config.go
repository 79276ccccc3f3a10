// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/provider"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete relay configuration.
type Config struct {
	// Offline forces every request onto the local backend.
	Offline bool `toml:"offline" json:"offline" yaml:"offline"`

	Server  ServerConfig  `toml:"server" json:"server" yaml:"server"`
	Cloud   CloudConfig   `toml:"cloud" json:"cloud" yaml:"cloud"`
	Local   LocalConfig   `toml:"local" json:"local" yaml:"local"`
	Chat    ChatConfig    `toml:"chat" json:"chat" yaml:"chat"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig configures the gateway.
type ServerConfig struct {
	Addr           string   `toml:"addr" json:"addr" yaml:"addr"`
	CORSOrigins    []string `toml:"cors_origins" json:"cors_origins" yaml:"cors_origins"`
	RateLimitRPS   float64  `toml:"rate_limit_rps" json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst" json:"rate_limit_burst" yaml:"rate_limit_burst"`

	// UsageDB is the SQLite ledger path. Empty keeps the ledger in memory.
	UsageDB string `toml:"usage_db" json:"usage_db" yaml:"usage_db"`

	// UsageRetentionDays is how long SQLite ledger rows are kept.
	UsageRetentionDays int `toml:"usage_retention_days" json:"usage_retention_days" yaml:"usage_retention_days"`
}

// UsageRetention returns the ledger retention as a duration.
func (s ServerConfig) UsageRetention() time.Duration {
	return time.Duration(s.UsageRetentionDays) * 24 * time.Hour
}

// CloudConfig configures the OpenAI-compatible backend.
type CloudConfig struct {
	APIKey    string `toml:"api_key" json:"api_key" yaml:"api_key"`
	BaseURL   string `toml:"base_url" json:"base_url" yaml:"base_url"`
	Model     string `toml:"model" json:"model" yaml:"model"`
	MaxTokens int64  `toml:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
}

// LocalConfig configures the Ollama backend.
type LocalConfig struct {
	OllamaURL string `toml:"ollama_url" json:"ollama_url" yaml:"ollama_url"`
	Model     string `toml:"model" json:"model" yaml:"model"`
}

// ChatConfig configures the chat client.
type ChatConfig struct {
	GatewayURL   string `toml:"gateway_url" json:"gateway_url" yaml:"gateway_url"`
	SystemPrompt string `toml:"system_prompt" json:"system_prompt" yaml:"system_prompt"`
	Model        string `toml:"model" json:"model" yaml:"model"`
	Provider     string `toml:"provider" json:"provider" yaml:"provider"`

	// ProbeHost is dialed to detect connectivity; ProbeInterval is a Go
	// duration string such as "15s".
	ProbeHost     string `toml:"probe_host" json:"probe_host" yaml:"probe_host"`
	ProbeInterval string `toml:"probe_interval" json:"probe_interval" yaml:"probe_interval"`
}

// ProbeEvery returns the parsed probe interval, or the default when unset
// or invalid.
func (c ChatConfig) ProbeEvery() time.Duration {
	d, err := time.ParseDuration(c.ProbeInterval)
	if err != nil || d <= 0 {
		return offline.DefaultInterval
	}
	return d
}

// ProviderValue returns the parsed provider. Invalid values are caught by
// Validate; here they fall back to the cloud.
func (c ChatConfig) ProviderValue() provider.Provider {
	p, err := provider.Parse(c.Provider)
	if err != nil {
		return provider.Cloud
	}
	return p
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
			CORSOrigins: []string{
				"http://localhost",
				"http://localhost:3000",
				"http://127.0.0.1",
				"http://127.0.0.1:3000",
			},
			RateLimitRPS:       5,
			RateLimitBurst:     20,
			UsageRetentionDays: 30,
		},
		Cloud: CloudConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     provider.DefaultCloudModel,
			MaxTokens: provider.CloudMaxTokens,
		},
		Local: LocalConfig{
			OllamaURL: "http://127.0.0.1:11434",
			Model:     provider.DefaultLocalModel,
		},
		Chat: ChatConfig{
			GatewayURL:    "http://127.0.0.1:8787",
			SystemPrompt:  provider.DefaultSystemPrompt,
			Model:         provider.DefaultCloudModel,
			Provider:      provider.Cloud.String(),
			ProbeHost:     offline.DefaultProbeHost,
			ProbeInterval: offline.DefaultInterval.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// fillDefaults fills in any missing values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.CORSOrigins == nil {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.RateLimitRPS == 0 {
		cfg.Server.RateLimitRPS = defaults.Server.RateLimitRPS
	}
	if cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = defaults.Server.RateLimitBurst
	}
	if cfg.Server.UsageRetentionDays == 0 {
		cfg.Server.UsageRetentionDays = defaults.Server.UsageRetentionDays
	}

	if cfg.Cloud.BaseURL == "" {
		cfg.Cloud.BaseURL = defaults.Cloud.BaseURL
	}
	if cfg.Cloud.Model == "" {
		cfg.Cloud.Model = defaults.Cloud.Model
	}
	if cfg.Cloud.MaxTokens == 0 {
		cfg.Cloud.MaxTokens = defaults.Cloud.MaxTokens
	}

	if cfg.Local.OllamaURL == "" {
		cfg.Local.OllamaURL = defaults.Local.OllamaURL
	}
	if cfg.Local.Model == "" {
		cfg.Local.Model = defaults.Local.Model
	}

	if cfg.Chat.GatewayURL == "" {
		cfg.Chat.GatewayURL = defaults.Chat.GatewayURL
	}
	if cfg.Chat.SystemPrompt == "" {
		cfg.Chat.SystemPrompt = defaults.Chat.SystemPrompt
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = defaults.Chat.Model
	}
	if cfg.Chat.Provider == "" {
		cfg.Chat.Provider = defaults.Chat.Provider
	}
	if cfg.Chat.ProbeHost == "" {
		cfg.Chat.ProbeHost = defaults.Chat.ProbeHost
	}
	if cfg.Chat.ProbeInterval == "" {
		cfg.Chat.ProbeInterval = defaults.Chat.ProbeInterval
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-relay"), nil
}

// DefaultPath returns the path of the default TOML config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// format is a config file encoding.
type format int

const (
	formatTOML format = iota
	formatJSON
	formatYAML
)

func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatTOML
	}
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the config file at path, or the default path when empty. A
// missing file yields the defaults. Environment overrides are applied
// before validation.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path with full
// validation. The format follows the file extension: .json, .yaml/.yml,
// otherwise TOML.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := decode(formatFor(path), data, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	fillDefaults(cfg)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decode(f format, data []byte, cfg *Config) error {
	switch f {
	case formatJSON:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
	case formatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to decode TOML: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to path in the format its extension names. The file is
// written atomically with owner-only permissions since it may hold an API
// key.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer

	switch formatFor(path) {
	case formatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		buf.Write(data)
	case formatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		enc.Close()
	default:
		fmt.Fprintln(&buf, "# rigrun-relay configuration file")
		fmt.Fprintln(&buf, "")
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}

	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// MaxTokensLimit bounds cloud.max_tokens.
const MaxTokensLimit = 128000

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "must be host:port")
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative")
	}
	if c.Server.RateLimitBurst < 0 {
		add("server.rate_limit_burst", "must not be negative")
	}
	if c.Server.UsageRetentionDays < 1 {
		add("server.usage_retention_days", "must be at least 1")
	}

	if c.Cloud.BaseURL != "" {
		if u, err := url.Parse(c.Cloud.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("cloud.base_url", "must be an http or https URL")
		}
	}
	if c.Cloud.MaxTokens < 1 || c.Cloud.MaxTokens > MaxTokensLimit {
		add("cloud.max_tokens", "must be between 1 and "+strconv.Itoa(MaxTokensLimit))
	}

	if err := offline.ValidateURL(c.Local.OllamaURL); err != nil {
		add("local.ollama_url", err.Error())
	}
	if err := offline.ValidateURL(c.Chat.GatewayURL); err != nil {
		add("chat.gateway_url", err.Error())
	}

	if _, err := provider.Parse(c.Chat.Provider); err != nil {
		add("chat.provider", "must be openai or ollama")
	}
	if d, err := time.ParseDuration(c.Chat.ProbeInterval); err != nil || d <= 0 {
		add("chat.probe_interval", "must be a positive duration such as 15s")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "must be text or json")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OPENAI_API_KEY: cloud.api_key
//   - OPENAI_BASE_URL: cloud.base_url
//   - RIGRUN_RELAY_ADDR: server.addr
//   - RIGRUN_RELAY_USAGE_DB: server.usage_db
//   - RIGRUN_RELAY_OLLAMA_URL: local.ollama_url
//   - RIGRUN_RELAY_GATEWAY_URL: chat.gateway_url
//   - RIGRUN_RELAY_MODEL: chat.model
//   - RIGRUN_RELAY_PROVIDER: chat.provider
//   - RIGRUN_RELAY_OFFLINE: "1" or "true" forces offline mode
//   - RIGRUN_RELAY_LOG_LEVEL: logging.level
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Cloud.APIKey = key
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		c.Cloud.BaseURL = base
	}
	if addr := os.Getenv("RIGRUN_RELAY_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if db := os.Getenv("RIGRUN_RELAY_USAGE_DB"); db != "" {
		c.Server.UsageDB = db
	}
	if u := os.Getenv("RIGRUN_RELAY_OLLAMA_URL"); u != "" {
		c.Local.OllamaURL = u
	}
	if u := os.Getenv("RIGRUN_RELAY_GATEWAY_URL"); u != "" {
		c.Chat.GatewayURL = u
	}
	if m := os.Getenv("RIGRUN_RELAY_MODEL"); m != "" {
		c.Chat.Model = m
	}
	if p := os.Getenv("RIGRUN_RELAY_PROVIDER"); p != "" {
		c.Chat.Provider = p
	}
	if v := os.Getenv("RIGRUN_RELAY_OFFLINE"); v != "" {
		c.Offline = v == "1" || strings.EqualFold(v, "true")
	}
	if lvl := os.Getenv("RIGRUN_RELAY_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// Redacted returns a copy safe to print: the API key is masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	if out.Cloud.APIKey != "" {
		out.Cloud.APIKey = "********"
	}
	return &out
}
