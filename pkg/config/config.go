package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	envConfigPath        = "PARLEY_CONFIG"
	envStorageBackend    = "PARLEY_STORAGE_BACKEND"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envMatrixAccessToken = "MATRIX_ACCESS_TOKEN"
	envValkeyPassword    = "VALKEY_PASSWORD"
)

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageBolt   = "bolt"
	StorageValkey = "valkey"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Bot          BotConfig          `json:"bot"`
	Platforms    PlatformsConfig    `json:"platforms"`
	Storage      StorageConfig      `json:"storage"`
	Engine       EngineConfig       `json:"engine"`
	Integrations IntegrationsConfig `json:"integrations"`
	Providers    ProvidersConfig    `json:"providers"`
	Gateway      GatewayConfig      `json:"gateway"`
	Logging      LoggingConfig      `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// BotConfig holds settings shared by every platform the bot runs on.
type BotConfig struct {
	ID            string          `json:"id"`
	CommandPrefix string          `json:"command_prefix"`
	NotesPageSize int             `json:"notes_page_size"`
	Reconnect     ReconnectConfig `json:"reconnect"`
}

// ReconnectConfig bounds how the bot retries a platform after a connection error.
type ReconnectConfig struct {
	MaxAttempts    int      `json:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff"`
}

// PlatformsConfig stores transport adapter settings.
type PlatformsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Matrix   MatrixConfig   `json:"matrix"`
	Local    LocalConfig    `json:"local"`
}

// TelegramConfig configures the Telegram platform.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// MatrixConfig configures the Matrix platform.
type MatrixConfig struct {
	Enabled      bool     `json:"enabled"`
	Homeserver   string   `json:"homeserver"`
	UserID       string   `json:"user_id"`
	AccessToken  string   `json:"access_token"`
	AllowedRooms []string `json:"allowed_rooms"`
}

// LocalConfig configures the in-process platform used by the terminal chat.
type LocalConfig struct {
	Enabled bool   `json:"enabled"`
	ChatID  string `json:"chat_id"`
	UserID  string `json:"user_id"`
	Audio   bool   `json:"audio"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend string       `json:"backend"`
	Path    string       `json:"path"`
	Valkey  ValkeyConfig `json:"valkey"`
}

// ValkeyConfig configures the valkey storage backend.
type ValkeyConfig struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	KeyPrefix string   `json:"key_prefix"`
	TTL       Duration `json:"ttl"`
}

// EngineConfig tunes the conversation engine.
type EngineConfig struct {
	Workers        int      `json:"workers"`
	RegistryShards int      `json:"registry_shards"`
	SweepInterval  Duration `json:"sweep_interval"`
	Deadline       Duration `json:"deadline"`
	TurnTimeout    Duration `json:"turn_timeout"`
	DedupeWindow   Duration `json:"dedupe_window"`
	CancelPhrase   string   `json:"cancel_phrase"`
}

// IntegrationsConfig groups third-party integrations commands can use.
type IntegrationsConfig struct {
	Assistant AssistantConfig `json:"assistant"`
}

// AssistantConfig configures the LLM assistant integration.
type AssistantConfig struct {
	Enabled     bool    `json:"enabled"`
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Duration is a time.Duration that reads "90s" style strings or plain seconds
// from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %s", string(data))
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// Default returns a configuration with every default applied and only the
// local platform enabled.
func Default() *Config {
	cfg := &Config{}
	cfg.Platforms.Local.Enabled = true
	cfg.ApplyDefaults()
	return cfg
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file, expands ${VAR} references, applies env
// overrides and defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(expandEnv(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Bot.ID) == "" {
		c.Bot.ID = "parley"
	}
	if c.Bot.NotesPageSize <= 0 {
		c.Bot.NotesPageSize = 10
	}
	if c.Bot.Reconnect.MaxAttempts == 0 {
		c.Bot.Reconnect.MaxAttempts = 5
	}
	if c.Bot.Reconnect.InitialBackoff <= 0 {
		c.Bot.Reconnect.InitialBackoff = Duration(time.Second)
	}
	if c.Bot.Reconnect.MaxBackoff <= 0 {
		c.Bot.Reconnect.MaxBackoff = Duration(30 * time.Second)
	}

	if strings.TrimSpace(c.Platforms.Local.ChatID) == "" {
		c.Platforms.Local.ChatID = "terminal"
	}
	if strings.TrimSpace(c.Platforms.Local.UserID) == "" {
		c.Platforms.Local.UserID = "you"
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		switch c.Storage.Backend {
		case StorageSQLite:
			c.Storage.Path = filepath.Join("data", "parley.sqlite")
		case StorageBolt:
			c.Storage.Path = filepath.Join("data", "parley.bolt")
		}
	}
	if strings.TrimSpace(c.Storage.Valkey.KeyPrefix) == "" {
		c.Storage.Valkey.KeyPrefix = "parley"
	}

	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 16
	}
	if c.Engine.RegistryShards <= 0 {
		c.Engine.RegistryShards = 32
	}
	if c.Engine.SweepInterval <= 0 {
		c.Engine.SweepInterval = Duration(5 * time.Second)
	}
	if c.Engine.Deadline <= 0 {
		c.Engine.Deadline = Duration(3 * time.Minute)
	}
	if c.Engine.DedupeWindow < 0 {
		c.Engine.DedupeWindow = 0
	}
	if strings.TrimSpace(c.Engine.CancelPhrase) == "" {
		c.Engine.CancelPhrase = "cancel"
	}

	if strings.TrimSpace(c.Integrations.Assistant.Provider) == "" {
		c.Integrations.Assistant.Provider = "opencode"
	}

	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = "0.0.0.0"
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = 18790
	}
}

// Validate reports configuration that cannot run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case StorageMemory, StorageSQLite, StorageBolt:
	case StorageValkey:
		if strings.TrimSpace(c.Storage.Valkey.Address) == "" {
			errs = append(errs, errors.New("storage.valkey.address is required for the valkey backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	if c.Platforms.Telegram.Enabled && strings.TrimSpace(c.Platforms.Telegram.Token) == "" {
		errs = append(errs, errors.New("platforms.telegram.token is required"))
	}
	if c.Platforms.Matrix.Enabled {
		if strings.TrimSpace(c.Platforms.Matrix.Homeserver) == "" {
			errs = append(errs, errors.New("platforms.matrix.homeserver is required"))
		}
		if strings.TrimSpace(c.Platforms.Matrix.UserID) == "" {
			errs = append(errs, errors.New("platforms.matrix.user_id is required"))
		}
		if strings.TrimSpace(c.Platforms.Matrix.AccessToken) == "" {
			errs = append(errs, errors.New("platforms.matrix.access_token is required"))
		}
	}

	if c.Engine.SweepInterval.Std() > c.Engine.Deadline.Std() {
		errs = append(errs, fmt.Errorf("engine.sweep_interval (%s) must not exceed engine.deadline (%s)", c.Engine.SweepInterval.Std(), c.Engine.Deadline.Std()))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Platforms.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Platforms.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if token := strings.TrimSpace(os.Getenv(envMatrixAccessToken)); token != "" {
		cfg.Platforms.Matrix.AccessToken = token
	}

	if password := os.Getenv(envValkeyPassword); password != "" {
		cfg.Storage.Valkey.Password = password
	}

	if backend := strings.TrimSpace(os.Getenv(envStorageBackend)); backend != "" {
		cfg.Storage.Backend = backend
	}
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with their environment values. Bare $VAR
// text is left alone so secrets containing '$' survive.
func expandEnv(content []byte) []byte {
	return envRefPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := string(envRefPattern.FindSubmatch(match)[1])
		quoted := strconv.Quote(os.Getenv(name))
		// strip the surrounding quotes; the reference already sits inside a JSON string
		return []byte(quoted[1 : len(quoted)-1])
	})
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is PARLEY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrConfigNotFound, candidates[0], candidates[1])
}

// ErrConfigNotFound is returned when no config file exists in the search path.
var ErrConfigNotFound = errors.New("config.json not found")
