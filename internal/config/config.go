// Package config loads chatd configuration from an optional YAML file with
// environment-variable overrides for the settings that differ per deployment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full chatd configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	AWS      AWSConfig      `yaml:"aws"`
	Storage  StorageConfig  `yaml:"storage"`
	Backend  BackendConfig  `yaml:"backend"`
	Tools    ToolsConfig    `yaml:"tools"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type AWSConfig struct {
	Region string `yaml:"region"`
	// EndpointURL points the DynamoDB client at a local instance for
	// development; empty means the real service.
	EndpointURL string `yaml:"endpoint_url"`
	// ParamPrefix is the SSM Parameter Store prefix under which secrets
	// (API tokens) are stored.
	ParamPrefix string `yaml:"param_prefix"`
}

type StorageConfig struct {
	Table string `yaml:"table"`
	// MessageTTLDays expires message rows after this many days; 0 disables
	// the TTL attribute entirely.
	MessageTTLDays int `yaml:"message_ttl_days"`
	// HistoryLimit caps how many prior messages a turn loads as context.
	HistoryLimit int `yaml:"history_limit"`
}

type BackendConfig struct {
	// Provider selects the reasoning backend: "bedrock" or "openai".
	Provider    string  `yaml:"provider"`
	ModelID     string  `yaml:"model_id"`
	Temperature float64 `yaml:"temperature"`
	// TurnTimeoutSeconds bounds one full turn including tool rounds.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`
	// MaxToolRounds bounds the agent/tools cycle within a turn.
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
}

type ToolsConfig struct {
	// EnableBuiltins registers the example tools (clock, calculator,
	// knowledge base) at startup.
	EnableBuiltins bool `yaml:"enable_builtins"`
	// Disabled lists tool names registered but withheld from the backend.
	Disabled []string `yaml:"disabled"`
}

type WhatsAppConfig struct {
	// PhoneNumberID is the Meta Business phone number id; empty disables
	// the channel.
	PhoneNumberID string `yaml:"phone_number_id"`
	// CacheSize bounds the advisory per-phone session cache.
	CacheSize int `yaml:"cache_size"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the configuration used when no file or overrides are
// present.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Addr: ":8090"},
		AWS: AWSConfig{
			Region:      "us-east-1",
			ParamPrefix: "/chat-agent",
		},
		Storage: StorageConfig{
			Table:          "ChatAgentTable",
			MessageTTLDays: 30,
			HistoryLimit:   1000,
		},
		Backend: BackendConfig{
			Provider:           "bedrock",
			ModelID:            "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
			Temperature:        0.2,
			TurnTimeoutSeconds: 120,
			MaxToolRounds:      5,
		},
		Tools:    ToolsConfig{EnableBuiltins: false},
		WhatsApp: WhatsAppConfig{CacheSize: 1024},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over Defaults and then applies environment
// overrides. A missing file at the default path is not an error; an explicit
// path that does not exist is.
func Load(path string, explicit bool) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
			// fall through to defaults
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.Server.Addr, "CHATD_ADDR")
	setStr(&cfg.AWS.Region, "AWS_REGION")
	setStr(&cfg.AWS.EndpointURL, "AWS_ENDPOINT_URL")
	setStr(&cfg.AWS.ParamPrefix, "CHATD_PARAM_PREFIX")
	setStr(&cfg.Storage.Table, "CHATD_TABLE")
	setInt(&cfg.Storage.MessageTTLDays, "CHATD_MESSAGE_TTL_DAYS")
	setStr(&cfg.Backend.Provider, "CHATD_BACKEND")
	setStr(&cfg.Backend.ModelID, "CHATD_MODEL_ID")
	setInt(&cfg.Backend.TurnTimeoutSeconds, "CHATD_TURN_TIMEOUT_SECONDS")
	setStr(&cfg.WhatsApp.PhoneNumberID, "WHATSAPP_PHONE_NUMBER_ID")
	setStr(&cfg.Logging.Level, "CHATD_LOG_LEVEL")
}

func (c Config) validate() error {
	if c.Storage.Table == "" {
		return errors.New("config: storage.table must not be empty")
	}
	if c.Backend.Provider != "bedrock" && c.Backend.Provider != "openai" {
		return fmt.Errorf("config: unknown backend provider %q", c.Backend.Provider)
	}
	if c.Backend.TurnTimeoutSeconds <= 0 {
		return errors.New("config: backend.turn_timeout_seconds must be positive")
	}
	if c.Backend.MaxToolRounds <= 0 {
		return errors.New("config: backend.max_tool_rounds must be positive")
	}
	return nil
}
