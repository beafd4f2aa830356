// Package config handles Vanguard configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vanguard/config.yaml, /etc/vanguard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vanguard", "config.yaml"))
	}

	paths = append(paths, "/etc/vanguard/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the search paths exist. Callers may fall back to
// [FromEnv] in that case.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Vanguard configuration.
type Config struct {
	Listen       ListenConfig            `yaml:"listen"`
	Provider     ProviderConfig          `yaml:"provider"`
	Relay        RelayConfig             `yaml:"relay"`
	Conversation ConversationConfig      `yaml:"conversation"`
	MQTT         MQTTConfig              `yaml:"mqtt"`
	Pricing      map[string]PricingEntry `yaml:"pricing"`

	// RoutesFile is the transit dataset (YAML or JSON). Empty uses the
	// built-in Signal City Transit dataset.
	RoutesFile string `yaml:"routes_file"`
	DataDir    string `yaml:"data_dir"`
	// UsageRetentionDays prunes usage rounds older than this at
	// startup. Zero keeps everything.
	UsageRetentionDays int    `yaml:"usage_retention_days"`
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// MaxConnections caps concurrent connections, relay sockets
	// included. Zero is unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// ProviderConfig selects the hosted completion service.
type ProviderConfig struct {
	// Name is "openai" (default) or "anthropic".
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"` // Override for compatible gateways
	MaxTokens int    `yaml:"max_tokens"`
}

// RelayConfig holds the ConversationRelay attributes advertised in the
// TwiML handshake.
type RelayConfig struct {
	WelcomeGreeting string `yaml:"welcome_greeting"`
	TTSProvider     string `yaml:"tts_provider"`
	Language        string `yaml:"language"`
	// IntelligenceServiceSID enables post-call Conversational
	// Intelligence when set.
	IntelligenceServiceSID string `yaml:"intelligence_service_sid"`
	HoldMusicURL           string `yaml:"hold_music_url"`
	// PublicHost overrides the Host header when building the wss URL
	// (useful behind tunnels that rewrite Host).
	PublicHost string `yaml:"public_host"`
}

// ConversationConfig bounds the per-turn model loop.
type ConversationConfig struct {
	MaxRounds int `yaml:"max_rounds"`
}

// MQTTConfig defines the optional MQTT telemetry publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	TopicPrefix        string `yaml:"topic_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PricingEntry is the per-million-token price for a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

const defaultWelcomeGreeting = "Hello! You've reached Signal City Transit. " +
	"I'm Vanguard, your virtual assistant. How can I help you today?"

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 3000, MaxConnections: 512},
		Provider: ProviderConfig{
			Name:      "openai",
			Model:     "gpt-5-mini",
			MaxTokens: 1024,
		},
		Relay: RelayConfig{
			WelcomeGreeting: defaultWelcomeGreeting,
			TTSProvider:     "ElevenLabs",
			Language:        "en-US",
			HoldMusicURL:    "https://demo.twilio.com/docs/classic.mp3",
		},
		Conversation: ConversationConfig{MaxRounds: 8},
		MQTT: MQTTConfig{
			DeviceName:         "vanguard",
			TopicPrefix:        "vanguard",
			PublishIntervalSec: 60,
		},
		DataDir:            "./data",
		UsageRetentionDays: 90,
		LogFormat:          "text",
	}
}

// Load reads configuration from a YAML file. Environment variables
// referenced as $VAR or ${VAR} are expanded before parsing. Unset
// fields keep the values from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()

	return cfg, nil
}

// FromEnv builds a configuration from [Default] and the process
// environment alone, for deployments that ship no config file.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// applyEnv fills gaps from the conventional provider environment
// variables. Values already present in the file win.
func (c *Config) applyEnv() {
	if c.Provider.APIKey == "" {
		switch strings.ToLower(c.Provider.Name) {
		case "anthropic":
			c.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if c.Relay.IntelligenceServiceSID == "" {
		c.Relay.IntelligenceServiceSID = os.Getenv("TWILIO_INTELLIGENCE_SERVICE_SID")
	}
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			c.Listen.Port = n
		}
	}
}

// Validate checks that the configuration is usable for serving calls.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Provider.Name) {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("provider.name %q is not supported (valid: openai, anthropic)", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required for %s", c.Provider.Name)
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if c.Conversation.MaxRounds <= 0 {
		return fmt.Errorf("conversation.max_rounds must be positive, got %d", c.Conversation.MaxRounds)
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d is out of range", c.Listen.Port)
	}
	if c.Listen.MaxConnections < 0 {
		return fmt.Errorf("listen.max_connections must not be negative, got %d", c.Listen.MaxConnections)
	}
	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec <= 0 {
		return fmt.Errorf("mqtt.publish_interval_sec must be positive when mqtt.broker is set")
	}
	if c.UsageRetentionDays < 0 {
		return fmt.Errorf("usage_retention_days must not be negative, got %d", c.UsageRetentionDays)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}
	return nil
}
