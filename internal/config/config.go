package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wolfpack/internal/domain"
)

// FileName is the session config file looked up in a workspace.
const FileName = "wolfpack.yml"

// Generator providers.
const (
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
	ProviderOffline = "offline"
)

// Defaults applied by Normalize.
const (
	DefaultSpeechesPerDay = 10
	DefaultMaxDays        = 20
	DefaultMaxAttempts    = 3
	DefaultAbstainLabel   = "abstain"
	DefaultHistoryLimit   = 20
	DefaultTimeout        = 60 * time.Second
)

// Config models wolfpack.yml.
type Config struct {
	Session   SessionConfig   `yaml:"session" json:"session"`
	Resolver  ResolverConfig  `yaml:"resolver" json:"resolver"`
	Generator GeneratorConfig `yaml:"generator" json:"generator"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type SessionConfig struct {
	Players        []string `yaml:"players" json:"players"`
	Werewolves     int      `yaml:"werewolves" json:"werewolves"`
	Seer           bool     `yaml:"seer" json:"seer"`
	Doctor         bool     `yaml:"doctor" json:"doctor"`
	SpeechesPerDay int      `yaml:"speeches_per_day" json:"speeches_per_day"`
	MaxDays        int      `yaml:"max_days" json:"max_days"`
	Seed           uint64   `yaml:"seed,omitempty" json:"seed,omitempty"`
}

type ResolverConfig struct {
	MaxAttempts  int    `yaml:"max_attempts" json:"max_attempts"`
	AbstainLabel string `yaml:"abstain_label" json:"abstain_label"`
}

type GeneratorConfig struct {
	Provider     string        `yaml:"provider" json:"provider"`
	Model        string        `yaml:"model,omitempty" json:"model,omitempty"`
	BaseURL      string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv    string        `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Temperature  float32       `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	HistoryLimit int           `yaml:"history_limit" json:"history_limit"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// WebhookConfig forwards stored session events to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	IncludePrivate bool     `yaml:"include_private,omitempty" json:"include_private,omitempty"`
}

// Clone returns a deep copy; the slices and pointers of c are not shared.
func (c *Config) Clone() *Config {
	out := *c
	out.Session.Players = append([]string(nil), c.Session.Players...)
	if c.Webhooks != nil {
		out.Webhooks = make([]WebhookConfig, len(c.Webhooks))
		for i, hook := range c.Webhooks {
			hook.Events = append([]string(nil), hook.Events...)
			if hook.Enabled != nil {
				enabled := *hook.Enabled
				hook.Enabled = &enabled
			}
			out.Webhooks[i] = hook
		}
	}
	return &out
}

// RoleCounts returns the number of seats per special role.
func (s SessionConfig) RoleCounts() map[domain.Role]int {
	counts := map[domain.Role]int{domain.RoleWerewolf: s.Werewolves}
	if s.Seer {
		counts[domain.RoleSeer] = 1
	}
	if s.Doctor {
		counts[domain.RoleDoctor] = 1
	}
	return counts
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Session.SpeechesPerDay == 0 {
		c.Session.SpeechesPerDay = DefaultSpeechesPerDay
	}
	if c.Session.MaxDays == 0 {
		c.Session.MaxDays = DefaultMaxDays
	}
	if c.Resolver.MaxAttempts == 0 {
		c.Resolver.MaxAttempts = DefaultMaxAttempts
	}
	if strings.TrimSpace(c.Resolver.AbstainLabel) == "" {
		c.Resolver.AbstainLabel = DefaultAbstainLabel
	}
	if c.Generator.Provider == "" {
		c.Generator.Provider = ProviderOffline
	}
	if c.Generator.HistoryLimit == 0 {
		c.Generator.HistoryLimit = DefaultHistoryLimit
	}
	if c.Generator.Timeout == 0 {
		c.Generator.Timeout = DefaultTimeout
	}
}

// Validate ensures the config describes a playable session.
func (c *Config) Validate() error {
	s := c.Session
	if len(s.Players) < 3 {
		return domain.ConfigurationError{Field: "session.players", Reason: fmt.Sprintf("need at least 3 players, got %d", len(s.Players))}
	}
	seen := make(map[string]struct{}, len(s.Players))
	for _, p := range s.Players {
		name := strings.TrimSpace(p)
		if name == "" {
			return domain.ConfigurationError{Field: "session.players", Reason: "empty player name"}
		}
		if strings.EqualFold(name, c.Resolver.AbstainLabel) || strings.EqualFold(name, "anyone") {
			return domain.ConfigurationError{Field: "session.players", Reason: fmt.Sprintf("player name %q is reserved", name)}
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return domain.ConfigurationError{Field: "session.players", Reason: fmt.Sprintf("duplicate player name %q", name)}
		}
		seen[key] = struct{}{}
	}
	if s.Werewolves < 1 {
		return domain.ConfigurationError{Field: "session.werewolves", Reason: "at least one werewolf is required"}
	}
	special := 0
	for _, n := range s.RoleCounts() {
		special += n
	}
	if special > len(s.Players) {
		return domain.ConfigurationError{Field: "session", Reason: fmt.Sprintf("%d special roles exceed %d players", special, len(s.Players))}
	}
	if s.SpeechesPerDay < 1 {
		return domain.ConfigurationError{Field: "session.speeches_per_day", Reason: "must be positive"}
	}
	if s.MaxDays < 1 {
		return domain.ConfigurationError{Field: "session.max_days", Reason: "must be positive"}
	}
	if c.Resolver.MaxAttempts < 1 {
		return domain.ConfigurationError{Field: "resolver.max_attempts", Reason: "must be positive"}
	}
	switch c.Generator.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderOffline:
	default:
		return domain.ConfigurationError{Field: "generator.provider", Reason: fmt.Sprintf("unknown provider %q", c.Generator.Provider)}
	}
	if c.Generator.HistoryLimit < 1 {
		return domain.ConfigurationError{Field: "generator.history_limit", Reason: "must be positive"}
	}
	if c.Generator.Timeout < 0 {
		return domain.ConfigurationError{Field: "generator.timeout", Reason: "must not be negative"}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return domain.ConfigurationError{Field: fmt.Sprintf("webhooks[%d].url", i), Reason: "is required"}
		}
	}
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wolf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.Normalize()
	return &cfg
}

// FromYAML parses, normalizes and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `session:
  players: [Alice, Bob, Carol, Dave, Erin, Frank]
  werewolves: 1
  seer: true
  doctor: true
  speeches_per_day: 10
  max_days: 20

resolver:
  max_attempts: 3
  abstain_label: abstain

generator:
  provider: offline
  # provider: gemini
  # model: gemini-2.0-flash
  # api_key_env: GEMINI_API_KEY
  # provider: openai
  # base_url: http://localhost:11434/v1
  # model: llama3
  history_limit: 20
  timeout: 60s

# webhooks:
#   - url: https://example.com/hooks/wolfpack
#     events: [vote.elimination, game.over]
`
