package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"parley/internal/models"
)

const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"

	defaultPort = 8080
)

// Config represents the application configuration parsed from YAML or TOML.
type Config struct {
	Server    ServerConfig              `yaml:"server" toml:"server"`
	Providers map[string]ProviderConfig `yaml:"providers" toml:"providers"`
}

// ServerConfig defines listener configuration for the relay.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// ProviderConfig describes one named upstream conversation target.
type ProviderConfig struct {
	Kind       string         `yaml:"kind" toml:"kind"`
	BaseURL    string         `yaml:"base_url" toml:"base_url"`
	APIKey     string         `yaml:"api_key" toml:"api_key"`
	APIKeyEnv  string         `yaml:"api_key_env" toml:"api_key_env"`
	APIVersion string         `yaml:"api_version" toml:"api_version"`
	Model      string         `yaml:"model" toml:"model"`
	System     string         `yaml:"system" toml:"system"`
	Timeout    string         `yaml:"timeout" toml:"timeout"`
	Headers    Headers        `yaml:"headers" toml:"headers"`
	Sampling   SamplingConfig `yaml:"sampling" toml:"sampling"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// SamplingConfig holds instance-level generation defaults.
type SamplingConfig struct {
	Temperature *float64 `yaml:"temperature" toml:"temperature"`
	TopP        *float64 `yaml:"top_p" toml:"top_p"`
	TopK        *int     `yaml:"top_k" toml:"top_k"`
	MaxTokens   *int     `yaml:"max_tokens" toml:"max_tokens"`
	Stream      *bool    `yaml:"stream" toml:"stream"`
}

// Sampling converts the configured defaults to the client representation.
func (s SamplingConfig) Sampling() models.Sampling {
	return models.Sampling{
		Temperature: s.Temperature,
		TopP:        s.TopP,
		TopK:        s.TopK,
		MaxTokens:   s.MaxTokens,
		Stream:      s.Stream,
	}
}

// ResolveAPIKey returns the inline key, or the value of APIKeyEnv.
func (p ProviderConfig) ResolveAPIKey() string {
	if strings.TrimSpace(p.APIKey) != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// TimeoutDuration parses Timeout; empty means zero (transport default).
func (p ProviderConfig) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(p.Timeout) == "" {
		return 0, nil
	}
	return time.ParseDuration(p.Timeout)
}

// Load reads configuration from disk, applies defaults and validates the
// result. Files ending in .toml are parsed as TOML, everything else as YAML.
// A .env file next to the configuration is loaded first so api_key_env can
// refer to variables declared there.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(absPath), ".env")); err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(absPath), ".toml"))
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes raw configuration and applies defaults without validating.
func Parse(data []byte, isTOML bool) (Config, error) {
	var cfg Config
	if isTOML {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	for name, p := range c.Providers {
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "claude" {
			p.Kind = KindAnthropic
		}
		c.Providers[name] = p
	}
}

// ProviderNames returns the configured provider names in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider returns the named provider configuration.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	for _, origin := range c.Server.CORSOrigins {
		if strings.TrimSpace(origin) == "" {
			return errors.New("server.cors_origins must not contain empty entries")
		}
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	for _, name := range c.ProviderNames() {
		if err := validateProvider(name, c.Providers[name]); err != nil {
			return err
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("provider name must not be empty")
	}
	if err := validateKind(name, provider.Kind); err != nil {
		return err
	}

	if provider.BaseURL != "" {
		u, err := url.Parse(provider.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("provider %s: base_url %q must be an absolute http(s) URL", name, provider.BaseURL)
		}
	}

	if provider.APIKeyEnv != "" && strings.ContainsAny(provider.APIKeyEnv, " =") {
		return fmt.Errorf("provider %s: api_key_env %q is not a valid variable name", name, provider.APIKeyEnv)
	}

	if _, err := provider.TimeoutDuration(); err != nil {
		return fmt.Errorf("provider %s: timeout: %w", name, err)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	// Per-kind ranges are enforced when the client is built.
	s := provider.Sampling
	if s.Temperature != nil && *s.Temperature < 0 {
		return fmt.Errorf("provider %s: sampling.temperature must not be negative", name)
	}
	if s.TopP != nil && (*s.TopP < 0 || *s.TopP > 1) {
		return fmt.Errorf("provider %s: sampling.top_p must be within [0, 1]", name)
	}

	return nil
}

func validateKind(providerName, kind string) error {
	switch kind {
	case KindOpenAI, KindAnthropic, KindGemini:
		return nil
	default:
		return fmt.Errorf("provider %s: kind %q must be one of %q, %q or %q", providerName, kind, KindOpenAI, KindAnthropic, KindGemini)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
