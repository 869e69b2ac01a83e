// Package config handles parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path exists.
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

// Config holds all parley configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	DataDir   string          `yaml:"data_dir"`
	Storage   StorageConfig   `yaml:"storage"`
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Search    SearchConfig    `yaml:"search"`
	API       APIConfig       `yaml:"api"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StorageConfig selects the checkpoint engine.
type StorageConfig struct {
	Engine string `yaml:"engine"` // sqlite, pebble, memory
	Path   string `yaml:"path"`   // default: under data_dir
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	SystemPrompt       string `yaml:"system_prompt"`
	MaxInputChars      int    `yaml:"max_input_chars"`
	RecursionLimit     int    `yaml:"recursion_limit"`
	CheckpointEachStep bool   `yaml:"checkpoint_each_step"`
	ExcerptChars       int    `yaml:"excerpt_chars"`

	// NewThreadSentinel is a thread ID value that starts a new thread
	// as if none were given. Empty disables it.
	NewThreadSentinel string `yaml:"new_thread_sentinel"`
}

// ModelsConfig maps selection keys to provider models.
type ModelsConfig struct {
	// DefaultSelection pins the fallback backend. Empty means the first
	// initialized selection in Priority order.
	DefaultSelection string                     `yaml:"default_selection"`
	Priority         []string                   `yaml:"priority"`
	Selections       map[string]SelectionConfig `yaml:"selections"`
}

// SelectionConfig is one entry of the model catalogue.
type SelectionConfig struct {
	Provider    string   `yaml:"provider"` // gemini, anthropic, ollama
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// GeminiConfig defines Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// SearchConfig configures the web_search tool. Provider names the
// primary; every provider with credentials is registered.
type SearchConfig struct {
	Provider   string        `yaml:"provider"`
	MaxResults int           `yaml:"max_results"`
	Tavily     TavilyConfig  `yaml:"tavily"`
	Brave      BraveConfig   `yaml:"brave"`
	SearXNG    SearXNGConfig `yaml:"searxng"`
}

// TavilyConfig holds the Tavily API key.
type TavilyConfig struct {
	APIKey string `yaml:"api_key"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig points at a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether any search provider has credentials.
func (s SearchConfig) Configured() bool {
	return s.Tavily.APIKey != "" || s.Brave.APIKey != "" || s.SearXNG.URL != ""
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	CSRF           bool     `yaml:"csrf"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"` // 0 disables
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	MaxBody        string   `yaml:"max_body"` // e.g. "64KB"
	AllowOrigins   []string `yaml:"allow_origins"`
}

// MaxBodyBytes parses MaxBody. Validate has already rejected bad values.
func (a APIConfig) MaxBodyBytes() int64 {
	n, err := humanize.ParseBytes(a.MaxBody)
	if err != nil {
		return 64 * 1024
	}
	return int64(n)
}

// Provider names accepted in model selections.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// DefaultSelections is the built-in model catalogue.
func DefaultSelections() map[string]SelectionConfig {
	one := 1.0
	return map[string]SelectionConfig{
		"fast":      {Provider: ProviderGemini, Model: "gemini-2.5-flash"},
		"unlimited": {Provider: ProviderGemini, Model: "gemini-2.5-flash-lite"},
		"pro":       {Provider: ProviderGemini, Model: "gemini-2.5-pro", Temperature: &one},
		"flash":     {Provider: ProviderGemini, Model: "gemini-2.0-flash"},
	}
}

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	cfg.Models.Selections = nil
	cfg.Models.Priority = nil
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen:    ListenConfig{Port: 8000},
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   "./data",
		Storage:   StorageConfig{Engine: "sqlite"},
		Agent: AgentConfig{
			MaxInputChars:      10000,
			RecursionLimit:     30,
			CheckpointEachStep: true,
			ExcerptChars:       30,
		},
		Ollama: OllamaConfig{URL: "http://localhost:11434"},
		Search: SearchConfig{Provider: "tavily", MaxResults: 3},
		API: APIConfig{
			CSRF:           true,
			RateLimitRPS:   2,
			RateLimitBurst: 10,
			MaxBody:        "64KB",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Models.Selections == nil {
		c.Models.Selections = DefaultSelections()
	}
	if len(c.Models.Priority) == 0 {
		c.Models.Priority = []string{"fast", "unlimited", "pro", "flash"}
	}
}

// ApplyEnv fills credentials left empty from the conventional
// environment variables.
func (c *Config) ApplyEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Gemini.APIKey, "GEMINI_API_KEY")
	fill(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	fill(&c.Search.Tavily.APIKey, "TAVILY_API_KEY")
	fill(&c.Search.Brave.APIKey, "BRAVE_API_KEY")
	fill(&c.Search.SearXNG.URL, "SEARXNG_URL")
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		bad("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		bad("log_level: %v", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		bad("log_format %q (valid: text, json)", c.LogFormat)
	}

	switch c.Storage.Engine {
	case "sqlite", "pebble", "memory":
	default:
		bad("storage.engine %q (valid: sqlite, pebble, memory)", c.Storage.Engine)
	}
	if c.Storage.Engine != "memory" && c.Storage.Path == "" && c.DataDir == "" {
		bad("data_dir or storage.path is required for the %s engine", c.Storage.Engine)
	}

	if c.Agent.MaxInputChars <= 0 {
		bad("agent.max_input_chars must be positive")
	}
	if c.Agent.RecursionLimit < 1 || c.Agent.RecursionLimit > 100 {
		bad("agent.recursion_limit %d outside [1, 100]", c.Agent.RecursionLimit)
	}
	if c.Agent.ExcerptChars <= 0 {
		bad("agent.excerpt_chars must be positive")
	}

	if len(c.Models.Selections) == 0 {
		bad("models.selections is empty")
	}
	for key, sel := range c.Models.Selections {
		switch sel.Provider {
		case ProviderGemini, ProviderAnthropic, ProviderOllama:
		default:
			bad("models.selections.%s: unknown provider %q", key, sel.Provider)
		}
		if sel.Model == "" {
			bad("models.selections.%s: model is required", key)
		}
	}
	if d := c.Models.DefaultSelection; d != "" {
		if _, ok := c.Models.Selections[d]; !ok {
			bad("models.default_selection %q is not a configured selection", d)
		}
	}

	switch c.Search.Provider {
	case "", "tavily", "brave", "searxng":
	default:
		bad("search.provider %q (valid: tavily, brave, searxng)", c.Search.Provider)
	}
	if c.Search.MaxResults < 1 {
		bad("search.max_results must be positive")
	}

	if c.API.RateLimitRPS < 0 {
		bad("api.rate_limit_rps must not be negative")
	}
	if c.API.RateLimitRPS > 0 && c.API.RateLimitBurst < 1 {
		bad("api.rate_limit_burst must be positive when rate limiting is on")
	}
	if _, err := humanize.ParseBytes(c.API.MaxBody); err != nil {
		bad("api.max_body %q: %v", c.API.MaxBody, err)
	}

	return errors.Join(errs...)
}
