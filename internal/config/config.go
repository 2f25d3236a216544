// Package config loads the daemon configuration from YAML and environment
// variables and holds the mutable runtime settings shared by live runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration loaded at boot.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Journal   JournalConfig             `yaml:"journal"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Agent     AgentConfig               `yaml:"agent"`
	Run       RunConfig                 `yaml:"run"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// ServerConfig controls the HTTP control plane.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// JournalConfig controls the action journal store.
type JournalConfig struct {
	// Path is the SQLite database file. ":memory:" keeps the journal
	// in-process, useful for tests.
	Path string `yaml:"path"`
}

// ProviderConfig describes one upstream LLM endpoint.
type ProviderConfig struct {
	// Provider selects the wire dialect ("openai", "anthropic"). When
	// empty the dialect is inferred from BaseURL.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// TagReasoning marks endpoints whose models interleave <think> tags
	// with visible text instead of a native thinking channel.
	TagReasoning bool `yaml:"tag_reasoning"`
}

// AgentConfig describes the agent identity and model routing.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Model        string   `yaml:"model"`     // "provider/model"
	Fallbacks    []string `yaml:"fallbacks"` // same format, tried in order
	Workspace    string   `yaml:"workspace"`
}

// RunConfig holds the boot defaults for the mutable run settings.
type RunConfig struct {
	Mode                     string           `yaml:"mode"` // interactive|supervised|autonomous
	MaxIterations            int              `yaml:"max_iterations"`
	ApprovalMode             string           `yaml:"approval_mode"` // off|mutate|always
	AllowIrreversibleActions bool             `yaml:"allow_irreversible_actions"`
	BypassAllPermissions     bool             `yaml:"bypass_all_permissions"`
	DailyBudgetUSD           float64          `yaml:"daily_budget_usd"`
	DailyBudgetAutoPause     bool             `yaml:"daily_budget_auto_pause"`
	Economy                  Economy          `yaml:"economy"`
	Thinking                 ThinkingDefaults `yaml:"thinking"`
	// PollingTools names tools whose solo iterations do not consume the
	// iteration budget.
	PollingTools []string `yaml:"polling_tools"`
}

// Economy clamps the caps the loop runs under when enabled.
type Economy struct {
	Enabled                    bool `yaml:"enabled"`
	MaxIterationsCap           int  `yaml:"max_iterations_cap"`
	ToolResultMaxChars         int  `yaml:"tool_result_max_chars"`
	ContextMaxTokens           int  `yaml:"context_max_tokens"`
	ContextCompactionThreshold int  `yaml:"context_compaction_threshold"`
}

// ThinkingDefaults are the boot defaults for the thinking settings.
type ThinkingDefaults struct {
	Level      string `yaml:"level"`      // off|low|medium|high
	Visibility string `yaml:"visibility"` // off|on|stream
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Default returns a configuration with sane local-daemon defaults.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8377},
		Journal: JournalConfig{Path: defaultJournalPath()},
		Agent: AgentConfig{
			Name:  "agentd",
			Model: "anthropic/claude-sonnet-4-5",
		},
		Run: RunConfig{
			Mode:          "interactive",
			MaxIterations: 24,
			ApprovalMode:  "mutate",
			Economy: Economy{
				MaxIterationsCap:           8,
				ToolResultMaxChars:         4000,
				ContextMaxTokens:           32000,
				ContextCompactionThreshold: 24000,
			},
			Thinking:     ThinkingDefaults{Level: "off", Visibility: "off"},
			PollingTools: []string{"process.poll"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentd-actions.db"
	}
	return filepath.Join(home, ".agentd", "actions.db")
}

// Load reads the config file at path, layering it over the defaults. A
// missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Run.Mode {
	case "", "interactive", "supervised", "autonomous":
	default:
		return fmt.Errorf("config: unknown run mode %q", c.Run.Mode)
	}
	switch c.Run.ApprovalMode {
	case "", "off", "mutate", "always":
	default:
		return fmt.Errorf("config: unknown approval mode %q", c.Run.ApprovalMode)
	}
	if c.Run.MaxIterations < 0 {
		return fmt.Errorf("config: max_iterations must be >= 0")
	}
	return nil
}

// SplitModelRef splits "provider/model" into its parts. A ref without a
// slash is treated as a bare model on the default provider.
func SplitModelRef(ref string) (provider, model string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return "", ref
}
