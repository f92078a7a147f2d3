package stagegate

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/wrldbldr/stagegate/runtime/generator"
	"github.com/wrldbldr/stagegate/runtime/supervisor"
	"github.com/wrldbldr/stagegate/service/llm"
	"github.com/wrldbldr/stagegate/service/llm/openai"
)

// Config is a serialisable representation of the engine configuration. It can
// be populated from YAML, environment variables, etc. The zero-value is
// useful - all nested fields inherit their package defaults.
type Config struct {
	Store        StoreConfig        `json:"store" yaml:"store"`
	Broadcast    BroadcastConfig    `json:"broadcast" yaml:"broadcast"`
	Staging      StagingConfig      `json:"staging" yaml:"staging"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Supervisor   supervisor.Config  `json:"supervisor" yaml:"supervisor"`
	Generator    generator.Config   `json:"generator" yaml:"generator"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

// StoreConfig selects the approval store backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `json:"driver" yaml:"driver"`
	// Path is the sqlite database file; ":memory:" for an in-process db.
	Path string `json:"path" yaml:"path"`
}

// BroadcastConfig tunes outbound delivery.
type BroadcastConfig struct {
	SendTimeout time.Duration `json:"sendTimeout" yaml:"sendTimeout"`
}

// StagingConfig tunes the staging resolver.
type StagingConfig struct {
	ReviewTimeout  time.Duration `json:"reviewTimeout" yaml:"reviewTimeout"`
	TTL            time.Duration `json:"ttl" yaml:"ttl"`
	SuggestTimeout time.Duration `json:"suggestTimeout" yaml:"suggestTimeout"`
	// RulesPath points at the YAML schedule-rule file; empty means no rules.
	RulesPath string `json:"rulesPath" yaml:"rulesPath"`
}

// ConversationConfig tunes the dialogue orchestrator.
type ConversationConfig struct {
	HistoryTurns  int           `json:"historyTurns" yaml:"historyTurns"`
	ReviewTimeout time.Duration `json:"reviewTimeout" yaml:"reviewTimeout"`
	SystemPrompt  string        `json:"systemPrompt" yaml:"systemPrompt"`
}

// LLMConfig tunes the model backend and its circuit breaker.
type LLMConfig struct {
	openai.Config `json:",inline" yaml:",inline"`
	Breaker       llm.BreakerConfig `json:"breaker" yaml:"breaker"`
}

// LoggingConfig tunes the slog handler.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig returns a Config populated with every package's defaults.
// Callers may modify the returned struct before passing it to New.
func DefaultConfig() *Config {
	return &Config{
		Store:      StoreConfig{Driver: "memory"},
		Broadcast:  BroadcastConfig{SendTimeout: 5 * time.Second},
		Supervisor: supervisor.DefaultConfig(),
		Generator:  generator.DefaultConfig(),
		Staging: StagingConfig{
			ReviewTimeout:  30 * time.Second,
			TTL:            3 * time.Hour,
			SuggestTimeout: 10 * time.Second,
		},
		Conversation: ConversationConfig{
			HistoryTurns:  20,
			ReviewTimeout: 2 * time.Minute,
		},
		LLM: LLMConfig{
			Config:  openai.DefaultConfig(),
			Breaker: llm.DefaultBreakerConfig(),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads path (YAML) over the defaults and then applies
// environment overrides of the form STAGEGATE_SECTION_KEY. An empty path
// loads defaults plus environment only.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config %v: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("STAGEGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STAGEGATE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Store.Driver {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Generator.WorkerCount < 0 {
		return fmt.Errorf("generator.workerCount must be >= 0")
	}
	if c.Conversation.HistoryTurns < 0 {
		return fmt.Errorf("conversation.historyTurns must be >= 0")
	}
	return nil
}
