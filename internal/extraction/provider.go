package extraction

import (
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Config selects and configures the extraction provider.
type Config struct {
	// Provider is one of "openai", "anthropic", "heuristic".
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`

	// Timeout bounds a single model round-trip. Zero means the 60s default.
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultConfig returns heuristic extraction, which needs no credentials.
func DefaultConfig() Config {
	return Config{Provider: "heuristic", Timeout: defaultTimeout}
}

// NewEngine builds the extraction engine named by cfg.Provider.
func NewEngine(cfg Config, logger *zap.Logger) (Engine, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return NewHeuristicEngine(logger), nil

	case "openai", "anthropic":
		model, err := NewModel(cfg)
		if err != nil {
			return nil, err
		}
		engine, err := NewLLMEngine(model, cfg.Provider, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Timeout > 0 {
			engine.timeout = cfg.Timeout
		}
		return engine, nil

	default:
		return nil, fmt.Errorf("unknown extraction provider: %s", cfg.Provider)
	}
}

// NewModel builds the language model client named by cfg.Provider. Callers
// that need a raw model rather than an extraction engine, such as the query
// assistant, use this directly. Heuristic has no model and returns nil.
func NewModel(cfg Config) (llms.Model, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return nil, nil

	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai API key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai client: %w", err)
		}
		return model, nil

	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key required")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating anthropic client: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unknown extraction provider: %s", cfg.Provider)
	}
}
