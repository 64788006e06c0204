// Package embedding turns node content into vectors for similarity and
// cue matching.
package embedding

import (
	"context"
	"fmt"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider" yaml:"provider"` // "openai", "local" or empty to disable
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Model     string `json:"model" yaml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Dimension int    `json:"dimension" yaml:"dimension"`
}

// New builds the provider named by cfg.Provider. An empty provider returns
// nil: the engine then falls back to lexical similarity.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai", "api":
		return NewOpenAIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}
