package ai

import (
	"fmt"
	"time"

	"github.com/xxxsen/docindex/internal/config"
)

// BuildEmbedder creates the deployment embedder described by cfg.
func BuildEmbedder(cfg config.EmbeddingConfig) (IEmbedder, error) {
	provider, err := NewEmbedProvider(cfg.Provider, cfg.Data)
	if err != nil {
		return nil, err
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension is required")
	}
	return NewEmbedder(provider, EmbedderConfig{
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		Limits:    Limits{MaxItems: cfg.MaxBatchItems, MaxTokens: cfg.MaxBatchTokens},
		Timeout:   time.Duration(cfg.Timeout) * time.Second,
	}), nil
}

// BuildSummarizer returns nil when summaries are disabled.
func BuildSummarizer(cfg config.SummarizerConfig) (*Summarizer, error) {
	if !cfg.Enabled || len(cfg.Providers) == 0 {
		return nil, nil
	}
	entries := make([]GeneratorEntry, 0, len(cfg.Providers))
	for _, item := range cfg.Providers {
		provider, err := NewGenerateProvider(item.Provider, item.Data)
		if err != nil {
			return nil, fmt.Errorf("summarizer provider %s: %w", item.Name, err)
		}
		name := item.Name
		if name == "" {
			name = item.Provider + ":" + item.Model
		}
		entries = append(entries, GeneratorEntry{Name: name, Generator: NewGenerator(provider, item.Model)})
	}
	return NewSummarizer(NewGroupGenerator(entries), SummarizerConfig{
		Timeout:       cfg.Timeout,
		MaxInputChars: cfg.MaxInputChars,
	}), nil
}
