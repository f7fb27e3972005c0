package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

type EmbedderConfig struct {
	Model     string
	Dimension int
	Limits    Limits
	Timeout   time.Duration
}

type embedder struct {
	provider IEmbedProvider
	cfg      EmbedderConfig
}

// NewEmbedder binds a provider to one model. Zero limits fall back to the
// provider defaults for that model.
func NewEmbedder(p IEmbedProvider, cfg EmbedderConfig) IEmbedder {
	def := p.Limits(cfg.Model)
	if cfg.Limits.MaxItems <= 0 || (def.MaxItems > 0 && cfg.Limits.MaxItems > def.MaxItems) {
		cfg.Limits.MaxItems = def.MaxItems
	}
	if cfg.Limits.MaxTokens <= 0 || (def.MaxTokens > 0 && cfg.Limits.MaxTokens > def.MaxTokens) {
		cfg.Limits.MaxTokens = def.MaxTokens
	}
	return &embedder{provider: p, cfg: cfg}
}

func (e *embedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if e.cfg.Limits.MaxItems > 0 && len(texts) > e.cfg.Limits.MaxItems {
		return nil, fmt.Errorf("batch of %d exceeds %d items: %w", len(texts), e.cfg.Limits.MaxItems, appErr.ErrInvalid)
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	out, err := e.provider.Embed(ctx, e.cfg.Model, texts, taskType, e.cfg.Dimension)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, appErr.ErrTransient) {
			return nil, fmt.Errorf("%s embed timeout: %w: %w", e.provider.Name(), appErr.ErrTransient, err)
		}
		return nil, err
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("%s returned %d vectors for %d inputs: %w", e.provider.Name(), len(out), len(texts), appErr.ErrProvider)
	}
	for i, vec := range out {
		if len(vec) != e.cfg.Dimension {
			return nil, fmt.Errorf("%s returned %d dims at %d, want %d: %w",
				e.provider.Name(), len(vec), i, e.cfg.Dimension, appErr.ErrConfigMismatch)
		}
	}
	return out, nil
}

func (e *embedder) ModelName() string {
	return e.provider.Name() + ":" + strings.TrimSpace(e.cfg.Model)
}

func (e *embedder) Dimension() int {
	return e.cfg.Dimension
}

func (e *embedder) Limits() Limits {
	return e.cfg.Limits
}

type generator struct {
	provider IGenerateProvider
	model    string
}

func NewGenerator(p IGenerateProvider, model string) IGenerator {
	return &generator{provider: p, model: model}
}

func (g *generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.provider.Generate(ctx, g.model, prompt)
}
