package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type GeneratorEntry struct {
	Name      string
	Generator IGenerator
}

type groupGenerator struct {
	items []GeneratorEntry
}

// NewGroupGenerator fails over across generators in order. Embedders are
// never grouped: a corpus must stay in one vector space.
func NewGroupGenerator(items []GeneratorEntry) IGenerator {
	live := make([]GeneratorEntry, 0, len(items))
	for _, item := range items {
		if item.Generator != nil {
			live = append(live, item)
		}
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return live[0].Generator
	}
	return &groupGenerator{items: live}
}

func (g *groupGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	errs := make([]error, 0, len(g.items))
	for _, item := range g.items {
		answer, err := item.Generator.Generate(ctx, prompt)
		if err == nil {
			return answer, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logutil.GetLogger(ctx).Warn("summary generator failed, trying next",
			zap.String("generator", item.Name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", item.Name, err))
	}
	return "", errors.Join(errs...)
}
