package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

// resolveLibrary finds the configuration a caller means by name and an
// optional specifier. Without a specifier the "latest" entry wins, then
// the most recently populated one.
func resolveLibrary(ctx context.Context, libraries ILibraryStore, name, versionSpec string) (*model.LibraryConfig, error) {
	name = strings.TrimSpace(name)
	versionSpec = strings.TrimSpace(versionSpec)
	if name == "" {
		return nil, fmt.Errorf("library name is required: %w", appErr.ErrInvalid)
	}
	if versionSpec != "" {
		cfg, err := libraries.Get(ctx, name, versionSpec)
		if err != nil {
			if appErr.IsNotFound(err) {
				return nil, fmt.Errorf("library %s@%s is not configured: %w", name, versionSpec, appErr.ErrNotFound)
			}
			return nil, err
		}
		return cfg, nil
	}
	configs, err := libraries.ListByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("library %s is not configured: %w", name, appErr.ErrNotFound)
	}
	var best *model.LibraryConfig
	for i := range configs {
		cfg := &configs[i]
		if cfg.VersionSpec == model.VersionLatest {
			return cfg, nil
		}
		if best == nil || newerPopulation(cfg, best) {
			best = cfg
		}
	}
	return best, nil
}

func newerPopulation(a, b *model.LibraryConfig) bool {
	switch {
	case a.LastPopulated == nil:
		return false
	case b.LastPopulated == nil:
		return true
	}
	return a.LastPopulated.After(*b.LastPopulated)
}
