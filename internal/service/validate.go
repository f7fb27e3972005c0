package service

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

var libraryNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// normalizeSpec validates a library request and fills defaults.
func normalizeSpec(spec model.LibrarySpec) (*model.LibraryConfig, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("library name is required: %w", appErr.ErrInvalid)
	}
	if !libraryNameRegex.MatchString(name) {
		return nil, fmt.Errorf("invalid library name %q: %w", name, appErr.ErrInvalid)
	}
	version := strings.TrimSpace(spec.VersionSpec)
	if version == "" {
		version = model.VersionLatest
	}
	if version != model.VersionLatest && !strings.ContainsFunc(version, unicode.IsDigit) {
		return nil, fmt.Errorf("version must be %q or contain a number, got %q: %w", model.VersionLatest, version, appErr.ErrInvalid)
	}
	if strings.ContainsAny(version, "/ ") {
		return nil, fmt.Errorf("invalid version %q: %w", version, appErr.ErrInvalid)
	}
	if spec.ExpectedChunks < 0 {
		return nil, fmt.Errorf("expected_chunks must not be negative: %w", appErr.ErrInvalid)
	}
	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	return &model.LibraryConfig{
		Name:           name,
		VersionSpec:    version,
		Features:       normalizeFeatures(spec.Features),
		ExpectedChunks: spec.ExpectedChunks,
		Enabled:        enabled,
	}, nil
}

func normalizeFeatures(features []string) []string {
	seen := make(map[string]bool, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
