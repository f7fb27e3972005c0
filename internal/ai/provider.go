package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TaskTypeDocument = "document"
	TaskTypeQuery    = "query"
)

// Limits caps the size of one embedding request.
type Limits struct {
	MaxItems  int `json:"max_items"`
	MaxTokens int `json:"max_tokens"`
}

type IGenerateProvider interface {
	Name() string
	Generate(ctx context.Context, model string, prompt string) (string, error)
}

type IEmbedProvider interface {
	Name() string
	Embed(ctx context.Context, model string, texts []string, taskType string, dimension int) ([][]float32, error)
	Limits(model string) Limits
}

type IGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// IEmbedder embeds a batch of texts into vectors of a fixed width, in
// input order.
type IEmbedder interface {
	Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error)
	ModelName() string
	Dimension() int
	Limits() Limits
}

type GenerateProviderFactory func(args interface{}) (IGenerateProvider, error)

type EmbedProviderFactory func(args interface{}) (IEmbedProvider, error)

var (
	generateRegistry = map[string]GenerateProviderFactory{}
	embedRegistry    = map[string]EmbedProviderFactory{}
)

func RegisterGenerate(name string, factory GenerateProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	generateRegistry[key] = factory
}

func RegisterEmbed(name string, factory EmbedProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	embedRegistry[key] = factory
}

func NewGenerateProvider(name string, args interface{}) (IGenerateProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("generate provider is required")
	}
	factory := generateRegistry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported generate provider: %s", name)
	}
	return factory(args)
}

func NewEmbedProvider(name string, args interface{}) (IEmbedProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("embed provider is required")
	}
	factory := embedRegistry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported embed provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("ai provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}
