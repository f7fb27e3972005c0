package ai

import (
	"context"
	"net/http"
	"strings"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// openrouterConfig carries the optional attribution headers OpenRouter
// uses for its app rankings.
type openrouterConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Referer string `json:"http_referer"`
	Title   string `json:"x_title"`
}

type openrouterProvider struct {
	cfg    openrouterConfig
	client *http.Client
}

func (p *openrouterProvider) Name() string {
	return "openrouter"
}

func (p *openrouterProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	if p.cfg.APIKey == "" {
		return "", ErrUnavailable
	}
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	if p.cfg.Referer != "" {
		headers["HTTP-Referer"] = p.cfg.Referer
	}
	if p.cfg.Title != "" {
		headers["X-Title"] = p.cfg.Title
	}
	return chatCompletion(ctx, p.client, p.Name(), p.cfg.BaseURL, headers, model, prompt)
}

func init() {
	RegisterGenerate("openrouter", func(args interface{}) (IGenerateProvider, error) {
		var cfg openrouterConfig
		if err := decodeConfig(args, &cfg); err != nil {
			return nil, err
		}
		cfg.APIKey = strings.TrimSpace(cfg.APIKey)
		cfg.Referer = strings.TrimSpace(cfg.Referer)
		cfg.Title = strings.TrimSpace(cfg.Title)
		if cfg.BaseURL = strings.TrimSpace(cfg.BaseURL); cfg.BaseURL == "" {
			cfg.BaseURL = defaultOpenRouterBaseURL
		}
		return &openrouterProvider{cfg: cfg, client: http.DefaultClient}, nil
	})
}
