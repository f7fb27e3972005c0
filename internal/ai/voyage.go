package ai

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

const defaultVoyageBaseURL = "https://api.voyageai.com/v1"

type voyageConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type voyageProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type voyageEmbedRequest struct {
	Model           string   `json:"model"`
	Input           []string `json:"input"`
	InputType       string   `json:"input_type,omitempty"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

type voyageEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *voyageProvider) Name() string {
	return "voyage"
}

func (p *voyageProvider) Embed(ctx context.Context, model string, texts []string, taskType string, dimension int) ([][]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	reqBody := voyageEmbedRequest{
		Model: model,
		Input: texts,
	}
	switch taskType {
	case TaskTypeDocument:
		reqBody.InputType = "document"
	case TaskTypeQuery:
		reqBody.InputType = "query"
	}
	if strings.HasPrefix(model, "voyage-3.5") || model == "voyage-3-large" || model == "voyage-code-3" {
		reqBody.OutputDimension = dimension
	}
	var out voyageEmbedResponse
	endpoint := strings.TrimRight(p.baseURL, "/") + "/embeddings"
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, p.Name(), endpoint, headers, reqBody, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("voyage response has no embeddings: %w", appErr.ErrProvider)
	}
	sort.SliceStable(out.Data, func(i, j int) bool {
		return out.Data[i].Index < out.Data[j].Index
	})
	vectors := make([][]float32, 0, len(out.Data))
	for _, item := range out.Data {
		vectors = append(vectors, item.Embedding)
	}
	return vectors, nil
}

func (p *voyageProvider) Limits(model string) Limits {
	if strings.Contains(model, "lite") {
		return Limits{MaxItems: 1000, MaxTokens: 1000000}
	}
	return Limits{MaxItems: 1000, MaxTokens: 120000}
}

func createVoyageEmbedFactory(args interface{}) (IEmbedProvider, error) {
	cfg := &voyageConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultVoyageBaseURL
	}
	return &voyageProvider{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: baseURL,
		client:  http.DefaultClient,
	}, nil
}

func init() {
	RegisterEmbed("voyage", createVoyageEmbedFactory)
}
