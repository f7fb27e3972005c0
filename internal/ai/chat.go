package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

const groundedSystemPrompt = "You answer questions about software libraries using only the documentation excerpts supplied by the user. Say so when the excerpts do not cover the question."

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// chatCompletion calls an OpenAI compatible /chat/completions endpoint
// with a deterministic, documentation grounded setup.
func chatCompletion(ctx context.Context, client *http.Client, provider, baseURL string, headers map[string]string, model, prompt string) (string, error) {
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: groundedSystemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	var out chatResponse
	endpoint := strings.TrimRight(baseURL, "/") + "/chat/completions"
	if err := postJSON(ctx, client, provider, endpoint, headers, req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s response has no choices: %w", provider, appErr.ErrProvider)
	}
	answer := strings.TrimSpace(out.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("%s returned an empty answer (finish reason %q): %w",
			provider, out.Choices[0].FinishReason, appErr.ErrProvider)
	}
	return answer, nil
}
