package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

var ErrUnavailable = fmt.Errorf("ai provider unavailable: %w", appErr.ErrProvider)

// postJSON sends body to endpoint and decodes the answer into out. Status
// codes are mapped onto the provider error taxonomy: 429 is rate limited,
// 408 and 5xx are transient, every other failure is a provider error.
func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return classifyTransport(provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(provider, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode response: %w: %w", provider, appErr.ErrProvider, err)
	}
	return nil
}

func classifyStatus(provider string, status int, body string) error {
	msg := fmt.Sprintf("%s request failed: %d %s: %s", provider, status, http.StatusText(status), body)
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", msg, appErr.ErrRateLimited)
	case status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%s: %w", msg, appErr.ErrTransient)
	default:
		return fmt.Errorf("%s: %w", msg, appErr.ErrProvider)
	}
}

func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s request timeout: %w: %w", provider, appErr.ErrTransient, err)
	}
	return fmt.Errorf("%s request failed: %w: %w", provider, appErr.ErrTransient, err)
}
