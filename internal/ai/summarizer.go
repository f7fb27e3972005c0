package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/docindex/internal/model"
)

type SummarizerConfig struct {
	Timeout       int
	MaxInputChars int
}

// Summarizer composes a natural language answer grounded in retrieved
// documentation chunks.
type Summarizer struct {
	gen IGenerator
	cfg SummarizerConfig
}

func NewSummarizer(gen IGenerator, cfg SummarizerConfig) *Summarizer {
	if gen == nil {
		return nil
	}
	return &Summarizer{gen: gen, cfg: cfg}
}

func (s *Summarizer) Answer(ctx context.Context, library, version, question string, hits []model.SearchHit) (string, error) {
	if s == nil || s.gen == nil {
		return "", fmt.Errorf("summarizer not configured")
	}
	if len(hits) == 0 {
		return "", fmt.Errorf("no documentation to summarize")
	}
	prompt := BuildAnswerPrompt(library, version, question, hits, s.cfg.MaxInputChars)
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Timeout)*time.Second)
		defer cancel()
	}
	resp, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp)
	if text == "" {
		return "", fmt.Errorf("empty ai response")
	}
	return text, nil
}

// BuildAnswerPrompt renders the retrieved chunks in rank order, dropping
// the tail once maxChars is reached.
func BuildAnswerPrompt(library, version, question string, hits []model.SearchHit, maxChars int) string {
	var ctxBuf strings.Builder
	for i, hit := range hits {
		block := fmt.Sprintf("[%d] %s\n%s\n\n", i+1, hit.ItemPath, strings.TrimSpace(hit.Content))
		if maxChars > 0 && ctxBuf.Len()+len(block) > maxChars && ctxBuf.Len() > 0 {
			break
		}
		ctxBuf.WriteString(block)
	}
	return fmt.Sprintf(`You are an expert on the %s library (version %s).
Answer the question using ONLY the documentation excerpts below.
- Cite the excerpt numbers you rely on, like [1].
- If the excerpts do not contain the answer, say so plainly.
- Include a short code example when the excerpts show one.

DOCUMENTATION:
%s
QUESTION:
%s`, library, version, ctxBuf.String(), strings.TrimSpace(question))
}
