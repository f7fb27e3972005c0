package chunker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

const minChunkTokens = 16

// Result is the chunked form of one library version.
type Result struct {
	Chunks       []model.Chunk
	Skipped      int
	SkippedPaths []string
}

// item is one semantic documentation unit before splitting.
type item struct {
	path string
	text string
}

type Chunker struct {
	maxTokens int
}

func New(maxTokens int) *Chunker {
	if maxTokens < minChunkTokens {
		maxTokens = minChunkTokens
	}
	return &Chunker{maxTokens: maxTokens}
}

// Chunk turns fetched pages into ordered chunks. Pages are processed in
// path order so the same page set always yields the same chunks. A page or
// member item that cannot be parsed is skipped and counted; the call only
// fails when nothing survives.
func (c *Chunker) Chunk(ctx context.Context, pages []model.Page) (*Result, error) {
	logger := logutil.GetLogger(ctx)
	sorted := make([]model.Page, len(pages))
	copy(sorted, pages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	res := &Result{}
	position := 0
	for _, page := range sorted {
		items, skipped, err := extractItems(page)
		if err != nil {
			res.Skipped++
			res.SkippedPaths = append(res.SkippedPaths, page.Path)
			logger.Warn("skip unparsable page", zap.String("path", page.Path), zap.Error(err))
			continue
		}
		for _, p := range skipped {
			res.Skipped++
			res.SkippedPaths = append(res.SkippedPaths, p)
			logger.Warn("skip unparsable item", zap.String("item", p))
		}
		for _, it := range items {
			parts := split(it.text, c.maxTokens)
			for i, part := range parts {
				path := it.path
				if len(parts) > 1 {
					path += "#" + strconv.Itoa(i+1)
				}
				res.Chunks = append(res.Chunks, model.Chunk{
					ItemPath:   path,
					Content:    part,
					TokenCount: EstimateTokens(part),
					Position:   position,
				})
				position++
			}
		}
		logger.Debug("page chunked", zap.String("path", page.Path), zap.Int("items", len(items)))
	}
	if len(res.Chunks) == 0 {
		return res, fmt.Errorf("no documentation items in %d pages: %w", len(pages), appErr.ErrParse)
	}
	logger.Info("chunking completed",
		zap.Int("pages", len(pages)),
		zap.Int("chunks", len(res.Chunks)),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func extractItems(page model.Page) ([]item, []string, error) {
	if strings.HasSuffix(page.Path, ".md") {
		return markdownItems(page)
	}
	return rustdocItems(page)
}

// parseError marks one page whose structure is not recognised.
func parseError(path, reason string) error {
	return fmt.Errorf("%s: %s: %w", path, reason, appErr.ErrParse)
}

// EstimateTokens approximates the model token count of text.
func EstimateTokens(text string) int {
	// one token per word, plus one per non ascii rune for CJK text
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}
