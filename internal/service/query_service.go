package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/ai"
	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
	"github.com/xxxsen/docindex/internal/repo"
)

const maxTopK = 50

type QueryConfig struct {
	TopK             int
	Metric           string
	SummaryCacheSize int
	SummaryCacheTTL  time.Duration
	MaxQuestionChars int
}

type QueryOptions struct {
	VersionSpec string
	TopK        int
	Summarize   bool
}

type QueryService struct {
	libraries  ILibraryStore
	chunks     IChunkStore
	embedder   ai.IEmbedder
	summarizer *ai.Summarizer
	cfg        QueryConfig
	summaries  *expirable.LRU[string, string]
}

// NewQueryService builds the query engine. summarizer may be nil, in which
// case answers only carry the retrieved chunks.
func NewQueryService(libraries ILibraryStore, chunks IChunkStore, embedder ai.IEmbedder, summarizer *ai.Summarizer, cfg QueryConfig) *QueryService {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.SummaryCacheSize <= 0 {
		cfg.SummaryCacheSize = 1000
	}
	if cfg.SummaryCacheTTL <= 0 {
		cfg.SummaryCacheTTL = 2 * time.Hour
	}
	if cfg.MaxQuestionChars <= 0 {
		cfg.MaxQuestionChars = 4000
	}
	return &QueryService{
		libraries:  libraries,
		chunks:     chunks,
		embedder:   embedder,
		summarizer: summarizer,
		cfg:        cfg,
		summaries:  expirable.NewLRU[string, string](cfg.SummaryCacheSize, nil, cfg.SummaryCacheTTL),
	}
}

func (s *QueryService) Answer(ctx context.Context, name, question string, opts QueryOptions) (*model.QueryResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required: %w", appErr.ErrInvalid)
	}
	if len([]rune(question)) > s.cfg.MaxQuestionChars {
		return nil, fmt.Errorf("question exceeds %d characters: %w", s.cfg.MaxQuestionChars, appErr.ErrInvalid)
	}
	logger := logutil.GetLogger(ctx).With(zap.String("library", name))

	lib, err := resolveLibrary(ctx, s.libraries, name, opts.VersionSpec)
	if err != nil {
		return nil, err
	}
	stats, err := s.indexedStats(ctx, lib)
	if err != nil {
		return nil, err
	}

	vectors, err := s.embedder.Embed(ctx, []string{question}, ai.TaskTypeQuery)
	if err != nil {
		logger.Error("embed question failed", zap.Error(err))
		return nil, err
	}
	topK := s.topK(opts.TopK)
	hits, err := s.search(ctx, lib, stats, vectors[0], topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		// A swap may have committed between reading stats and searching.
		fresh, err := s.indexedStats(ctx, lib)
		if err != nil {
			return nil, err
		}
		if fresh.Version != stats.Version {
			stats = fresh
			if hits, err = s.search(ctx, lib, stats, vectors[0], topK); err != nil {
				return nil, err
			}
		}
	}

	res := &model.QueryResult{
		Library:  lib.Name,
		Version:  stats.Version,
		Question: question,
		Chunks:   hits,
	}
	if opts.Summarize && len(hits) > 0 {
		s.summarize(ctx, res, topK)
	}
	logger.Debug("query answered", zap.String("version", stats.Version), zap.Int("hits", len(hits)))
	return res, nil
}

// indexedStats returns the index metadata of a populated library and
// verifies it was built with the live embedder and metric.
func (s *QueryService) indexedStats(ctx context.Context, lib *model.LibraryConfig) (*model.LibraryStats, error) {
	stats, err := s.libraries.GetStats(ctx, lib.ID)
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil, fmt.Errorf("library %s@%s has not been populated yet, request population first: %w",
				lib.Name, lib.VersionSpec, appErr.ErrNotFound)
		}
		return nil, err
	}
	if stats.Dimension != s.embedder.Dimension() {
		return nil, fmt.Errorf("library %s indexed with %d dims, embedder produces %d, repopulate required: %w",
			lib.Name, stats.Dimension, s.embedder.Dimension(), appErr.ErrConfigMismatch)
	}
	if stats.EmbeddingModel != s.embedder.ModelName() {
		return nil, fmt.Errorf("library %s indexed with %s, embedder is %s, repopulate required: %w",
			lib.Name, stats.EmbeddingModel, s.embedder.ModelName(), appErr.ErrConfigMismatch)
	}
	if s.cfg.Metric != "" && stats.Metric != s.cfg.Metric {
		return nil, fmt.Errorf("library %s indexed for %s distance, configured %s: %w",
			lib.Name, stats.Metric, s.cfg.Metric, appErr.ErrConfigMismatch)
	}
	return stats, nil
}

func (s *QueryService) search(ctx context.Context, lib *model.LibraryConfig, stats *model.LibraryStats, vector []float32, topK int) ([]model.SearchHit, error) {
	return s.chunks.SimilaritySearch(ctx, repo.SearchParams{
		LibraryConfigID: lib.ID,
		Version:         stats.Version,
		Vector:          vector,
		Dimension:       stats.Dimension,
		Metric:          stats.Metric,
		Limit:           topK,
	})
}

func (s *QueryService) topK(requested int) int {
	k := s.cfg.TopK
	if requested > 0 {
		k = requested
	}
	if k > maxTopK {
		k = maxTopK
	}
	return k
}

// summarize fills the summary of res. Failures are reported on the result
// and never fail the query.
func (s *QueryService) summarize(ctx context.Context, res *model.QueryResult, topK int) {
	if s.summarizer == nil {
		res.SummaryError = ai.ErrUnavailable.Error()
		return
	}
	key := s.summaryKey(res, topK)
	if cached, ok := s.summaries.Get(key); ok {
		res.Summary = cached
		return
	}
	text, err := s.summarizer.Answer(ctx, res.Library, res.Version, res.Question, res.Chunks)
	if err != nil {
		logutil.GetLogger(ctx).Warn("summarize answer failed", zap.String("library", res.Library), zap.Error(err))
		res.SummaryError = err.Error()
		return
	}
	res.Summary = text
	s.summaries.Add(key, text)
}

func (s *QueryService) summaryKey(res *model.QueryResult, topK int) string {
	hash := sha256.Sum256([]byte(res.Library + "\n" + res.Version + "\n" + strconv.Itoa(topK) + "\n" + res.Question))
	return "summary:" + hex.EncodeToString(hash[:])
}
