package embedcache

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/ai"
)

type IEmbeddingCacheStore interface {
	GetMany(ctx context.Context, modelName string, hashes []string) (map[string][]float32, error)
	SaveMany(ctx context.Context, modelName string, items map[string][]float32, ctime int64) error
}

// WrapDBCacheToEmbedder persists vectors by model and content hash so a
// repopulation of unchanged documentation costs no provider calls.
func WrapDBCacheToEmbedder(e ai.IEmbedder, store IEmbeddingCacheStore) ai.IEmbedder {
	if e == nil || store == nil {
		return e
	}
	return &dbEmbedder{next: e, store: store, now: time.Now}
}

type dbEmbedder struct {
	next  ai.IEmbedder
	store IEmbeddingCacheStore
	now   func() time.Time
}

func (d *dbEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	logger := logutil.GetLogger(ctx)
	modelName := d.next.ModelName()
	hashes := make([]string, len(texts))
	for i, text := range texts {
		_, hashes[i], modelName = buildCacheKey(d.next.ModelName(), taskType, text)
	}
	cached, err := d.store.GetMany(ctx, modelName, hashes)
	if err != nil {
		logger.Warn("read embedding cache failed", zap.Error(err))
		cached = nil
	}
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, h := range hashes {
		if vec, ok := cached[h]; ok && len(vec) == d.next.Dimension() {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, texts[i])
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		logger.Debug("embedding cache hit (db)", zap.Int("count", len(texts)))
		return out, nil
	}
	res, err := d.next.Embed(ctx, missTexts, taskType)
	if err != nil {
		return nil, err
	}
	save := make(map[string][]float32, len(res))
	for j, vec := range res {
		out[missIdx[j]] = vec
		save[hashes[missIdx[j]]] = vec
	}
	if err := d.store.SaveMany(ctx, modelName, save, d.now().Unix()); err != nil {
		logger.Warn("failed to cache embedding", zap.Error(err))
	}
	logger.Debug("embedding cache (db)", zap.Int("hits", len(texts)-len(missTexts)), zap.Int("misses", len(missTexts)))
	return out, nil
}

func (d *dbEmbedder) ModelName() string {
	return d.next.ModelName()
}

func (d *dbEmbedder) Dimension() int {
	return d.next.Dimension()
}

func (d *dbEmbedder) Limits() ai.Limits {
	return d.next.Limits()
}
