package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/config"
	"github.com/xxxsen/docindex/internal/db"
	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/pkg/dbutil"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

// IndexMeta describes the embedding space a chunk set was produced in.
type IndexMeta struct {
	Model     string
	Dimension int
	Metric    string
}

// SearchParams selects the library generation and ranking for a query.
type SearchParams struct {
	LibraryConfigID int64
	Version         string
	Vector          []float32
	Dimension       int
	Metric          string
	Limit           int
}

type ChunkRepo struct {
	db *sql.DB

	scanOnce  sync.Once
	iterative bool
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// ReplaceChunks swaps the chunk set of a library for a new generation in a
// single transaction. Readers see either the old set or the new one.
func (r *ChunkRepo) ReplaceChunks(ctx context.Context, cfg *model.LibraryConfig, version string, records []model.ChunkRecord, meta IndexMeta) (*model.LibraryStats, error) {
	totalTokens := 0
	for i := range records {
		if len(records[i].Embedding) != meta.Dimension {
			return nil, fmt.Errorf("chunk %s has %d dims, want %d: %w",
				records[i].ItemPath, len(records[i].Embedding), meta.Dimension, appErr.ErrConfigMismatch)
		}
		totalTokens += records[i].TokenCount
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbutil.Storage("begin replace chunks", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM library_configs WHERE id = $1 FOR UPDATE`, cfg.ID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, dbutil.Storage("lock library config", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_chunks WHERE library_config_id = $1`, cfg.ID); err != nil {
		return nil, dbutil.Storage("delete old chunks", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("doc_chunks",
		"library_config_id", "library_name", "version", "item_path", "position",
		"content", "token_count", "char_count", "dimension", "embedding"))
	if err != nil {
		return nil, dbutil.Storage("prepare chunk copy", err)
	}
	for i := range records {
		rec := &records[i]
		if _, err := stmt.ExecContext(ctx,
			cfg.ID,
			cfg.Name,
			version,
			rec.ItemPath,
			rec.Position,
			rec.Content,
			rec.TokenCount,
			utf8.RuneCountInString(rec.Content),
			meta.Dimension,
			pgvector.NewVector(rec.Embedding),
		); err != nil {
			_ = stmt.Close()
			return nil, dbutil.Storage("copy chunk", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return nil, dbutil.Storage("flush chunk copy", err)
	}
	if err := stmt.Close(); err != nil {
		return nil, dbutil.Storage("close chunk copy", err)
	}

	const statsQuery = `
		INSERT INTO library_stats (library_config_id, version, chunk_count, total_tokens, embedding_model, dimension, metric, mtime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP)
		ON CONFLICT (library_config_id) DO UPDATE SET
			version = EXCLUDED.version,
			chunk_count = EXCLUDED.chunk_count,
			total_tokens = EXCLUDED.total_tokens,
			embedding_model = EXCLUDED.embedding_model,
			dimension = EXCLUDED.dimension,
			metric = EXCLUDED.metric,
			mtime = EXCLUDED.mtime
		RETURNING mtime
	`
	stats := &model.LibraryStats{
		LibraryConfigID: cfg.ID,
		Version:         version,
		ChunkCount:      len(records),
		TotalTokens:     totalTokens,
		EmbeddingModel:  meta.Model,
		Dimension:       meta.Dimension,
		Metric:          meta.Metric,
	}
	if err := tx.QueryRowContext(ctx, statsQuery,
		stats.LibraryConfigID, stats.Version, stats.ChunkCount, stats.TotalTokens,
		stats.EmbeddingModel, stats.Dimension, stats.Metric,
	).Scan(&stats.Mtime); err != nil {
		return nil, dbutil.Storage("upsert library stats", err)
	}

	const stampQuery = `
		UPDATE library_configs SET
			current_version = $1,
			last_populated = CURRENT_TIMESTAMP,
			last_checked = CURRENT_TIMESTAMP,
			mtime = CURRENT_TIMESTAMP
		WHERE id = $2
	`
	if _, err := tx.ExecContext(ctx, stampQuery, version, cfg.ID); err != nil {
		return nil, dbutil.Storage("stamp library config", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, dbutil.Storage("commit replace chunks", err)
	}
	return stats, nil
}

// SimilaritySearch ranks the chunks of one library generation by distance
// to the query vector. Ties are broken by item path.
//
// The hnsw index is shared by every library, and pgvector applies the
// library filter after the index scan, so a scan that yields fewer rows than
// the library holds is repeated exactly.
func (r *ChunkRepo) SimilaritySearch(ctx context.Context, p SearchParams) ([]model.SearchHit, error) {
	if len(p.Vector) != p.Dimension {
		return nil, fmt.Errorf("query vector has %d dims, want %d: %w", len(p.Vector), p.Dimension, appErr.ErrConfigMismatch)
	}
	if p.Limit <= 0 {
		return []model.SearchHit{}, nil
	}
	iterative := r.iterativeScan(ctx)

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, dbutil.Storage("begin similarity search", err)
	}
	defer func() { _ = tx.Rollback() }()

	if iterative {
		if _, err := tx.ExecContext(ctx, `SET LOCAL hnsw.iterative_scan = relaxed_order`); err != nil {
			return nil, dbutil.Storage("enable iterative scan", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, efSearch(p.Limit))); err != nil {
		return nil, dbutil.Storage("set ef_search", err)
	}
	hits, err := r.search(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if len(hits) >= p.Limit {
		return hits, nil
	}
	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM doc_chunks WHERE library_config_id = $1 AND version = $2 AND dimension = $3`,
		p.LibraryConfigID, p.Version, p.Dimension,
	).Scan(&total); err != nil {
		return nil, dbutil.Storage("count searchable chunks", err)
	}
	if total <= len(hits) {
		return hits, nil
	}
	logutil.GetLogger(ctx).Debug("ann scan missed filtered rows, using exact scan",
		zap.Int64("library_config_id", p.LibraryConfigID),
		zap.Int("hits", len(hits)),
		zap.Int("chunks", total))
	if _, err := tx.ExecContext(ctx, `SET LOCAL enable_indexscan = off`); err != nil {
		return nil, dbutil.Storage("disable index scan", err)
	}
	return r.search(ctx, tx, p)
}

func (r *ChunkRepo) search(ctx context.Context, tx *sql.Tx, p SearchParams) ([]model.SearchHit, error) {
	op := "<=>"
	if p.Metric == config.MetricL2 {
		op = "<->"
	}
	// the cast has to match the index expression built by db.EnsureVectorIndex
	column, arg := "embedding", "$1::vector"
	if typ := db.VectorType(p.Dimension); typ != "" {
		column = fmt.Sprintf("(embedding::%s(%d))", typ, p.Dimension)
		arg = fmt.Sprintf("$1::%s(%d)", typ, p.Dimension)
	}
	// the inner query only orders by distance so the index can serve it;
	// ties and relaxed ordering are settled outside
	query := fmt.Sprintf(`
		WITH candidates AS MATERIALIZED (
			SELECT item_path, position, content, version, %s %s %s AS distance
			FROM doc_chunks
			WHERE library_config_id = $2 AND version = $3 AND dimension = $4
			ORDER BY distance
			LIMIT $5
		)
		SELECT item_path, content, version, distance
		FROM candidates
		ORDER BY distance ASC, item_path ASC, position ASC
		LIMIT $6`, column, op, arg)
	rows, err := tx.QueryContext(ctx, query,
		pgvector.NewVector(p.Vector), p.LibraryConfigID, p.Version, p.Dimension, candidateLimit(p.Limit), p.Limit)
	if err != nil {
		return nil, dbutil.Storage("similarity search", err)
	}
	defer rows.Close()
	out := make([]model.SearchHit, 0, p.Limit)
	for rows.Next() {
		var hit model.SearchHit
		if err := rows.Scan(&hit.ItemPath, &hit.Content, &hit.Version, &hit.Distance); err != nil {
			return nil, dbutil.Storage("scan search hit", err)
		}
		hit.Score = Score(p.Metric, hit.Distance)
		out = append(out, hit)
	}
	return out, dbutil.Storage("similarity search", rows.Err())
}

// iterativeScan reports whether the installed pgvector keeps scanning the
// hnsw index until enough rows pass the filters (0.8 and later).
func (r *ChunkRepo) iterativeScan(ctx context.Context) bool {
	r.scanOnce.Do(func() {
		var version string
		err := r.db.QueryRowContext(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version)
		if err != nil {
			logutil.GetLogger(ctx).Warn("detect pgvector version failed", zap.Error(err))
			return
		}
		r.iterative = versionAtLeast(version, 0, 8)
	})
	return r.iterative
}

func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(strings.TrimSpace(version), ".", 3)
	if len(parts) < 2 {
		return false
	}
	gotMajor, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	gotMinor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return gotMajor > major || (gotMajor == major && gotMinor >= minor)
}

// efSearch sizes the hnsw candidate list for a request; pgvector accepts
// 1 to 1000.
func efSearch(limit int) int {
	ef := limit * 4
	if ef < 100 {
		ef = 100
	}
	if ef > 1000 {
		ef = 1000
	}
	return ef
}

func candidateLimit(limit int) int {
	if limit < 10 {
		return limit + 10
	}
	return limit * 2
}

func (r *ChunkRepo) Count(ctx context.Context, libraryConfigID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM doc_chunks WHERE library_config_id = $1`, libraryConfigID).Scan(&n)
	if err != nil {
		return 0, dbutil.Storage("count chunks", err)
	}
	return n, nil
}

// Score turns a distance into a higher-is-better relevance value.
func Score(metric string, distance float64) float64 {
	if metric == config.MetricL2 {
		return 1 / (1 + distance)
	}
	return 1 - distance
}
