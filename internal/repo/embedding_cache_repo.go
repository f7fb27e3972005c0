package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/docindex/internal/pkg/dbutil"
)

type EmbeddingCacheRepo struct {
	db *sql.DB
}

func NewEmbeddingCacheRepo(db *sql.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db}
}

// GetMany returns the cached vectors for the given content hashes. Missing
// hashes are absent from the result.
func (r *EmbeddingCacheRepo) GetMany(ctx context.Context, modelName string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT content_hash, embedding
		FROM embedding_cache
		WHERE model_name = ? AND content_hash IN (?)`, modelName, hashes)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, dbutil.Storage("get cached embeddings", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		var vec pgvector.Vector
		if err := rows.Scan(&hash, &vec); err != nil {
			return nil, dbutil.Storage("scan cached embedding", err)
		}
		out[hash] = vec.Slice()
	}
	return out, dbutil.Storage("get cached embeddings", rows.Err())
}

func (r *EmbeddingCacheRepo) SaveMany(ctx context.Context, modelName string, items map[string][]float32, ctime int64) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbutil.Storage("begin save embeddings", err)
	}
	defer func() { _ = tx.Rollback() }()
	const query = `
		INSERT INTO embedding_cache (model_name, content_hash, embedding, ctime)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_name, content_hash) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			ctime = EXCLUDED.ctime
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return dbutil.Storage("prepare save embeddings", err)
	}
	defer stmt.Close()
	for hash, vec := range items {
		if _, err := stmt.ExecContext(ctx, modelName, hash, pgvector.NewVector(vec), ctime); err != nil {
			return dbutil.Storage("save embedding", err)
		}
	}
	return dbutil.Storage("commit save embeddings", tx.Commit())
}

func (r *EmbeddingCacheRepo) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	const query = `DELETE FROM embedding_cache WHERE ctime < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, dbutil.Storage("delete cached embeddings", err)
	}
	return res.RowsAffected()
}
