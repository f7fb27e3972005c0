package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/lib/pq"

	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/pkg/dbutil"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

var libraryColumns = []string{
	"id", "name", "version_spec", "current_version", "features", "expected_chunks",
	"enabled", "last_checked", "last_populated", "ctime", "mtime",
}

var librarySelect = "SELECT " + strings.Join(libraryColumns, ", ") + " FROM library_configs"

type LibraryRepo struct {
	db *sql.DB
}

func NewLibraryRepo(db *sql.DB) *LibraryRepo {
	return &LibraryRepo{db: db}
}

// Upsert inserts or updates the user controlled attributes of a library.
// The resolved version and timestamps are owned by the population path.
func (r *LibraryRepo) Upsert(ctx context.Context, cfg *model.LibraryConfig) (*model.LibraryConfig, error) {
	features := cfg.Features
	if features == nil {
		features = []string{}
	}
	query := `
		INSERT INTO library_configs (name, version_spec, features, expected_chunks, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, version_spec) DO UPDATE SET
			features = EXCLUDED.features,
			expected_chunks = EXCLUDED.expected_chunks,
			enabled = EXCLUDED.enabled,
			mtime = CURRENT_TIMESTAMP
		RETURNING ` + strings.Join(libraryColumns, ", ")
	row := r.db.QueryRowContext(ctx, query,
		cfg.Name,
		cfg.VersionSpec,
		pq.Array(features),
		cfg.ExpectedChunks,
		cfg.Enabled,
	)
	out, err := scanLibrary(row)
	if err != nil {
		return nil, dbutil.Storage("upsert library config", err)
	}
	return out, nil
}

func (r *LibraryRepo) Get(ctx context.Context, name, versionSpec string) (*model.LibraryConfig, error) {
	row := r.db.QueryRowContext(ctx, librarySelect+" WHERE name = $1 AND version_spec = $2", name, versionSpec)
	cfg, err := scanLibrary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, dbutil.Storage("get library config", err)
	}
	return cfg, nil
}

func (r *LibraryRepo) GetByID(ctx context.Context, id int64) (*model.LibraryConfig, error) {
	row := r.db.QueryRowContext(ctx, librarySelect+" WHERE id = $1", id)
	cfg, err := scanLibrary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, dbutil.Storage("get library config", err)
	}
	return cfg, nil
}

func (r *LibraryRepo) ListByName(ctx context.Context, name string) ([]model.LibraryConfig, error) {
	return r.query(ctx, "list library configs by name", librarySelect+" WHERE name = $1 ORDER BY version_spec", name)
}

func (r *LibraryRepo) List(ctx context.Context, enabledOnly bool) ([]model.LibraryConfig, error) {
	where := map[string]interface{}{
		"_orderby": "name asc, version_spec asc",
	}
	if enabledOnly {
		where["enabled"] = true
	}
	sqlStr, args, err := builder.BuildSelect("library_configs", where, libraryColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	return r.query(ctx, "list library configs", sqlStr, args...)
}

func (r *LibraryRepo) ListNeverPopulated(ctx context.Context) ([]model.LibraryConfig, error) {
	return r.query(ctx, "list unpopulated libraries",
		librarySelect+" WHERE enabled = TRUE AND last_populated IS NULL ORDER BY name, version_spec")
}

// ListNeedingRefresh returns populated "latest" libraries whose upstream
// version was last checked before the cutoff.
func (r *LibraryRepo) ListNeedingRefresh(ctx context.Context, checkedBefore time.Time) ([]model.LibraryConfig, error) {
	return r.query(ctx, "list stale libraries", librarySelect+`
		WHERE enabled = TRUE
			AND version_spec = $1
			AND last_populated IS NOT NULL
			AND (last_checked IS NULL OR last_checked < $2)
		ORDER BY name`, model.VersionLatest, checkedBefore)
}

func (r *LibraryRepo) MarkChecked(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE library_configs SET last_checked = $1 WHERE id = $2`, at, id)
	return dbutil.Storage("mark library checked", err)
}

func (r *LibraryRepo) Delete(ctx context.Context, name, versionSpec string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM library_configs WHERE name = $1 AND version_spec = $2`, name, versionSpec)
	if err != nil {
		return false, dbutil.Storage("delete library config", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, dbutil.Storage("delete library config", err)
	}
	return affected > 0, nil
}

func (r *LibraryRepo) GetStats(ctx context.Context, libraryConfigID int64) (*model.LibraryStats, error) {
	const query = `
		SELECT library_config_id, version, chunk_count, total_tokens, embedding_model, dimension, metric, mtime
		FROM library_stats
		WHERE library_config_id = $1
	`
	var st model.LibraryStats
	err := r.db.QueryRowContext(ctx, query, libraryConfigID).Scan(
		&st.LibraryConfigID, &st.Version, &st.ChunkCount, &st.TotalTokens,
		&st.EmbeddingModel, &st.Dimension, &st.Metric, &st.Mtime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, dbutil.Storage("get library stats", err)
	}
	return &st, nil
}

func (r *LibraryRepo) ListSummaries(ctx context.Context, enabledOnly bool) ([]model.LibrarySummary, error) {
	query := `
		SELECT c.id, c.name, c.version_spec, c.current_version, c.features, c.expected_chunks,
			c.enabled, c.last_checked, c.last_populated, c.ctime, c.mtime,
			s.version, s.chunk_count, s.total_tokens, s.embedding_model, s.dimension, s.metric, s.mtime
		FROM library_configs c
		LEFT JOIN library_stats s ON s.library_config_id = c.id
	`
	if enabledOnly {
		query += " WHERE c.enabled = TRUE"
	}
	query += " ORDER BY c.name, c.version_spec"
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, dbutil.Storage("list library summaries", err)
	}
	defer rows.Close()
	var out []model.LibrarySummary
	for rows.Next() {
		var (
			lr          libraryRow
			version     sql.NullString
			chunkCount  sql.NullInt64
			totalTokens sql.NullInt64
			modelName   sql.NullString
			dimension   sql.NullInt64
			metric      sql.NullString
			statsMtime  sql.NullTime
		)
		dest := append(lr.dest(), &version, &chunkCount, &totalTokens, &modelName, &dimension, &metric, &statsMtime)
		if err := rows.Scan(dest...); err != nil {
			return nil, dbutil.Storage("scan library summary", err)
		}
		item := model.LibrarySummary{Config: lr.model()}
		if version.Valid {
			item.Stats = &model.LibraryStats{
				LibraryConfigID: item.Config.ID,
				Version:         version.String,
				ChunkCount:      int(chunkCount.Int64),
				TotalTokens:     int(totalTokens.Int64),
				EmbeddingModel:  modelName.String,
				Dimension:       int(dimension.Int64),
				Metric:          metric.String,
				Mtime:           statsMtime.Time,
			}
		}
		out = append(out, item)
	}
	return out, dbutil.Storage("list library summaries", rows.Err())
}

func (r *LibraryRepo) query(ctx context.Context, op, query string, args ...interface{}) ([]model.LibraryConfig, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbutil.Storage(op, err)
	}
	defer rows.Close()
	var out []model.LibraryConfig
	for rows.Next() {
		cfg, err := scanLibrary(rows)
		if err != nil {
			return nil, dbutil.Storage(op, err)
		}
		out = append(out, *cfg)
	}
	return out, dbutil.Storage(op, rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type libraryRow struct {
	cfg            model.LibraryConfig
	currentVersion sql.NullString
	lastChecked    sql.NullTime
	lastPopulated  sql.NullTime
}

func (r *libraryRow) dest() []interface{} {
	return []interface{}{
		&r.cfg.ID, &r.cfg.Name, &r.cfg.VersionSpec, &r.currentVersion, pq.Array(&r.cfg.Features),
		&r.cfg.ExpectedChunks, &r.cfg.Enabled, &r.lastChecked, &r.lastPopulated, &r.cfg.Ctime, &r.cfg.Mtime,
	}
}

func (r *libraryRow) model() model.LibraryConfig {
	cfg := r.cfg
	if r.currentVersion.Valid {
		v := r.currentVersion.String
		cfg.CurrentVersion = &v
	}
	if r.lastChecked.Valid {
		t := r.lastChecked.Time
		cfg.LastChecked = &t
	}
	if r.lastPopulated.Valid {
		t := r.lastPopulated.Time
		cfg.LastPopulated = &t
	}
	if cfg.Features == nil {
		cfg.Features = []string{}
	}
	return cfg
}

func scanLibrary(row rowScanner) (*model.LibraryConfig, error) {
	var lr libraryRow
	if err := row.Scan(lr.dest()...); err != nil {
		return nil, err
	}
	cfg := lr.model()
	return &cfg, nil
}
