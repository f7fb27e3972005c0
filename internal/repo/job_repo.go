package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/pkg/dbutil"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

const jobColumns = "id, library_config_id, status, stage, started_at, completed_at, error_message, chunks_populated, items_skipped, heartbeat_at, ctime"

// JobUpdate carries the progress fields written with a transition.
type JobUpdate struct {
	ErrorMessage    string
	ChunksPopulated int
	ItemsSkipped    int
}

type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create opens a pending job. At most one pending or running job may exist
// per library; a second one fails with ErrAlreadyInProgress.
func (r *JobRepo) Create(ctx context.Context, libraryConfigID int64) (*model.PopulationJob, error) {
	query := `
		INSERT INTO population_jobs (library_config_id, status, stage)
		VALUES ($1, $2, $3)
		RETURNING ` + jobColumns
	row := r.db.QueryRowContext(ctx, query, libraryConfigID, model.JobStatusPending, model.StageRequested)
	job, err := scanJob(row)
	if err != nil {
		if dbutil.IsConflict(err) {
			return nil, appErr.ErrAlreadyInProgress
		}
		return nil, dbutil.Storage("create population job", err)
	}
	return job, nil
}

// Transition moves a job to the status implied by stage. The update only
// applies when the current status is a legal source for it.
func (r *JobRepo) Transition(ctx context.Context, id int64, stage model.Stage, upd JobUpdate) (*model.PopulationJob, error) {
	to := stage.Status()
	sources := model.TransitionSources(to)
	if len(sources) == 0 {
		return nil, appErr.ErrInvalidTransition
	}
	from := make([]string, 0, len(sources))
	for _, s := range sources {
		from = append(from, string(s))
	}
	query := `
		UPDATE population_jobs SET
			status = $1::text,
			stage = $2,
			started_at = CASE WHEN $1::text = 'running' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
			completed_at = CASE WHEN $1::text IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END,
			error_message = $3,
			chunks_populated = $4,
			items_skipped = $5,
			heartbeat_at = CURRENT_TIMESTAMP
		WHERE id = $6 AND status = ANY($7)
		RETURNING ` + jobColumns
	row := r.db.QueryRowContext(ctx, query,
		string(to),
		string(stage),
		upd.ErrorMessage,
		upd.ChunksPopulated,
		upd.ItemsSkipped,
		id,
		pq.Array(from),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, dbutil.Storage("transition population job", err)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, appErr.ErrInvalidTransition
}

func (r *JobRepo) Get(ctx context.Context, id int64) (*model.PopulationJob, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM population_jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, dbutil.Storage("get population job", err)
	}
	return job, nil
}

func (r *JobRepo) LatestForLibrary(ctx context.Context, libraryConfigID int64) (*model.PopulationJob, error) {
	query := "SELECT " + jobColumns + " FROM population_jobs WHERE library_config_id = $1 ORDER BY ctime DESC, id DESC LIMIT 1"
	job, err := scanJob(r.db.QueryRowContext(ctx, query, libraryConfigID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, dbutil.Storage("get latest population job", err)
	}
	return job, nil
}

// LatestForLibraries returns the newest job of each library keyed by
// library config id. Libraries without jobs are absent from the map.
func (r *JobRepo) LatestForLibraries(ctx context.Context, ids []int64) (map[int64]*model.PopulationJob, error) {
	out := make(map[int64]*model.PopulationJob, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT ON (library_config_id) `+jobColumns+`
		FROM population_jobs
		WHERE library_config_id IN (?)
		ORDER BY library_config_id, ctime DESC, id DESC`, ids)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbutil.Storage("list latest population jobs", err)
	}
	defer rows.Close()
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, dbutil.Storage("scan population job", err)
		}
		out[job.LibraryConfigID] = job
	}
	return out, dbutil.Storage("list latest population jobs", rows.Err())
}

func (r *JobRepo) ListActive(ctx context.Context) ([]model.PopulationJob, error) {
	query := "SELECT " + jobColumns + " FROM population_jobs WHERE status IN ('pending', 'running') ORDER BY ctime"
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, dbutil.Storage("list active population jobs", err)
	}
	defer rows.Close()
	var out []model.PopulationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, dbutil.Storage("scan population job", err)
		}
		out = append(out, *job)
	}
	return out, dbutil.Storage("list active population jobs", rows.Err())
}

// Heartbeat records that the worker owning an active job is still alive.
func (r *JobRepo) Heartbeat(ctx context.Context, id int64) error {
	const query = `
		UPDATE population_jobs SET heartbeat_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'running')
	`
	_, err := r.db.ExecContext(ctx, query, id)
	return dbutil.Storage("heartbeat population job", err)
}

// FailStale marks every pending or running job whose last heartbeat is
// older than the cutoff as failed and releases the single flight slot of its
// library. Jobs listed in keep are left alone.
func (r *JobRepo) FailStale(ctx context.Context, before time.Time, message string, keep []int64) (int64, error) {
	if keep == nil {
		keep = []int64{}
	}
	const query = `
		UPDATE population_jobs SET
			status = 'failed',
			stage = 'failed',
			completed_at = CURRENT_TIMESTAMP,
			error_message = $1
		WHERE status IN ('pending', 'running') AND heartbeat_at < $2 AND NOT (id = ANY($3))
	`
	res, err := r.db.ExecContext(ctx, query, strings.TrimSpace(message), before, pq.Array(keep))
	if err != nil {
		return 0, dbutil.Storage("fail stale population jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbutil.Storage("fail stale population jobs", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*model.PopulationJob, error) {
	var job model.PopulationJob
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&job.LibraryConfigID,
		&job.Status,
		&job.Stage,
		&startedAt,
		&completedAt,
		&job.ErrorMessage,
		&job.ChunksPopulated,
		&job.ItemsSkipped,
		&job.HeartbeatAt,
		&job.Ctime,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
