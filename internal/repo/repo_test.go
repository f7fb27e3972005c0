package repo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/docindex/internal/config"
	"github.com/xxxsen/docindex/internal/model"
	dbpkg "github.com/xxxsen/docindex/internal/db"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
	"github.com/xxxsen/docindex/internal/repo"
	"github.com/xxxsen/docindex/test/testutil"
)

func newLibrary(t *testing.T, libs *repo.LibraryRepo, name, spec string) *model.LibraryConfig {
	t.Helper()
	cfg, err := libs.Upsert(context.Background(), &model.LibraryConfig{
		Name:        name,
		VersionSpec: spec,
		Features:    []string{"full"},
		Enabled:     true,
	})
	require.NoError(t, err)
	return cfg
}

func records(vectors ...[]float32) []model.ChunkRecord {
	paths := []string{"demo::a", "demo::b", "demo::c"}
	out := make([]model.ChunkRecord, 0, len(vectors))
	for i, vec := range vectors {
		out = append(out, model.ChunkRecord{
			Chunk:     model.Chunk{ItemPath: paths[i], Content: "content " + paths[i], TokenCount: 3, Position: i},
			Embedding: vec,
		})
	}
	return out
}

func TestLibraryRepoUpsertAndList(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	libs := repo.NewLibraryRepo(db)

	first := newLibrary(t, libs, "serde", "latest")
	again, err := libs.Upsert(ctx, &model.LibraryConfig{Name: "serde", VersionSpec: "latest", Enabled: false})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.False(t, again.Enabled)
	require.Empty(t, again.Features)
	newLibrary(t, libs, "serde", "1.0.0")
	newLibrary(t, libs, "tokio", "latest")

	byName, err := libs.ListByName(ctx, "serde")
	require.NoError(t, err)
	require.Len(t, byName, 2)

	enabled, err := libs.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 2)

	never, err := libs.ListNeverPopulated(ctx)
	require.NoError(t, err)
	require.Len(t, never, 2)

	_, err = libs.Get(ctx, "ghost", "latest")
	require.ErrorIs(t, err, appErr.ErrNotFound)
	_, err = libs.GetStats(ctx, first.ID)
	require.ErrorIs(t, err, appErr.ErrNotFound)

	deleted, err := libs.Delete(ctx, "tokio", "latest")
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = libs.Delete(ctx, "tokio", "latest")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestJobRepoSingleFlightAndTransitions(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	libs := repo.NewLibraryRepo(db)
	jobs := repo.NewJobRepo(db)
	cfg := newLibrary(t, libs, "serde", "latest")

	job, err := jobs.Create(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusPending, job.Status)

	_, err = jobs.Create(ctx, cfg.ID)
	require.ErrorIs(t, err, appErr.ErrAlreadyInProgress)

	_, err = jobs.Transition(ctx, job.ID, model.StageCompleted, repo.JobUpdate{})
	require.ErrorIs(t, err, appErr.ErrInvalidTransition)

	job, err = jobs.Transition(ctx, job.ID, model.StageFetching, repo.JobUpdate{})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusRunning, job.Status)
	require.NotNil(t, job.StartedAt)

	active, err := jobs.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	job, err = jobs.Transition(ctx, job.ID, model.StageCompleted, repo.JobUpdate{ChunksPopulated: 3, ItemsSkipped: 1})
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, job.Status)
	require.Equal(t, 3, job.ChunksPopulated)
	require.NotNil(t, job.CompletedAt)

	_, err = jobs.Transition(ctx, job.ID, model.StageFetching, repo.JobUpdate{})
	require.ErrorIs(t, err, appErr.ErrInvalidTransition)
	_, err = jobs.Transition(ctx, 9999, model.StageFetching, repo.JobUpdate{})
	require.ErrorIs(t, err, appErr.ErrNotFound)

	// the slot is free again once the job is terminal
	next, err := jobs.Create(ctx, cfg.ID)
	require.NoError(t, err)
	latest, err := jobs.LatestForLibraries(ctx, []int64{cfg.ID})
	require.NoError(t, err)
	require.Equal(t, next.ID, latest[cfg.ID].ID)

	// an owned job is kept even when its heartbeat is old
	n, err := jobs.FailStale(ctx, time.Now().Add(time.Hour), "job abandoned", []int64{next.ID})
	require.NoError(t, err)
	require.Zero(t, n)
	// a fresh heartbeat keeps the job out of an older cutoff
	require.NoError(t, jobs.Heartbeat(ctx, next.ID))
	n, err = jobs.FailStale(ctx, time.Now().Add(-time.Minute), "job abandoned", nil)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = jobs.FailStale(ctx, time.Now().Add(time.Hour), "job abandoned", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	got, err := jobs.Get(ctx, next.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)
	require.Equal(t, "job abandoned", got.ErrorMessage)
}

func TestChunkRepoReplaceAndSearch(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	libs := repo.NewLibraryRepo(db)
	chunks := repo.NewChunkRepo(db)
	cfg := newLibrary(t, libs, "demo", "latest")
	meta := repo.IndexMeta{Model: "test:model", Dimension: 3, Metric: config.MetricCosine}

	_, err := chunks.ReplaceChunks(ctx, cfg, "1.0.0", records([]float32{1, 0}), meta)
	require.ErrorIs(t, err, appErr.ErrConfigMismatch)

	stats, err := chunks.ReplaceChunks(ctx, cfg, "1.0.0", records(
		[]float32{1, 0, 0},
		[]float32{0, 1, 0},
		[]float32{0, 1, 0},
	), meta)
	require.NoError(t, err)
	require.Equal(t, 3, stats.ChunkCount)
	require.Equal(t, 9, stats.TotalTokens)

	stored, err := libs.GetByID(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", stored.ResolvedVersion())
	require.True(t, stored.Populated())

	hits, err := chunks.SimilaritySearch(ctx, repo.SearchParams{
		LibraryConfigID: cfg.ID,
		Version:         "1.0.0",
		Vector:          []float32{0, 1, 0},
		Dimension:       3,
		Metric:          config.MetricCosine,
		Limit:           2,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "demo::b", hits[0].ItemPath)
	require.Equal(t, "demo::c", hits[1].ItemPath)
	require.InDelta(t, 1, hits[0].Score, 1e-6)

	_, err = chunks.ReplaceChunks(ctx, cfg, "1.1.0", records([]float32{1, 0, 0}), meta)
	require.NoError(t, err)
	count, err := chunks.Count(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	hits, err = chunks.SimilaritySearch(ctx, repo.SearchParams{
		LibraryConfigID: cfg.ID, Version: "1.0.0", Vector: []float32{0, 1, 0}, Dimension: 3, Metric: config.MetricCosine, Limit: 5,
	})
	require.NoError(t, err)
	require.Empty(t, hits)

	st, err := libs.GetStats(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, "1.1.0", st.Version)
	require.Equal(t, "test:model", st.EmbeddingModel)
}

func TestChunkRepoSearchSmallLibraryBesideLargeOne(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	indexed, err := dbpkg.EnsureVectorIndex(db, 3, config.MetricCosine)
	require.NoError(t, err)
	require.True(t, indexed)
	// one connection so the planner setting below applies to every query
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`SET enable_seqscan = off`)
	require.NoError(t, err)

	libs := repo.NewLibraryRepo(db)
	chunks := repo.NewChunkRepo(db)
	meta := repo.IndexMeta{Model: "test:model", Dimension: 3, Metric: config.MetricCosine}

	big := newLibrary(t, libs, "big", "latest")
	bulk := make([]model.ChunkRecord, 0, 600)
	for i := 0; i < 600; i++ {
		path := fmt.Sprintf("big::item%03d", i)
		bulk = append(bulk, model.ChunkRecord{
			Chunk:     model.Chunk{ItemPath: path, Content: path, TokenCount: 1, Position: i},
			Embedding: []float32{1, float32(i%7) * 0.001, 0},
		})
	}
	_, err = chunks.ReplaceChunks(ctx, big, "1.0.0", bulk, meta)
	require.NoError(t, err)

	small := newLibrary(t, libs, "small", "latest")
	_, err = chunks.ReplaceChunks(ctx, small, "0.1.0", records(
		[]float32{0, 1, 0},
		[]float32{0, 0, 1},
	), meta)
	require.NoError(t, err)

	hits, err := chunks.SimilaritySearch(ctx, repo.SearchParams{
		LibraryConfigID: small.ID,
		Version:         "0.1.0",
		Vector:          []float32{1, 0, 0},
		Dimension:       3,
		Metric:          config.MetricCosine,
		Limit:           5,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "demo::a", hits[0].ItemPath)
	require.Equal(t, "demo::b", hits[1].ItemPath)
}

func TestEmbeddingCacheRepo(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	ctx := context.Background()
	cache := repo.NewEmbeddingCacheRepo(db)

	now := time.Now().Unix()
	require.NoError(t, cache.SaveMany(ctx, "m", map[string][]float32{"h1": {1, 2}, "h2": {3, 4}}, now-100))
	got, err := cache.GetMany(ctx, "m", []string{"h1", "h3"})
	require.NoError(t, err)
	require.Equal(t, map[string][]float32{"h1": {1, 2}}, got)

	n, err := cache.DeleteBefore(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
