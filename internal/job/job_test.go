package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	cutoff int64
	err    error
}

func (f *fakeCleaner) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

type fakePopulation struct {
	refreshed int
	recovered int
	err       error
}

func (f *fakePopulation) RefreshStale(ctx context.Context) (int, error) {
	f.refreshed++
	return 1, f.err
}

func (f *fakePopulation) RecoverStaleJobs(ctx context.Context) (int64, error) {
	f.recovered++
	return 2, f.err
}

func TestEmbeddingCacheCleanupCutoff(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	cleaner := &fakeCleaner{}
	j := NewEmbeddingCacheCleanupJob(cleaner, 0)
	j.now = func() time.Time { return now }

	require.Equal(t, "embedding_cache_cleanup", j.Name())
	require.NoError(t, j.Run(context.Background()))
	require.Equal(t, now.Add(-30*24*time.Hour).Unix(), cleaner.cutoff)

	cleaner.err = errors.New("db down")
	require.Error(t, j.Run(context.Background()))
}

func TestPopulationJobsDelegate(t *testing.T) {
	pop := &fakePopulation{}
	refresh := NewLibraryRefreshJob(pop)
	recovery := NewStaleJobRecoveryJob(pop)
	require.Equal(t, "library_refresh", refresh.Name())
	require.Equal(t, "stale_job_recovery", recovery.Name())

	require.NoError(t, refresh.Run(context.Background()))
	require.NoError(t, recovery.Run(context.Background()))
	require.Equal(t, 1, pop.refreshed)
	require.Equal(t, 1, pop.recovered)

	pop.err = errors.New("boom")
	require.Error(t, refresh.Run(context.Background()))
	require.Error(t, recovery.Run(context.Background()))

	require.NoError(t, NewLibraryRefreshJob(nil).Run(context.Background()))
}
