package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type refresher interface {
	RefreshStale(ctx context.Context) (int, error)
}

// LibraryRefreshJob repopulates "latest" libraries whose upstream
// version moved since the last check.
type LibraryRefreshJob struct {
	population refresher
}

func NewLibraryRefreshJob(population refresher) *LibraryRefreshJob {
	return &LibraryRefreshJob{population: population}
}

func (j *LibraryRefreshJob) Name() string {
	return "library_refresh"
}

func (j *LibraryRefreshJob) Run(ctx context.Context) error {
	if j.population == nil {
		return nil
	}
	n, err := j.population.RefreshStale(ctx)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("library refresh checked", zap.Int("enqueued", n))
	return nil
}
