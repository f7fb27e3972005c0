package service

import (
	"context"
	"time"

	"github.com/xxxsen/docindex/internal/chunker"
	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/repo"
)

// ILibraryStore is the library configuration half of the vector store.
type ILibraryStore interface {
	Upsert(ctx context.Context, cfg *model.LibraryConfig) (*model.LibraryConfig, error)
	Get(ctx context.Context, name, versionSpec string) (*model.LibraryConfig, error)
	GetByID(ctx context.Context, id int64) (*model.LibraryConfig, error)
	ListByName(ctx context.Context, name string) ([]model.LibraryConfig, error)
	List(ctx context.Context, enabledOnly bool) ([]model.LibraryConfig, error)
	ListSummaries(ctx context.Context, enabledOnly bool) ([]model.LibrarySummary, error)
	Delete(ctx context.Context, name, versionSpec string) (bool, error)
	ListNeverPopulated(ctx context.Context) ([]model.LibraryConfig, error)
	ListNeedingRefresh(ctx context.Context, checkedBefore time.Time) ([]model.LibraryConfig, error)
	MarkChecked(ctx context.Context, id int64, at time.Time) error
	GetStats(ctx context.Context, libraryConfigID int64) (*model.LibraryStats, error)
}

type IJobStore interface {
	Create(ctx context.Context, libraryConfigID int64) (*model.PopulationJob, error)
	Transition(ctx context.Context, id int64, stage model.Stage, upd repo.JobUpdate) (*model.PopulationJob, error)
	Get(ctx context.Context, id int64) (*model.PopulationJob, error)
	LatestForLibrary(ctx context.Context, libraryConfigID int64) (*model.PopulationJob, error)
	LatestForLibraries(ctx context.Context, ids []int64) (map[int64]*model.PopulationJob, error)
	ListActive(ctx context.Context) ([]model.PopulationJob, error)
	Heartbeat(ctx context.Context, id int64) error
	FailStale(ctx context.Context, before time.Time, message string, keep []int64) (int64, error)
}

type IChunkStore interface {
	ReplaceChunks(ctx context.Context, cfg *model.LibraryConfig, version string, records []model.ChunkRecord, meta repo.IndexMeta) (*model.LibraryStats, error)
	SimilaritySearch(ctx context.Context, p repo.SearchParams) ([]model.SearchHit, error)
	Count(ctx context.Context, libraryConfigID int64) (int, error)
}

type IChunker interface {
	Chunk(ctx context.Context, pages []model.Page) (*chunker.Result, error)
}
