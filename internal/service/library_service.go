package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
)

// LibraryService is the operation surface shared by the HTTP and MCP
// front ends. Calls return promptly; population runs in the background.
type LibraryService struct {
	libraries  ILibraryStore
	jobs       IJobStore
	population *PopulationService
	query      *QueryService
}

func NewLibraryService(libraries ILibraryStore, jobs IJobStore, population *PopulationService, query *QueryService) *LibraryService {
	return &LibraryService{
		libraries:  libraries,
		jobs:       jobs,
		population: population,
		query:      query,
	}
}

// AddLibrary saves the configuration and requests its population when it
// is enabled. The saved configuration is kept even when the request is
// rejected because a population is already running.
func (s *LibraryService) AddLibrary(ctx context.Context, spec model.LibrarySpec) (*model.LibraryStatus, error) {
	cfg, err := normalizeSpec(spec)
	if err != nil {
		return nil, err
	}
	saved, err := s.libraries.Upsert(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("library configured",
		zap.String("library", saved.Name),
		zap.String("version_spec", saved.VersionSpec),
		zap.Bool("enabled", saved.Enabled))
	if !saved.Enabled {
		return s.status(ctx, saved)
	}
	job, err := s.population.Request(ctx, saved)
	if err != nil {
		return nil, err
	}
	status, err := s.status(ctx, saved)
	if err != nil {
		return nil, err
	}
	status.Job = job
	status.Note = "population requested"
	return status, nil
}

// AddLibraries configures each spec in order. With failFast the batch
// stops at the first failure; results cover the specs processed.
func (s *LibraryService) AddLibraries(ctx context.Context, specs []model.LibrarySpec, failFast bool) (*model.AddLibrariesResult, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no libraries provided: %w", appErr.ErrInvalid)
	}
	out := &model.AddLibrariesResult{Results: make([]model.AddLibraryResult, 0, len(specs))}
	for _, spec := range specs {
		item := model.AddLibraryResult{Name: spec.Name, VersionSpec: spec.VersionSpec}
		if item.VersionSpec == "" {
			item.VersionSpec = model.VersionLatest
		}
		status, err := s.AddLibrary(ctx, spec)
		switch {
		case err == nil:
			item.Success = true
			item.Job = status.Job
			item.Message = "configuration saved"
			if status.Job != nil {
				item.Message = "configuration saved, population queued"
				out.Summary.IngestionStarted++
			}
		case appErr.IsAlreadyInProgress(err):
			item.Success = true
			item.Message = "configuration saved, population already in progress"
		default:
			item.Error = err.Error()
			item.Message = "configuration failed"
		}
		out.Results = append(out.Results, item)
		if item.Success {
			out.Summary.Successful++
		} else {
			out.Summary.Failed++
			if failFast {
				break
			}
		}
	}
	out.Summary.Total = len(out.Results)
	switch {
	case out.Summary.Failed == 0:
		out.Message = fmt.Sprintf("configured %d libraries", out.Summary.Successful)
	case out.Summary.Successful == 0:
		out.Message = fmt.Sprintf("failed to configure any library (%d errors)", out.Summary.Failed)
	default:
		out.Message = fmt.Sprintf("configured %d libraries, %d failed", out.Summary.Successful, out.Summary.Failed)
	}
	return out, nil
}

// RemoveLibrary deletes a configuration with its chunks and jobs. A
// library being populated cannot be removed.
func (s *LibraryService) RemoveLibrary(ctx context.Context, name, versionSpec string) error {
	name = strings.TrimSpace(name)
	versionSpec = strings.TrimSpace(versionSpec)
	if versionSpec == "" {
		versionSpec = model.VersionLatest
	}
	cfg, err := s.libraries.Get(ctx, name, versionSpec)
	if err != nil {
		if appErr.IsNotFound(err) {
			return fmt.Errorf("no configuration for %s@%s: %w", name, versionSpec, appErr.ErrNotFound)
		}
		return err
	}
	job, err := s.jobs.LatestForLibrary(ctx, cfg.ID)
	if err != nil && !appErr.IsNotFound(err) {
		return err
	}
	if job != nil && job.Status.Active() {
		return fmt.Errorf("library %s@%s is being populated: %w", name, versionSpec, appErr.ErrAlreadyInProgress)
	}
	deleted, err := s.libraries.Delete(ctx, name, versionSpec)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("no configuration for %s@%s: %w", name, versionSpec, appErr.ErrNotFound)
	}
	logutil.GetLogger(ctx).Info("library removed", zap.String("library", name), zap.String("version_spec", versionSpec))
	return nil
}

func (s *LibraryService) ListLibraries(ctx context.Context, enabledOnly bool) ([]model.LibrarySummary, error) {
	items, err := s.libraries.ListSummaries(ctx, enabledOnly)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Config.ID)
	}
	jobs, err := s.jobs.LatestForLibraries(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Job = jobs[items[i].Config.ID]
	}
	return items, nil
}

func (s *LibraryService) CheckStatus(ctx context.Context, name, versionSpec string) (*model.LibraryStatus, error) {
	cfg, err := resolveLibrary(ctx, s.libraries, name, versionSpec)
	if err != nil {
		return nil, err
	}
	return s.status(ctx, cfg)
}

func (s *LibraryService) Query(ctx context.Context, name, question string, opts QueryOptions) (*model.QueryResult, error) {
	return s.query.Answer(ctx, name, question, opts)
}

func (s *LibraryService) status(ctx context.Context, cfg *model.LibraryConfig) (*model.LibraryStatus, error) {
	out := &model.LibraryStatus{Library: *cfg, State: model.LibraryStateNotPopulated}
	stats, err := s.libraries.GetStats(ctx, cfg.ID)
	switch {
	case err == nil:
		out.Stats = stats
		out.State = model.LibraryStateEmpty
		if stats.ChunkCount > 0 {
			out.State = model.LibraryStatePopulated
			out.Queryable = true
		}
	case !appErr.IsNotFound(err):
		return nil, err
	}
	job, err := s.jobs.LatestForLibrary(ctx, cfg.ID)
	switch {
	case err == nil:
		out.Job = job
	case !appErr.IsNotFound(err):
		return nil, err
	}
	out.Note = statusNote(out)
	return out, nil
}

func statusNote(st *model.LibraryStatus) string {
	job := st.Job
	switch {
	case job != nil && job.Status.Active() && st.Queryable:
		return fmt.Sprintf("repopulation in progress (%s), serving version %s", job.Stage, st.Stats.Version)
	case job != nil && job.Status.Active():
		return fmt.Sprintf("population in progress (%s)", job.Stage)
	case job != nil && job.Status == model.JobStatusFailed && st.Queryable:
		return fmt.Sprintf("last population failed: %s; serving version %s", job.ErrorMessage, st.Stats.Version)
	case job != nil && job.Status == model.JobStatusFailed:
		return "last population failed: " + job.ErrorMessage
	case st.Queryable:
		return "library is populated and ready for queries"
	case !st.Library.Enabled:
		return "library is disabled"
	}
	return "library has not been populated, add it again to request population"
}
