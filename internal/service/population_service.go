package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xxxsen/docindex/internal/ai"
	"github.com/xxxsen/docindex/internal/chunker"
	"github.com/xxxsen/docindex/internal/fetcher"
	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
	"github.com/xxxsen/docindex/internal/repo"
	"github.com/xxxsen/docindex/internal/snapshot"
)

type PopulationConfig struct {
	Workers      int
	RetryBudget  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	StaleAfter   time.Duration
	RefreshAfter time.Duration
	Metric       string
	// HeartbeatEvery is how often an owned job refreshes its heartbeat.
	// Defaults to a quarter of StaleAfter.
	HeartbeatEvery time.Duration
}

type PopulationDeps struct {
	Libraries ILibraryStore
	Jobs      IJobStore
	Chunks    IChunkStore
	Fetcher   fetcher.IFetcher
	Chunker   IChunker
	Embedder  ai.IEmbedder
	Snapshots snapshot.Store
}

type PopulationOption func(*PopulationService)

// WithSleepFunc replaces the backoff wait, mostly for tests.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) PopulationOption {
	return func(s *PopulationService) {
		s.sleep = fn
	}
}

// WithBaseContext sets the context jobs started by Request run under.
// Jobs outlive the request that created them.
func WithBaseContext(ctx context.Context) PopulationOption {
	return func(s *PopulationService) {
		s.baseCtx = ctx
	}
}

// PopulationService drives fetch, chunk, embed and store for one library
// configuration at a time per library, with a bounded number of jobs
// running across libraries.
type PopulationService struct {
	deps    PopulationDeps
	cfg     PopulationConfig
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	sleep   func(ctx context.Context, d time.Duration) error
	baseCtx context.Context
	now     func() time.Time

	mu    sync.Mutex
	owned map[int64]struct{}
}

func NewPopulationService(deps PopulationDeps, cfg PopulationConfig, opts ...PopulationOption) *PopulationService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.HeartbeatEvery <= 0 && cfg.StaleAfter > 0 {
		cfg.HeartbeatEvery = cfg.StaleAfter / 4
		if cfg.HeartbeatEvery < time.Second {
			cfg.HeartbeatEvery = time.Second
		}
	}
	s := &PopulationService{
		deps:    deps,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		sleep:   sleepContext,
		baseCtx: context.Background(),
		now:     time.Now,
		owned:   make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request opens a job for the library and runs it in the background. A
// library with a pending or running job is rejected with
// ErrAlreadyInProgress.
func (s *PopulationService) Request(ctx context.Context, cfg *model.LibraryConfig) (*model.PopulationJob, error) {
	if cfg == nil || cfg.ID == 0 {
		return nil, fmt.Errorf("library config is required: %w", appErr.ErrInvalid)
	}
	job, err := s.deps.Jobs.Create(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("population requested",
		zap.String("library", cfg.Name),
		zap.String("version_spec", cfg.VersionSpec),
		zap.Int64("job_id", job.ID))

	lib := *cfg
	queued := *job
	s.own(job.ID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.disown(queued.ID)
		ctx := s.baseCtx
		stop := s.keepAlive(ctx, queued.ID)
		defer stop()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.fail(ctx, &jobRun{cfg: &lib, job: &queued}, err)
			return
		}
		defer s.sem.Release(1)
		_ = s.RunJob(ctx, &lib, &queued)
	}()
	return job, nil
}

func (s *PopulationService) own(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[id] = struct{}{}
}

func (s *PopulationService) disown(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned, id)
}

func (s *PopulationService) ownedJobs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.owned))
	for id := range s.owned {
		out = append(out, id)
	}
	return out
}

// keepAlive refreshes the heartbeat of a job while it waits for a worker
// and while it runs. The returned func stops it.
func (s *PopulationService) keepAlive(ctx context.Context, id int64) func() {
	if s.cfg.HeartbeatEvery <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.deps.Jobs.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
					logutil.GetLogger(ctx).Warn("job heartbeat failed", zap.Int64("job_id", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Wait blocks until every job started by Request has finished.
func (s *PopulationService) Wait() {
	s.wg.Wait()
}

type jobRun struct {
	cfg     *model.LibraryConfig
	job     *model.PopulationJob
	fetched *model.FetchResult
	chunks  []model.Chunk
	skipped int
	records []model.ChunkRecord
	stats   *model.LibraryStats
}

func (r *jobRun) update() repo.JobUpdate {
	upd := repo.JobUpdate{ItemsSkipped: r.skipped}
	if r.stats != nil {
		upd.ChunksPopulated = r.stats.ChunkCount
	}
	return upd
}

type stageFunc func(s *PopulationService, ctx context.Context, run *jobRun) error

type stageStep struct {
	run  stageFunc
	next model.Stage
}

var pipeline = map[model.Stage]stageStep{
	model.StageFetching:  {run: (*PopulationService).fetch, next: model.StageChunking},
	model.StageChunking:  {run: (*PopulationService).chunk, next: model.StageEmbedding},
	model.StageEmbedding: {run: (*PopulationService).embed, next: model.StageStoring},
	model.StageStoring:   {run: (*PopulationService).store, next: model.StageCompleted},
}

// RunJob executes an opened job to completion or failure. The returned
// error is also recorded on the job.
func (s *PopulationService) RunJob(ctx context.Context, cfg *model.LibraryConfig, job *model.PopulationJob) error {
	logger := logutil.GetLogger(ctx).With(
		zap.String("library", cfg.Name),
		zap.String("version_spec", cfg.VersionSpec),
		zap.Int64("job_id", job.ID))
	run := &jobRun{cfg: cfg, job: job}
	start := s.now()

	stage := model.StageFetching
	for {
		next, err := s.deps.Jobs.Transition(ctx, job.ID, stage, run.update())
		if err != nil {
			logger.Error("job transition failed", zap.String("stage", string(stage)), zap.Error(err))
			s.fail(ctx, run, err)
			return err
		}
		run.job = next
		if stage == model.StageCompleted {
			logger.Info("population completed",
				zap.Int("chunks", run.job.ChunksPopulated),
				zap.Int("skipped", run.job.ItemsSkipped),
				zap.Duration("duration", s.now().Sub(start)))
			return nil
		}
		step := pipeline[stage]
		logger.Debug("job stage started", zap.String("stage", string(stage)))
		if err := step.run(s, ctx, run); err != nil {
			logger.Error("population failed", zap.String("stage", string(stage)), zap.Error(err))
			s.fail(ctx, run, err)
			return err
		}
		stage = step.next
	}
}

func (s *PopulationService) fail(ctx context.Context, run *jobRun, cause error) {
	upd := run.update()
	upd.ErrorMessage = cause.Error()
	if _, err := s.deps.Jobs.Transition(context.WithoutCancel(ctx), run.job.ID, model.StageFailed, upd); err != nil {
		logutil.GetLogger(ctx).Error("mark job failed",
			zap.Int64("job_id", run.job.ID), zap.Error(err))
	}
	if run.cfg.Populated() && run.cfg.ID != 0 {
		if err := s.deps.Libraries.MarkChecked(context.WithoutCancel(ctx), run.cfg.ID, s.now()); err != nil {
			logutil.GetLogger(ctx).Warn("mark library checked", zap.Error(err))
		}
	}
}

func (s *PopulationService) fetch(ctx context.Context, run *jobRun) error {
	res, err := s.deps.Fetcher.Fetch(ctx, run.cfg.Name, run.cfg.VersionSpec)
	if err != nil {
		return err
	}
	if len(res.Pages) == 0 {
		return fmt.Errorf("no documentation pages fetched for %s: %w", run.cfg.Name, appErr.ErrNotFound)
	}
	run.fetched = res
	s.archive(ctx, run)
	return nil
}

// archive stores the raw pages of the job. Archival failures never fail
// the job.
func (s *PopulationService) archive(ctx context.Context, run *jobRun) {
	if s.deps.Snapshots == nil {
		return
	}
	key := snapshot.Key(run.cfg.Name, run.fetched.ResolvedVersion, run.job.ID)
	if err := snapshot.SaveJSON(ctx, s.deps.Snapshots, key, run.fetched); err != nil {
		logutil.GetLogger(ctx).Warn("archive fetched pages failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *PopulationService) chunk(ctx context.Context, run *jobRun) error {
	res, err := s.deps.Chunker.Chunk(ctx, run.fetched.Pages)
	if res != nil {
		run.skipped = res.Skipped + run.fetched.Skipped
		if res.Skipped > 0 {
			logutil.GetLogger(ctx).Warn("unparsable items skipped",
				zap.Int("count", res.Skipped), zap.Strings("paths", res.SkippedPaths))
		}
	}
	if err != nil {
		return err
	}
	run.chunks = res.Chunks
	return nil
}

func (s *PopulationService) embed(ctx context.Context, run *jobRun) error {
	records := make([]model.ChunkRecord, 0, len(run.chunks))
	for _, b := range splitBatches(run.chunks, s.deps.Embedder.Limits()) {
		texts := make([]string, len(b))
		for i := range b {
			texts[i] = b[i].EmbeddingInput()
		}
		vectors, err := s.embedWithRetry(ctx, run, texts)
		if err != nil {
			return err
		}
		for i := range b {
			records = append(records, model.ChunkRecord{Chunk: b[i], Embedding: vectors[i]})
		}
	}
	run.records = records
	return nil
}

// embedWithRetry retries rate limited and transient failures with
// exponential backoff. RetryBudget bounds the total attempts per batch.
func (s *PopulationService) embedWithRetry(ctx context.Context, run *jobRun, texts []string) ([][]float32, error) {
	delay := s.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryBudget; attempt++ {
		vectors, err := s.deps.Embedder.Embed(ctx, texts, ai.TaskTypeDocument)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !appErr.IsRetryable(err) || attempt == s.cfg.RetryBudget {
			break
		}
		logutil.GetLogger(ctx).Warn("embedding batch failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > s.cfg.BackoffMax {
			delay = s.cfg.BackoffMax
		}
	}
	if appErr.IsRetryable(lastErr) && s.cfg.RetryBudget > 1 {
		return nil, fmt.Errorf("retry budget of %d exhausted: %w", s.cfg.RetryBudget, lastErr)
	}
	return nil, lastErr
}

func (s *PopulationService) store(ctx context.Context, run *jobRun) error {
	meta := repo.IndexMeta{
		Model:     s.deps.Embedder.ModelName(),
		Dimension: s.deps.Embedder.Dimension(),
		Metric:    s.cfg.Metric,
	}
	stats, err := s.deps.Chunks.ReplaceChunks(ctx, run.cfg, run.fetched.ResolvedVersion, run.records, meta)
	if err != nil {
		return err
	}
	run.stats = stats
	version := run.fetched.ResolvedVersion
	run.cfg.CurrentVersion = &version
	now := s.now()
	run.cfg.LastPopulated = &now
	return nil
}

// splitBatches groups chunks so each batch respects the provider item
// and token caps. A chunk larger than the token cap travels alone.
func splitBatches(chunks []model.Chunk, limits ai.Limits) [][]model.Chunk {
	var out [][]model.Chunk
	var cur []model.Chunk
	tokens := 0
	for _, c := range chunks {
		t := chunker.EstimateTokens(c.EmbeddingInput())
		full := limits.MaxItems > 0 && len(cur) >= limits.MaxItems
		over := limits.MaxTokens > 0 && tokens+t > limits.MaxTokens
		if len(cur) > 0 && (full || over) {
			out = append(out, cur)
			cur = nil
			tokens = 0
		}
		cur = append(cur, c)
		tokens += t
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// ScanAndEnqueue requests population of every enabled library that has
// never completed one. Libraries already being populated are skipped.
func (s *PopulationService) ScanAndEnqueue(ctx context.Context) (int, error) {
	libs, err := s.deps.Libraries.ListNeverPopulated(ctx)
	if err != nil {
		return 0, err
	}
	return s.enqueueAll(ctx, libs), nil
}

func (s *PopulationService) enqueueAll(ctx context.Context, libs []model.LibraryConfig) int {
	logger := logutil.GetLogger(ctx)
	queued := 0
	for i := range libs {
		if _, err := s.Request(ctx, &libs[i]); err != nil {
			if appErr.IsAlreadyInProgress(err) {
				continue
			}
			logger.Error("enqueue population failed", zap.String("library", libs[i].Name), zap.Error(err))
			continue
		}
		queued++
	}
	return queued
}

// RefreshStale checks populated "latest" libraries not checked within
// RefreshAfter and repopulates the ones whose upstream version moved.
func (s *PopulationService) RefreshStale(ctx context.Context) (int, error) {
	if s.cfg.RefreshAfter <= 0 {
		return 0, nil
	}
	logger := logutil.GetLogger(ctx)
	libs, err := s.deps.Libraries.ListNeedingRefresh(ctx, s.now().Add(-s.cfg.RefreshAfter))
	if err != nil {
		return 0, err
	}
	var changed []model.LibraryConfig
	for _, lib := range libs {
		version, err := s.deps.Fetcher.ResolveVersion(ctx, lib.Name, lib.VersionSpec)
		if err != nil {
			logger.Warn("resolve upstream version failed", zap.String("library", lib.Name), zap.Error(err))
			continue
		}
		if strings.EqualFold(version, lib.ResolvedVersion()) {
			if err := s.deps.Libraries.MarkChecked(ctx, lib.ID, s.now()); err != nil {
				return 0, err
			}
			continue
		}
		logger.Info("upstream version changed",
			zap.String("library", lib.Name),
			zap.String("from", lib.ResolvedVersion()),
			zap.String("to", version))
		changed = append(changed, lib)
	}
	return s.enqueueAll(ctx, changed), nil
}

// RecoverStaleJobs fails active jobs whose heartbeat is older than
// StaleAfter so their libraries can be requested again after a crash. Jobs
// owned by this process are never failed.
func (s *PopulationService) RecoverStaleJobs(ctx context.Context) (int64, error) {
	if s.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := s.deps.Jobs.FailStale(ctx, s.now().Add(-s.cfg.StaleAfter),
		"job abandoned: worker stopped before completion", s.ownedJobs())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logutil.GetLogger(ctx).Warn("stale population jobs failed", zap.Int64("count", n))
	}
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
