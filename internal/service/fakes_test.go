package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/docindex/internal/ai"
	"github.com/xxxsen/docindex/internal/chunker"
	"github.com/xxxsen/docindex/internal/model"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
	"github.com/xxxsen/docindex/internal/repo"
)

// memStore keeps libraries, jobs and chunks behind one mutex, so a chunk
// swap and a search never interleave.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	libs      map[int64]*model.LibraryConfig
	stats     map[int64]*model.LibraryStats
	jobs      map[int64]*model.PopulationJob
	chunks    map[int64][]model.ChunkRecord
	replaceFn func() error

	heartbeats int
}

func newMemStore() *memStore {
	return &memStore{
		libs:   map[int64]*model.LibraryConfig{},
		stats:  map[int64]*model.LibraryStats{},
		jobs:   map[int64]*model.PopulationJob{},
		chunks: map[int64][]model.ChunkRecord{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyLib(c *model.LibraryConfig) *model.LibraryConfig {
	out := *c
	out.Features = append([]string{}, c.Features...)
	return &out
}

func (m *memStore) Upsert(ctx context.Context, cfg *model.LibraryConfig) (*model.LibraryConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lib := range m.libs {
		if lib.Name == cfg.Name && lib.VersionSpec == cfg.VersionSpec {
			lib.Features = cfg.Features
			lib.ExpectedChunks = cfg.ExpectedChunks
			lib.Enabled = cfg.Enabled
			lib.Mtime = time.Now()
			return copyLib(lib), nil
		}
	}
	lib := copyLib(cfg)
	lib.ID = m.id()
	lib.Ctime = time.Now()
	lib.Mtime = lib.Ctime
	m.libs[lib.ID] = lib
	return copyLib(lib), nil
}

func (m *memStore) Get(ctx context.Context, name, versionSpec string) (*model.LibraryConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lib := range m.libs {
		if lib.Name == name && lib.VersionSpec == versionSpec {
			return copyLib(lib), nil
		}
	}
	return nil, appErr.ErrNotFound
}

func (m *memStore) GetByID(ctx context.Context, id int64) (*model.LibraryConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lib, ok := m.libs[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return copyLib(lib), nil
}

func (m *memStore) filter(fn func(*model.LibraryConfig) bool) []model.LibraryConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.LibraryConfig{}
	for _, lib := range m.libs {
		if fn(lib) {
			out = append(out, *copyLib(lib))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListByName(ctx context.Context, name string) ([]model.LibraryConfig, error) {
	return m.filter(func(c *model.LibraryConfig) bool { return c.Name == name }), nil
}

func (m *memStore) List(ctx context.Context, enabledOnly bool) ([]model.LibraryConfig, error) {
	return m.filter(func(c *model.LibraryConfig) bool { return !enabledOnly || c.Enabled }), nil
}

func (m *memStore) ListSummaries(ctx context.Context, enabledOnly bool) ([]model.LibrarySummary, error) {
	libs, _ := m.List(ctx, enabledOnly)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LibrarySummary, 0, len(libs))
	for _, lib := range libs {
		item := model.LibrarySummary{Config: lib}
		if st, ok := m.stats[lib.ID]; ok {
			cp := *st
			item.Stats = &cp
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, name, versionSpec string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, lib := range m.libs {
		if lib.Name == name && lib.VersionSpec == versionSpec {
			delete(m.libs, id)
			delete(m.stats, id)
			delete(m.chunks, id)
			for jid, job := range m.jobs {
				if job.LibraryConfigID == id {
					delete(m.jobs, jid)
				}
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListNeverPopulated(ctx context.Context) ([]model.LibraryConfig, error) {
	return m.filter(func(c *model.LibraryConfig) bool { return c.Enabled && c.LastPopulated == nil }), nil
}

func (m *memStore) ListNeedingRefresh(ctx context.Context, checkedBefore time.Time) ([]model.LibraryConfig, error) {
	return m.filter(func(c *model.LibraryConfig) bool {
		return c.Enabled && c.VersionSpec == model.VersionLatest && c.LastPopulated != nil &&
			(c.LastChecked == nil || c.LastChecked.Before(checkedBefore))
	}), nil
}

func (m *memStore) MarkChecked(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lib, ok := m.libs[id]; ok {
		lib.LastChecked = &at
	}
	return nil
}

func (m *memStore) GetStats(ctx context.Context, libraryConfigID int64) (*model.LibraryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[libraryConfigID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) Create(ctx context.Context, libraryConfigID int64) (*model.PopulationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.LibraryConfigID == libraryConfigID && job.Status.Active() {
			return nil, appErr.ErrAlreadyInProgress
		}
	}
	job := &model.PopulationJob{
		ID:              m.id(),
		LibraryConfigID: libraryConfigID,
		Status:          model.JobStatusPending,
		Stage:           model.StageRequested,
		HeartbeatAt:     time.Now(),
		Ctime:           time.Now(),
	}
	m.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (m *memStore) Transition(ctx context.Context, id int64, stage model.Stage, upd repo.JobUpdate) (*model.PopulationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	to := stage.Status()
	if !model.CanTransition(job.Status, to) {
		return nil, appErr.ErrInvalidTransition
	}
	now := time.Now()
	if to == model.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() {
		job.CompletedAt = &now
	}
	job.HeartbeatAt = now
	job.Status = to
	job.Stage = stage
	job.ErrorMessage = upd.ErrorMessage
	job.ChunksPopulated = upd.ChunksPopulated
	job.ItemsSkipped = upd.ItemsSkipped
	cp := *job
	return &cp, nil
}

func (m *memStore) getJob(id int64) (*model.PopulationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// jobStore exposes the job half of memStore; Get clashes with the library
// lookup.
type jobStore struct {
	*memStore
}

func (j jobStore) Get(ctx context.Context, id int64) (*model.PopulationJob, error) {
	return j.memStore.getJob(id)
}

func (m *memStore) LatestForLibrary(ctx context.Context, libraryConfigID int64) (*model.PopulationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.PopulationJob
	for _, job := range m.jobs {
		if job.LibraryConfigID == libraryConfigID && (latest == nil || job.ID > latest.ID) {
			latest = job
		}
	}
	if latest == nil {
		return nil, appErr.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) LatestForLibraries(ctx context.Context, ids []int64) (map[int64]*model.PopulationJob, error) {
	out := map[int64]*model.PopulationJob{}
	for _, id := range ids {
		job, err := m.LatestForLibrary(ctx, id)
		if err == nil {
			out[id] = job
		}
	}
	return out, nil
}

func (m *memStore) ListActive(ctx context.Context) ([]model.PopulationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PopulationJob
	for _, job := range m.jobs {
		if job.Status.Active() {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *memStore) Heartbeat(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return appErr.ErrNotFound
	}
	if job.Status.Active() {
		job.HeartbeatAt = time.Now()
	}
	m.heartbeats++
	return nil
}

func (m *memStore) FailStale(ctx context.Context, before time.Time, message string, keep []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[int64]bool, len(keep))
	for _, id := range keep {
		skip[id] = true
	}
	var n int64
	for _, job := range m.jobs {
		if job.Status.Active() && !skip[job.ID] && job.HeartbeatAt.Before(before) {
			job.Status = model.JobStatusFailed
			job.Stage = model.StageFailed
			job.ErrorMessage = message
			n++
		}
	}
	return n, nil
}

func (m *memStore) heartbeatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeats
}

func (m *memStore) jobsFor(libraryConfigID int64) []model.PopulationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PopulationJob
	for _, job := range m.jobs {
		if job.LibraryConfigID == libraryConfigID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ReplaceChunks(ctx context.Context, cfg *model.LibraryConfig, version string, records []model.ChunkRecord, meta repo.IndexMeta) (*model.LibraryStats, error) {
	for _, rec := range records {
		if len(rec.Embedding) != meta.Dimension {
			return nil, appErr.ErrConfigMismatch
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceFn != nil {
		if err := m.replaceFn(); err != nil {
			return nil, err
		}
	}
	lib, ok := m.libs[cfg.ID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	total := 0
	for _, rec := range records {
		total += rec.TokenCount
	}
	m.chunks[cfg.ID] = append([]model.ChunkRecord(nil), records...)
	now := time.Now()
	st := &model.LibraryStats{
		LibraryConfigID: cfg.ID,
		Version:         version,
		ChunkCount:      len(records),
		TotalTokens:     total,
		EmbeddingModel:  meta.Model,
		Dimension:       meta.Dimension,
		Metric:          meta.Metric,
		Mtime:           now,
	}
	m.stats[cfg.ID] = st
	v := version
	lib.CurrentVersion = &v
	lib.LastPopulated = &now
	lib.LastChecked = &now
	cp := *st
	return &cp, nil
}

func (m *memStore) SimilaritySearch(ctx context.Context, p repo.SearchParams) ([]model.SearchHit, error) {
	if p.Limit <= 0 {
		return []model.SearchHit{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[p.LibraryConfigID]
	if !ok || st.Version != p.Version {
		return []model.SearchHit{}, nil
	}
	hits := make([]model.SearchHit, 0, len(m.chunks[p.LibraryConfigID]))
	for _, rec := range m.chunks[p.LibraryConfigID] {
		d := cosineDistance(rec.Embedding, p.Vector)
		hits = append(hits, model.SearchHit{
			ItemPath: rec.ItemPath,
			Content:  rec.Content,
			Distance: d,
			Score:    repo.Score(p.Metric, d),
			Version:  st.Version,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ItemPath < hits[j].ItemPath
	})
	if len(hits) > p.Limit {
		hits = hits[:p.Limit]
	}
	return hits, nil
}

func (m *memStore) Count(ctx context.Context, libraryConfigID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[libraryConfigID]), nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

type fakeFetcher struct {
	mu      sync.Mutex
	version string
	pages   []model.Page
	err     error
	gate    chan struct{}
	started chan struct{}
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, name, versionSpec string) (*model.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	version := f.version
	if versionSpec != model.VersionLatest {
		version = versionSpec
	}
	return &model.FetchResult{Library: name, ResolvedVersion: version, Pages: append([]model.Page(nil), f.pages...)}, nil
}

func (f *fakeFetcher) ResolveVersion(ctx context.Context, name, versionSpec string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if versionSpec != model.VersionLatest {
		return versionSpec, nil
	}
	return f.version, nil
}

func (f *fakeFetcher) setVersion(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

// pageChunker turns each page into one chunk; empty pages are unparsable.
type pageChunker struct{}

func (pageChunker) Chunk(ctx context.Context, pages []model.Page) (*chunker.Result, error) {
	res := &chunker.Result{}
	for _, p := range pages {
		if strings.TrimSpace(p.Markup) == "" {
			res.Skipped++
			res.SkippedPaths = append(res.SkippedPaths, p.Path)
			continue
		}
		res.Chunks = append(res.Chunks, model.Chunk{
			ItemPath:   "demo_lib::" + strings.TrimSuffix(p.Path, ".html"),
			Content:    p.Markup,
			TokenCount: chunker.EstimateTokens(p.Markup),
			Position:   len(res.Chunks),
		})
	}
	if len(res.Chunks) == 0 {
		return res, fmt.Errorf("no chunks: %w", appErr.ErrParse)
	}
	return res, nil
}

var keywords = []string{"alpha", "beta", "gamma"}

// keywordEmbedder maps each known keyword to one axis. The last axis is
// a constant so no vector is zero.
type keywordEmbedder struct {
	mu      sync.Mutex
	dim     int
	model   string
	limits  ai.Limits
	errs    []error
	batches [][]string
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{dim: len(keywords) + 1, model: "fake:keywords", limits: ai.Limits{MaxItems: 2}}
}

func (k *keywordEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if taskType == ai.TaskTypeDocument {
		k.batches = append(k.batches, append([]string(nil), texts...))
	}
	if len(k.errs) > 0 {
		err := k.errs[0]
		k.errs = k.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, k.dim)
		for j, kw := range keywords {
			if strings.Contains(text, kw) {
				vec[j] = 1
			}
		}
		vec[k.dim-1] = 0.1
		out[i] = vec
	}
	return out, nil
}

func (k *keywordEmbedder) ModelName() string { return k.model }
func (k *keywordEmbedder) Dimension() int    { return k.dim }
func (k *keywordEmbedder) Limits() ai.Limits { return k.limits }

func (k *keywordEmbedder) failNext(errs ...error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errs = append(k.errs, errs...)
}

func (k *keywordEmbedder) documentCalls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.batches)
}

type fakeGenerator struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}
