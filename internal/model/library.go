package model

import "time"

const VersionLatest = "latest"

type LibraryConfig struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	VersionSpec    string     `json:"version_spec"`
	CurrentVersion *string    `json:"current_version,omitempty"`
	Features       []string   `json:"features"`
	ExpectedChunks int        `json:"expected_chunks"`
	Enabled        bool       `json:"enabled"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	LastPopulated  *time.Time `json:"last_populated,omitempty"`
	Ctime          time.Time  `json:"ctime"`
	Mtime          time.Time  `json:"mtime"`
}

// ResolvedVersion returns the populated version or "" if the library has
// never completed a population.
func (c *LibraryConfig) ResolvedVersion() string {
	if c == nil || c.CurrentVersion == nil {
		return ""
	}
	return *c.CurrentVersion
}

func (c *LibraryConfig) Populated() bool {
	return c != nil && c.LastPopulated != nil && c.CurrentVersion != nil
}

// LibraryStats is the denormalized per-library record kept in step with
// the chunk set by the atomic swap.
type LibraryStats struct {
	LibraryConfigID int64     `json:"library_config_id"`
	Version         string    `json:"version"`
	ChunkCount      int       `json:"chunk_count"`
	TotalTokens     int       `json:"total_tokens"`
	EmbeddingModel  string    `json:"embedding_model"`
	Dimension       int       `json:"dimension"`
	Metric          string    `json:"metric"`
	Mtime           time.Time `json:"mtime"`
}

type LibrarySummary struct {
	Config LibraryConfig  `json:"config"`
	Stats  *LibraryStats  `json:"stats,omitempty"`
	Job    *PopulationJob `json:"job,omitempty"`
}

type LibrarySpec struct {
	Name           string   `json:"name"`
	VersionSpec    string   `json:"version_spec"`
	Features       []string `json:"features"`
	ExpectedChunks int      `json:"expected_chunks"`
	Enabled        *bool    `json:"enabled"`
}

type AddLibraryResult struct {
	Name        string         `json:"name"`
	VersionSpec string         `json:"version_spec"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Message     string         `json:"message"`
	Job         *PopulationJob `json:"job,omitempty"`
}

type AddLibrariesSummary struct {
	Total            int `json:"total"`
	Successful       int `json:"successful"`
	Failed           int `json:"failed"`
	IngestionStarted int `json:"ingestion_started"`
}

type AddLibrariesResult struct {
	Results []AddLibraryResult  `json:"results"`
	Summary AddLibrariesSummary `json:"summary"`
	Message string              `json:"message"`
}
