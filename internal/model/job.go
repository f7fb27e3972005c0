package model

import "time"

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Stage is the fine grained pipeline position of a running job.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageRequested Stage = "requested"
	StageFetching  Stage = "fetching"
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageStoring   Stage = "storing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Status maps a pipeline stage onto the persisted job status.
func (s Stage) Status() JobStatus {
	switch s {
	case StageRequested, StageIdle:
		return JobStatusPending
	case StageCompleted:
		return JobStatusCompleted
	case StageFailed:
		return JobStatusFailed
	default:
		return JobStatusRunning
	}
}

type PopulationJob struct {
	ID              int64      `json:"id"`
	LibraryConfigID int64      `json:"library_config_id"`
	Status          JobStatus  `json:"status"`
	Stage           Stage      `json:"stage"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ChunksPopulated int        `json:"chunks_populated"`
	ItemsSkipped    int        `json:"items_skipped"`
	HeartbeatAt     time.Time  `json:"heartbeat_at"`
	Ctime           time.Time  `json:"ctime"`
}

const (
	LibraryStatePopulated    = "populated"
	LibraryStateEmpty        = "empty"
	LibraryStateNotPopulated = "not_populated"
)

type LibraryStatus struct {
	Library   LibraryConfig  `json:"library"`
	Stats     *LibraryStats  `json:"stats,omitempty"`
	Job       *PopulationJob `json:"job,omitempty"`
	State     string         `json:"state"`
	Queryable bool           `json:"queryable"`
	Note      string         `json:"note,omitempty"`
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusRunning:   {JobStatusPending, JobStatusRunning},
	JobStatusCompleted: {JobStatusRunning},
	JobStatusFailed:    {JobStatusPending, JobStatusRunning},
}

// TransitionSources lists the statuses a job may hold when moving to the
// given status. running -> running is a stage update.
func TransitionSources(to JobStatus) []JobStatus {
	return jobTransitions[to]
}

func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
