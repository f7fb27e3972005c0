package job

import "context"

type staleRecoverer interface {
	RecoverStaleJobs(ctx context.Context) (int64, error)
}

type StaleJobRecoveryJob struct {
	population staleRecoverer
}

func NewStaleJobRecoveryJob(population staleRecoverer) *StaleJobRecoveryJob {
	return &StaleJobRecoveryJob{population: population}
}

func (j *StaleJobRecoveryJob) Name() string {
	return "stale_job_recovery"
}

func (j *StaleJobRecoveryJob) Run(ctx context.Context) error {
	if j.population == nil {
		return nil
	}
	_, err := j.population.RecoverStaleJobs(ctx)
	return err
}
