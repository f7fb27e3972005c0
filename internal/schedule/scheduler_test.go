package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingJob struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
}

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Run(ctx context.Context) error {
	j.calls.Add(1)
	j.entered <- struct{}{}
	<-j.release
	return nil
}

func TestWrapSkipsOverlappingRuns(t *testing.T) {
	s := NewCronScheduler()
	job := &blockingJob{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	run := s.wrap(job, "@manual")

	done := make(chan struct{})
	go func() {
		run()
		close(done)
	}()
	<-job.entered
	run()
	require.Equal(t, int32(1), job.calls.Load())

	close(job.release)
	<-done
	go run()
	<-job.entered
	require.Equal(t, int32(2), job.calls.Load())
}

func TestAddJobValidatesSpec(t *testing.T) {
	s := NewCronScheduler()
	job := &blockingJob{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	require.Error(t, s.AddJob(job, "not a spec"))
	require.Error(t, s.RunNow("blocking"))

	require.NoError(t, s.AddJob(job, "*/5 * * * *"))
	require.Error(t, s.AddJob(job, "*/5 * * * *"))

	require.NoError(t, s.RunNow("blocking"))
	select {
	case <-job.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	close(job.release)
}
