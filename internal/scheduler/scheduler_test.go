package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu    sync.Mutex
	asOf  []time.Time
	err   error
	delay time.Duration
}

func (s *stubRunner) RunLatest(ctx context.Context, asOf time.Time) (*riskmodel.Report, error) {
	s.mu.Lock()
	s.asOf = append(s.asOf, asOf)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &riskmodel.Report{RunID: "run"}, nil
}

func (s *stubRunner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.asOf)
}

func TestRebalanceJob_Run(t *testing.T) {
	runner := &stubRunner{}
	job := NewRebalanceJob(runner, 0, zerolog.Nop())
	job.now = func() time.Time { return time.Date(2024, 3, 1, 6, 0, 5, 0, time.FixedZone("CET", 3600)) }

	require.NoError(t, job.Run())
	require.Equal(t, 1, runner.calls())
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), runner.asOf[0], "as-of is the UTC calendar date")
	assert.Equal(t, "rebalance", job.Name())
}

func TestRebalanceJob_InProgressIsNotAnError(t *testing.T) {
	runner := &stubRunner{err: riskmodel.ErrRunInProgress}
	job := NewRebalanceJob(runner, 0, zerolog.Nop())
	assert.NoError(t, job.Run())
}

func TestRebalanceJob_PropagatesErrors(t *testing.T) {
	runner := &stubRunner{err: errors.New("source unavailable")}
	job := NewRebalanceJob(runner, 0, zerolog.Nop())
	assert.EqualError(t, job.Run(), "source unavailable")
}

func TestRebalanceJob_Timeout(t *testing.T) {
	runner := &stubRunner{delay: time.Second}
	job := NewRebalanceJob(runner, 10*time.Millisecond, zerolog.Nop())
	assert.ErrorIs(t, job.Run(), context.DeadlineExceeded)
}

func TestScheduler_AddJob(t *testing.T) {
	s := New(zerolog.Nop())
	runner := &stubRunner{}

	require.NoError(t, s.AddJob("0 0 6 1 * *", NewRebalanceJob(runner, 0, zerolog.Nop())))
	assert.Equal(t, 1, s.Entries())

	assert.Error(t, s.AddJob("not a schedule", NewRebalanceJob(runner, 0, zerolog.Nop())))
	assert.Equal(t, 1, s.Entries())
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := New(zerolog.Nop())
	runner := &stubRunner{}
	require.NoError(t, s.AddJob("@every 1s", NewRebalanceJob(runner, 0, zerolog.Nop())))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runner.calls() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(zerolog.Nop())
	runner := &stubRunner{}
	require.NoError(t, s.RunNow(NewRebalanceJob(runner, 0, zerolog.Nop())))
	assert.Equal(t, 1, runner.calls())
}

type funcJob struct {
	name string
	run  func() error
}

func (j funcJob) Name() string { return j.name }
func (j funcJob) Run() error   { return j.run() }

func TestScheduler_RejectsDuplicateName(t *testing.T) {
	s := New(zerolog.Nop())
	runner := &stubRunner{}

	require.NoError(t, s.AddJob("@hourly", NewRebalanceJob(runner, 0, zerolog.Nop())))
	assert.ErrorContains(t, s.AddJob("@daily", NewRebalanceJob(runner, 0, zerolog.Nop())), "already registered")
	assert.Equal(t, 1, s.Entries())
}

func TestScheduler_JobsRecordsRuns(t *testing.T) {
	s := New(zerolog.Nop())
	fail := true
	job := funcJob{name: "flaky", run: func() error {
		if fail {
			return errors.New("source unavailable")
		}
		return nil
	}}
	require.NoError(t, s.AddJob("0 0 6 1 * *", job))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "flaky", jobs[0].Name)
	assert.Equal(t, "0 0 6 1 * *", jobs[0].Schedule)
	assert.Zero(t, jobs[0].Runs)

	assert.EqualError(t, s.RunNow(job), "source unavailable")
	jobs = s.Jobs()
	assert.Equal(t, 1, jobs[0].Runs)
	assert.Equal(t, 1, jobs[0].Failures)
	assert.Equal(t, "source unavailable", jobs[0].LastError)
	assert.False(t, jobs[0].LastStarted.IsZero())

	fail = false
	require.NoError(t, s.RunNow(job))
	jobs = s.Jobs()
	assert.Equal(t, 2, jobs[0].Runs)
	assert.Equal(t, 1, jobs[0].Failures)
	assert.Empty(t, jobs[0].LastError, "a success clears the last error")
}

func TestScheduler_JobsReportsNextTick(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("@every 1h", funcJob{name: "hourly", run: func() error { return nil }}))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		jobs := s.Jobs()
		return len(jobs) == 1 && jobs[0].Next.After(time.Now())
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_RecoversPanickingJob(t *testing.T) {
	s := New(zerolog.Nop())
	job := funcJob{name: "broken", run: func() error { panic("nil map") }}
	require.NoError(t, s.AddJob("@hourly", job))

	var err error
	assert.NotPanics(t, func() { err = s.RunNow(job) })
	assert.ErrorContains(t, err, "panicked: nil map")

	jobs := s.Jobs()
	assert.Equal(t, 1, jobs[0].Failures)
	assert.Contains(t, jobs[0].LastError, "panicked")
}

func TestScheduler_RunNowUnregisteredJob(t *testing.T) {
	s := New(zerolog.Nop())
	calls := 0
	require.NoError(t, s.RunNow(funcJob{name: "adhoc", run: func() error { calls++; return nil }}))
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.Jobs())
}
