// Package scheduler runs the model rebalance and database upkeep on cron
// schedules and keeps a last-run record for each registered job, which the
// system status endpoint reports.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of background work. Name must be unique within a Scheduler.
type Job interface {
	Run() error
	Name() string
}

// JobStatus is the last-run record of a registered job.
type JobStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	LastStarted  time.Time     `json:"last_started"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastError    string        `json:"last_error,omitempty"`
	Next         time.Time     `json:"next"`
}

type registered struct {
	entry  cron.EntryID
	status JobStatus
}

// Scheduler wraps a seconds-resolution cron. A job still running when its next
// tick fires skips that tick, and a panicking job is recorded as a failure.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu    sync.Mutex
	jobs  map[string]*registered
	order []string
}

// New creates a stopped scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log:  log.With().Str("component", "scheduler").Logger(),
		jobs: make(map[string]*registered),
	}
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", s.Entries()).Msg("Scheduler started")
}

// Stop halts the cron and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers job under a six-field cron spec or a descriptor:
//   - "0 0 6 1 * *"  06:00 on the first of every month
//   - "@hourly"
//   - "@every 30s"
func (s *Scheduler) AddJob(schedule string, job Job) error {
	name := job.Name()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}

	id, err := s.cron.AddFunc(schedule, func() {
		if err := s.execute(job); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q for job %s: %w", schedule, name, err)
	}

	s.jobs[name] = &registered{entry: id, status: JobStatus{Name: name, Schedule: schedule}}
	s.order = append(s.order, name)

	s.log.Info().Str("schedule", schedule).Str("job", name).Msg("Job registered")
	return nil
}

// Entries is the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Jobs returns the status of every registered job in registration order, with
// Next filled from the cron once the scheduler is running.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		r := s.jobs[name]
		status := r.status
		status.Next = s.cron.Entry(r.entry).Next
		out = append(out, status)
	}
	return out
}

// RunNow executes job immediately, outside its schedule. The run is recorded
// when the job is registered.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return s.execute(job)
}

func (s *Scheduler) execute(job Job) (err error) {
	started := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Running job")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
		elapsed := time.Since(started)
		s.record(job.Name(), started, elapsed, err)
		if err == nil {
			s.log.Debug().Str("job", job.Name()).Dur("duration", elapsed).Msg("Job completed")
		}
	}()

	return job.Run()
}

func (s *Scheduler) record(name string, started time.Time, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[name]
	if !ok {
		return
	}
	r.status.Runs++
	r.status.LastStarted = started
	r.status.LastDuration = elapsed
	r.status.LastError = ""
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
	}
}
