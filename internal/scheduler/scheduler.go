// Package scheduler runs cron-based relabel and notification jobs and
// one-off background work such as a re-sync after a label edit.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wesm/casevault/internal/config"
	"github.com/wesm/casevault/internal/metrics"
)

var (
	// ErrStopped is returned when work is submitted after Stop.
	ErrStopped = errors.New("scheduler is stopped")
	// ErrAlreadyRunning is returned when a job with the same name is
	// still running.
	ErrAlreadyRunning = errors.New("job already running")
	// ErrNotScheduled is returned by Trigger for an unknown job name.
	ErrNotScheduled = errors.New("job is not scheduled")
)

// Job kinds, used as the metrics label.
const (
	KindRelabel  = "relabel"
	KindDispatch = "dispatch"
	KindResync   = "resync"
)

// JobFunc is the work performed by a job. ctx is cancelled on Stop.
type JobFunc func(ctx context.Context) error

// RelabelFunc re-evaluates the labels of one organization.
type RelabelFunc func(ctx context.Context, orgID int64) error

// JobStatus represents the state of a scheduled job.
type JobStatus struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

type job struct {
	kind     string
	schedule string
	entry    cron.EntryID
	fn       JobFunc
}

// Scheduler manages cron jobs and one-off submitted work.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*job      // name -> scheduled job
	running map[string]bool      // name -> currently running
	lastRun map[string]time.Time // name -> last successful run
	lastErr map[string]error     // name -> last error

	ctx     context.Context    // cancelled on Stop
	cancel  context.CancelFunc // cancels ctx
	wg      sync.WaitGroup     // tracks running job goroutines
	started bool               // true after Start(), false after Stop()
	stopped bool               // true after Stop()
}

// New creates a new Scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		logger:  slog.Default(),
		jobs:    make(map[string]*job),
		running: make(map[string]bool),
		lastRun: make(map[string]time.Time),
		lastErr: make(map[string]error),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// RelabelJobName is the job name of an organization's relabel job.
func RelabelJobName(orgID int64) string {
	return fmt.Sprintf("relabel:org:%d", orgID)
}

// AddJob schedules fn under name using the given cron expression, replacing
// any job already registered under that name.
func (s *Scheduler) AddJob(name, kind, cronExpr string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, exists := s.jobs[name]; exists {
		s.cron.Remove(j.entry)
		delete(s.jobs, name)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		if err := s.start(name); err != nil {
			s.logger.Debug("skipping scheduled run", "job", name, "reason", err)
			return
		}
		s.run(name, kind, fn)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.jobs[name] = &job{kind: kind, schedule: cronExpr, entry: entryID, fn: fn}
	s.logger.Info("scheduled job",
		"job", name,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)

	return nil
}

// AddOrgsFromConfig adds a relabel job for every enabled organization.
// Returns the number of jobs scheduled and any errors encountered.
func (s *Scheduler) AddOrgsFromConfig(cfg *config.Config, relabel RelabelFunc) (int, []error) {
	var errs []error
	scheduled := 0

	for _, org := range cfg.ScheduledOrgs() {
		orgID := org.ID
		err := s.AddJob(RelabelJobName(orgID), KindRelabel, org.Schedule, func(ctx context.Context) error {
			return relabel(ctx, orgID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("org %d: %w", orgID, err))
		} else {
			scheduled++
		}
	}

	return scheduled, errs
}

// RemoveJob removes a scheduled job.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, exists := s.jobs[name]; exists {
		s.cron.Remove(j.entry)
		delete(s.jobs, name)
		s.logger.Info("removed schedule", "job", name)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop gracefully stops the scheduler, cancels running jobs, and waits
// for them to finish. Returns a context that is done when all work completes.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// start marks name as running. The caller must then call run.
func (s *Scheduler) start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.running[name] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	s.running[name] = true
	s.wg.Add(1)
	return nil
}

// run executes a job that start has admitted.
func (s *Scheduler) run(name, kind string, fn JobFunc) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting job", "job", name)
	start := time.Now()

	err := fn(s.ctx)
	metrics.JobRunsTotal.WithLabelValues(kind, metrics.Status(err)).Inc()

	s.mu.Lock()
	if err != nil {
		s.lastErr[name] = err
		s.logger.Error("job failed",
			"job", name,
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun[name] = time.Now()
		s.lastErr[name] = nil
		s.logger.Info("job completed",
			"job", name,
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// Submit runs fn once in the background under name. It is refused while
// another job with the same name is running.
func (s *Scheduler) Submit(name, kind string, fn JobFunc) error {
	if err := s.start(name); err != nil {
		return err
	}
	go s.run(name, kind, fn)
	return nil
}

// IsScheduled returns true if a cron job is registered under name.
func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.jobs[name]
	return exists
}

// Trigger runs a scheduled job now, outside of its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	j, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotScheduled, name)
	}
	return s.Submit(name, j.kind, j.fn)
}

// Status returns the current status of all scheduled jobs, ordered by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for name, j := range s.jobs {
		status := JobStatus{
			Name:     name,
			Kind:     j.kind,
			Running:  s.running[name],
			LastRun:  s.lastRun[name],
			NextRun:  s.cron.Entry(j.entry).Next,
			Schedule: j.schedule,
		}
		if err := s.lastErr[name]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	slices.SortFunc(statuses, func(a, b JobStatus) int { return cmp.Compare(a.Name, b.Name) })
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
