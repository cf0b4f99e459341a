// Package scheduler drives the engine's periodic work: health sweeps,
// alert evaluation passes, silence expiry, and retention pruning.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is one periodic unit of work. The context is the scheduler's
// lifetime context; jobs should stop promptly when it is cancelled.
type JobFunc func(ctx context.Context)

// Job describes a registered periodic job.
type Job struct {
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
}

// CronScheduler manages the engine's periodic jobs
type CronScheduler struct {
	logger   *zap.Logger
	cron     *cron.Cron
	jobs     sync.Map
	entryIDs sync.Map

	mu  sync.Mutex
	ctx context.Context
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewCronScheduler creates a new scheduler
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger)),
	}

	return &CronScheduler{
		logger: logger,
		cron:   cron.New(cronOptions...),
		ctx:    context.Background(),
	}
}

// Start starts the scheduler. The given context is handed to every job run
// and cancelling it stops in-flight work.
func (s *CronScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddJob registers a named periodic job with a six-field cron expression.
func (s *CronScheduler) AddJob(name, expression string, fn JobFunc) error {
	specParser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := specParser.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	job := &Job{Name: name, Expression: expression}
	s.jobs.Store(name, job)

	entryID, err := s.cron.AddJob(expression, &cronJob{
		scheduler: s,
		job:       job,
		spec:      spec,
		fn:        fn,
	})
	if err != nil {
		s.jobs.Delete(name)
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryIDs.Store(name, entryID)

	next := spec.Next(time.Now())
	job.NextRunTime = &next

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("expression", expression),
		zap.Time("next_run", next))
	return nil
}

// RemoveJob removes a job by name.
func (s *CronScheduler) RemoveJob(name string) error {
	entryIDVal, ok := s.entryIDs.Load(name)
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}

	s.cron.Remove(entryIDVal.(cron.EntryID))
	s.entryIDs.Delete(name)
	s.jobs.Delete(name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// ListJobs lists all registered jobs.
func (s *CronScheduler) ListJobs() []*Job {
	var jobs []*Job
	s.jobs.Range(func(key, value interface{}) bool {
		jobs = append(jobs, value.(*Job))
		return true
	})
	return jobs
}

// cronJob implements cron.Job interface
type cronJob struct {
	scheduler *CronScheduler
	job       *Job
	spec      cron.Schedule
	fn        JobFunc
}

// Run implements cron.Job
func (j *cronJob) Run() {
	now := time.Now()
	j.job.LastRunTime = &now
	next := j.spec.Next(now)
	j.job.NextRunTime = &next

	j.scheduler.mu.Lock()
	ctx := j.scheduler.ctx
	j.scheduler.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	j.fn(ctx)

	j.scheduler.logger.Debug("Executed job",
		zap.String("name", j.job.Name),
		zap.Time("executed_at", now),
		zap.Time("next_run", next))
}
