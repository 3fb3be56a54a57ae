// Package scheduler runs periodic maintenance jobs on a cron clock.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"knowledge-engine/internal/logger"
)

// Scheduler manages tagged periodic jobs
type Scheduler struct {
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a scheduler running in UTC
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and cancels any running job's context
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

// ScheduleCron registers job under tag on a cron expression. Errors are logged.
func (s *Scheduler) ScheduleCron(tag, cronExpr string, job func(ctx context.Context) error) error {
	_, err := s.scheduler.Cron(cronExpr).Tag(tag).Do(s.wrap(tag, job))
	return err
}

// Tags lists the tags of all scheduled jobs
func (s *Scheduler) Tags() []string {
	var tags []string
	for _, j := range s.scheduler.Jobs() {
		tags = append(tags, j.Tags()...)
	}
	return tags
}

func (s *Scheduler) wrap(tag string, job func(ctx context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			logger.Error("Scheduled job failed", "job", tag, "error", err)
			return
		}
		logger.Debug("Scheduled job finished", "job", tag, "duration", time.Since(start))
	}
}
