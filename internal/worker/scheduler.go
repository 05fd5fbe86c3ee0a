package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a unit the scheduler runs on a cron spec.
type Job interface {
	Run()
}

type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapCronLogger{logger: logger.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return &Scheduler{cron: c, logger: logger}
}

func (s *Scheduler) Add(name, spec string, job Job) error {
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
