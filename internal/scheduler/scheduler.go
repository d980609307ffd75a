// Package scheduler runs the sync job on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fruitsalade/jamfsync/internal/logging"
)

// parser accepts standard five-field expressions and descriptors such as
// @hourly or @every 6h.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a cron expression.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler fires a job on a cron schedule. A firing that comes due while the
// previous run is still going is skipped, and a panicking job is logged and
// recovered.
type Scheduler struct {
	cron  *cron.Cron
	entry cron.EntryID
	spec  string
}

// New registers job under spec. The job receives ctx on every run, so
// cancelling ctx aborts a run in progress.
func New(ctx context.Context, spec string, job func(ctx context.Context)) (*Scheduler, error) {
	log := cronLogger{s: logging.S().With(zap.String("component", "scheduler"))}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	id, err := c.AddFunc(spec, func() { job(ctx) })
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	return &Scheduler{cron: c, entry: id, spec: spec}, nil
}

// Start begins firing in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.Info("scheduler started",
		zap.String("schedule", s.spec),
		zap.Time("next_run", s.Next()))
}

// Stop stops firing and waits for a running job to return, or for ctx to
// be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logging.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running sync: %w", ctx.Err())
	}
}

// Next returns the next time the job will fire.
func (s *Scheduler) Next() time.Time {
	entry := s.cron.Entry(s.entry)
	if !entry.Next.IsZero() {
		return entry.Next
	}
	return entry.Schedule.Next(time.Now())
}

// cronLogger routes cron's logr-style output to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
