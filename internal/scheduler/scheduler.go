// Package scheduler runs the periodic maintenance jobs of the service:
// the invitation expiry sweep, the outbox relay and notification expiry.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper expires invitations whose response window has passed.
type Sweeper interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Relay re-dispatches outbox events that were not delivered inline.
type Relay interface {
	ProcessOutbox(ctx context.Context, limit int) (int, error)
}

// NotificationExpirer marks stale undelivered notifications expired.
type NotificationExpirer interface {
	ExpireNotifications(ctx context.Context) (int64, error)
}

// Config holds the cron specs. An empty spec disables that job.
type Config struct {
	ExpirySweep        string
	OutboxRelay        string
	NotificationExpiry string
	BatchSize          int
	JobTimeout         time.Duration
}

// Scheduler owns one cron runner. Overlapping runs of the same job are
// skipped.
type Scheduler struct {
	cron       *cron.Cron
	sweeper    Sweeper
	relay      Relay
	expirer    NotificationExpirer
	batchSize  int
	jobTimeout time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

func New(cfg Config, sweeper Sweeper, relay Relay, expirer NotificationExpirer, logger zerolog.Logger) (*Scheduler, error) {
	logger = logger.With().Str("service", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		sweeper:    sweeper,
		relay:      relay,
		expirer:    expirer,
		batchSize:  cfg.BatchSize,
		jobTimeout: cfg.JobTimeout,
		now:        time.Now,
		logger:     logger,
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = 30 * time.Second
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
		ok   bool
	}{
		{"expiry_sweep", cfg.ExpirySweep, s.sweep, sweeper != nil},
		{"outbox_relay", cfg.OutboxRelay, s.relayOutbox, relay != nil},
		{"notification_expiry", cfg.NotificationExpiry, s.expireNotifications, expirer != nil},
	}
	for _, job := range jobs {
		if job.spec == "" || !job.ok {
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() { s.runJob(run) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
		logger.Info().Str("job", job.name).Str("schedule", job.spec).Msg("job scheduled")
	}
	return s, nil
}

// Start runs the jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further runs and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs reports the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runJob(run func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()
	run(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.sweeper.ExpireDue(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expiry sweep")
	}
}

func (s *Scheduler) relayOutbox(ctx context.Context) {
	n, err := s.relay.ProcessOutbox(ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Int("dispatched", n).Msg("outbox relay failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("dispatched", n).Msg("outbox relay")
	}
}

func (s *Scheduler) expireNotifications(ctx context.Context) {
	n, err := s.expirer.ExpireNotifications(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("notification expiry failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("expired", n).Msg("notifications expired")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
