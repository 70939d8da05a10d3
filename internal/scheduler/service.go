// Package scheduler re-reads the registry on a cron schedule so records
// enabled or disabled out of band are picked up without a restart.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Reconciler is satisfied by the watch orchestrator.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

type Service struct {
	target  Reconciler
	cron    *cron.Cron
	spec    string
	timeout time.Duration
	stop    chan struct{}
}

// NewService builds a resync service. spec is a standard five-field cron
// expression or a descriptor such as "@every 1m". Each run is bounded by
// timeout when it is positive.
func NewService(target Reconciler, spec string, timeout time.Duration) (*Service, error) {
	if err := ValidateCronExpression(spec); err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", spec, err)
	}
	return &Service{
		target:  target,
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		spec:    spec,
		timeout: timeout,
		stop:    make(chan struct{}),
	}, nil
}

// Start runs until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	next, _ := NextRunTime(s.spec, time.Now())
	log.Info().Str("schedule", s.spec).Time("next_run", next).Msg("resync service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("resync service stopped")
	return nil
}

func (s *Service) Stop() {
	close(s.stop)
}

// RunOnce reconciles immediately.
func (s *Service) RunOnce(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := s.target.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("scheduled resync failed")
		return
	}
	log.Debug().Dur("took", time.Since(start)).Msg("scheduled resync finished")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
