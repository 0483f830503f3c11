package pipeline

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lox/aquacast/internal/forecast"
	"github.com/lox/aquacast/internal/logging"
)

// Forecaster runs one forecast.
type Forecaster interface {
	Run(ctx context.Context) (*Result, error)
}

// RunLog reports whether a day already has a successful run.
type RunLog interface {
	HasSuccessfulRun(processingDate time.Time) (bool, error)
}

// Scheduler runs the forecast once per UTC day, at or after a configured
// hour, skipping days that already have a successful run.
type Scheduler struct {
	forecaster Forecaster
	runs       RunLog
	clock      clockwork.Clock
	hour       int
	interval   time.Duration
	log        zerolog.Logger
}

func NewScheduler(f Forecaster, runs RunLog, clock clockwork.Clock, hour int) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		forecaster: f,
		runs:       runs,
		clock:      clock,
		hour:       hour,
		interval:   15 * time.Minute,
		log:        logging.With("scheduler"),
	}
}

// Run blocks until ctx is cancelled. Run failures are logged and retried
// on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runIfDue(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutting down")
			return nil
		case <-ticker.Chan():
			s.runIfDue(ctx)
		}
	}
}

func (s *Scheduler) runIfDue(ctx context.Context) {
	ran, err := s.RunIfDue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled run failed")
		return
	}
	if ran {
		s.log.Info().Msg("scheduled run complete")
	}
}

// RunIfDue runs the forecast if today's run is due and not yet done. It
// reports whether a run was attempted.
func (s *Scheduler) RunIfDue(ctx context.Context) (bool, error) {
	now := s.clock.Now().UTC()
	if now.Hour() < s.hour {
		return false, nil
	}

	done, err := s.runs.HasSuccessfulRun(forecast.DateOf(now))
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	_, err = s.forecaster.Run(ctx)
	return true, err
}
