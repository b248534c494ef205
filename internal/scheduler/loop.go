package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/metrics"
)

// Loop runs fn every interval while this process is the leader. It is a
// suture service.
type Loop struct {
	name     string
	interval time.Duration
	leader   *Leader
	fn       func(ctx context.Context) (int, error)
	logger   zerolog.Logger
}

func NewLoop(name string, interval time.Duration, leader *Leader, fn func(ctx context.Context) (int, error), logger zerolog.Logger) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		leader:   leader,
		fn:       fn,
		logger:   logger.With().Str("component", "scheduler").Str("loop", name).Logger(),
	}
}

func (l *Loop) String() string {
	return "scheduler " + l.name
}

func (l *Loop) Serve(ctx context.Context) error {
	l.logger.Info().Dur("interval", l.interval).Msg("loop started")
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.leader.Resign(context.WithoutCancel(ctx))
			l.logger.Info().Msg("loop stopped")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one iteration if this process holds leadership.
func (l *Loop) Tick(ctx context.Context) {
	if !l.leader.Check(ctx) {
		metrics.SchedulerTicks.WithLabelValues(l.name, "standby").Inc()
		return
	}
	n, err := l.fn(ctx)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues(l.name, "error").Inc()
		l.logger.Error().Err(err).Msg("tick failed")
		return
	}
	metrics.SchedulerTicks.WithLabelValues(l.name, "ok").Inc()
	if n > 0 {
		l.logger.Info().Int("enqueued", n).Msg("tick complete")
	}
}
