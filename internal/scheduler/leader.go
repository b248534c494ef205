package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/broker"
)

// LeaderKey is the broker key held by the active scheduler.
const LeaderKey = "scheduler:leader"

type LeaseAcquirer interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (*broker.Lease, error)
}

// Leader tracks whether this process holds the scheduler lease. Each check
// renews a held lease or tries to take a free one.
type Leader struct {
	mu     sync.Mutex
	leases LeaseAcquirer
	ttl    time.Duration
	lease  *broker.Lease
	logger zerolog.Logger
}

func NewLeader(leases LeaseAcquirer, ttl time.Duration, logger zerolog.Logger) *Leader {
	return &Leader{leases: leases, ttl: ttl, logger: logger}
}

func (l *Leader) Check(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lease != nil {
		err := l.lease.Renew(ctx)
		if err == nil {
			return true
		}
		l.logger.Warn().Err(err).Msg("scheduler leadership lost")
		l.lease = nil
	}

	lease, err := l.leases.AcquireLease(ctx, LeaderKey, l.ttl)
	if errors.Is(err, broker.ErrLeaseHeld) {
		return false
	}
	if err != nil {
		l.logger.Error().Err(err).Msg("acquire scheduler lease")
		return false
	}
	l.lease = lease
	l.logger.Info().Msg("scheduler leadership acquired")
	return true
}

// Resign releases the lease so a standby can take over without waiting for
// it to expire.
func (l *Leader) Resign(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lease == nil {
		return
	}
	if err := l.lease.Release(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("release scheduler lease")
	}
	l.lease = nil
}
