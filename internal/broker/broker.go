// Package broker wraps Redis for job id lists, ephemeral job progress and
// short-lived leases.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
)

// ErrEmpty is returned by Pop when no id arrived before the timeout.
var ErrEmpty = errors.New("broker: queue empty")

// QueueKey returns the Redis list holding job ids for a queue.
func QueueKey(queue string) string {
	return "queue:" + queue
}

// ProgressKey returns the key holding the latest progress of a job.
func ProgressKey(jobID string) string {
	return "job:progress:" + jobID
}

type Broker struct {
	rdb         redis.UniversalClient
	progressTTL time.Duration
	logger      zerolog.Logger
}

func New(rdb redis.UniversalClient, progressTTL time.Duration, logger zerolog.Logger) *Broker {
	return &Broker{
		rdb:         rdb,
		progressTTL: progressTTL,
		logger:      logger.With().Str("component", "broker").Logger(),
	}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (b *Broker) Push(ctx context.Context, queue, jobID string) error {
	if err := b.rdb.RPush(ctx, QueueKey(queue), jobID).Err(); err != nil {
		return fmt.Errorf("push job %s to %s: %w", jobID, queue, err)
	}
	return nil
}

// Pop blocks up to timeout for an id on any of the queues, checked in order.
func (b *Broker) Pop(ctx context.Context, queues []string, timeout time.Duration) (queue, jobID string, err error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = QueueKey(q)
	}
	res, err := b.rdb.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrEmpty
	}
	if err != nil {
		return "", "", fmt.Errorf("pop from %v: %w", queues, err)
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("pop from %v: unexpected reply %v", queues, res)
	}
	for _, q := range queues {
		if QueueKey(q) == res[0] {
			return q, res[1], nil
		}
	}
	return res[0], res[1], nil
}

// Count returns how many times an id is currently listed in a queue.
func (b *Broker) Count(ctx context.Context, queue, jobID string) (int, error) {
	ids, err := b.rdb.LRange(ctx, QueueKey(queue), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("range %s: %w", queue, err)
	}
	n := 0
	for _, id := range ids {
		if id == jobID {
			n++
		}
	}
	return n, nil
}

func (b *Broker) Len(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, QueueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", queue, err)
	}
	return n, nil
}

func (b *Broker) SetProgress(ctx context.Context, p model.JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := b.rdb.Set(ctx, ProgressKey(p.JobID), data, b.progressTTL).Err(); err != nil {
		return fmt.Errorf("set progress for job %s: %w", p.JobID, err)
	}
	return nil
}

// Progress returns the latest progress of a job, or nil once it expired.
func (b *Broker) Progress(ctx context.Context, jobID string) (*model.JobProgress, error) {
	data, err := b.rdb.Get(ctx, ProgressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress for job %s: %w", jobID, err)
	}
	var p model.JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode progress for job %s: %w", jobID, err)
	}
	return &p, nil
}
