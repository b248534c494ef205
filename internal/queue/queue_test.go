package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/backupd/internal/broker"
	"github.com/edvin/backupd/internal/model"
)

var bothQueues = []string{model.QueueDefault, model.QueueLow}

func newTestQueue(t *testing.T) (*Queue, *memJobs, *broker.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := broker.New(rdb, time.Hour, zerolog.Nop())
	jobs := newMemJobs()
	q := New(jobs, b, 3, zerolog.Nop())
	q.newBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }
	return q, jobs, b
}

func TestEnqueueDequeue(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx := context.Background()

	payload := model.BackupCreatePayload{Type: model.JobTypeBackupCreate, RepositoryID: "repo-1", SourceID: "srv-1", Scheduled: true}
	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, payload, "", 0)
	require.NoError(t, err)

	stored, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Equal(t, model.QueueDefault, stored.Queue)
	assert.Equal(t, 3, stored.MaxAttempts)

	job, err := q.Dequeue(ctx, bothQueues, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)

	var got model.BackupCreatePayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, payload, got)
}

func TestEnqueue_PushRetried(t *testing.T) {
	q, _, b := newTestQueue(t)
	q.broker = &flakyBroker{Broker: b, failures: 2}
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeServerMetrics, model.ServerPayload{ServerID: "srv-1"}, model.QueueLow, 1)
	require.NoError(t, err)

	n, err := b.Count(ctx, model.QueueLow, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_PushExhaustedLeavesRowForReconcile(t *testing.T) {
	q, jobs, b := newTestQueue(t)
	q.broker = &flakyBroker{Broker: b, failures: 100}
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeQueueReconcile, struct{}{}, model.QueueLow, 0)
	require.Error(t, err)
	require.NotEmpty(t, id)

	stored, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)

	q.broker = b
	q.now = func() time.Time { return time.Now().Add(time.Hour) }
	pushed, err := q.Reconcile(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)

	n, err := b.Count(ctx, model.QueueLow, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_InsertFailureReturnsNoID(t *testing.T) {
	q, jobs, b := newTestQueue(t)
	jobs.err = assert.AnError
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, id)

	l, err := b.Len(ctx, model.QueueDefault)
	require.NoError(t, err)
	assert.Zero(t, l)
}

func TestDequeue_DiscardsMissingJob(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx := context.Background()

	gone, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.NoError(t, err)
	jobs.delete(gone)

	job, err := q.Dequeue(ctx, bothQueues, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)

	gone, err = q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.NoError(t, err)
	jobs.delete(gone)
	valid, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.NoError(t, err)

	job, err = q.Dequeue(ctx, bothQueues, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, valid, job.ID)
}

func TestDequeue_DiscardsFinishedJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.NoError(t, err)
	ok, err := q.MarkCancelled(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := q.Dequeue(ctx, bothQueues, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.NoError(t, err)

	ok, err := q.MarkRunning(ctx, id, "node/w0")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.MarkCompleted(ctx, id, "done")
	require.NoError(t, err)
	require.True(t, ok)

	for _, op := range []func() (bool, error){
		func() (bool, error) { return q.MarkFailed(ctx, id, "late failure") },
		func() (bool, error) { return q.MarkCancelled(ctx, id) },
		func() (bool, error) { return q.MarkRunning(ctx, id, "node/w1") },
		func() (bool, error) { return q.Retry(ctx, id) },
	} {
		ok, err := op()
		require.NoError(t, err)
		assert.False(t, ok)
	}

	stored, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRetry_ReappearsExactlyOnce(t *testing.T) {
	q, jobs, b := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 3)
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, bothQueues, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	ok, err := q.MarkRunning(ctx, id, "node/w0")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.MarkFailed(ctx, id, "ssh: connection refused")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Retry(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	n, err := b.Count(ctx, model.QueueDefault, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = q.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "pending job cannot be retried again")
	n, err = b.Count(ctx, model.QueueDefault, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ok, err := q.MarkRunning(ctx, id, "node/w0")
		require.NoError(t, err)
		require.True(t, ok)
		_, err = q.MarkFailed(ctx, id, "boom")
		require.NoError(t, err)
		_, err = q.Retry(ctx, id)
		require.NoError(t, err)
	}

	stored, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	jobs.set(id, func(j *model.Job) { j.Status = model.StatusPending })
	ok, err := q.MarkRunning(ctx, id, "node/w0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgress(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, id, "node/w0")
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, id, 140, "creating archive"))

	p, err := q.Progress(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, "creating archive", p.Message)

	stored, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)
}

func TestProgress_FallsBackToRow(t *testing.T) {
	q, jobs, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobTypeBackupCreate, struct{}{}, "", 0)
	require.NoError(t, err)
	jobs.set(id, func(j *model.Job) { j.Progress = 55 })

	p, err := q.Progress(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 55, p.Percent)

	p, err = q.Progress(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}
