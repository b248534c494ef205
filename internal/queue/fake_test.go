package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/store"
)

// memJobs is an in-memory JobStore with the same guarded transitions as the
// SQL store.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	err  error
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*model.Job)}
}

func (m *memJobs) Insert(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, store.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) transition(id string, from []string, guard func(*model.Job) bool, apply func(*model.Job)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if j.Status == s {
			matched = true
		}
	}
	if !matched || (guard != nil && !guard(j)) {
		return false, nil
	}
	apply(j)
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *memJobs) Claim(_ context.Context, id, tag string) (bool, error) {
	return m.transition(id, []string{model.StatusPending}, func(j *model.Job) bool { return j.Attempts < j.MaxAttempts },
		func(j *model.Job) {
			j.Status = model.StatusRunning
			j.Attempts++
			j.WorkerTag = &tag
		})
}

func (m *memJobs) Complete(_ context.Context, id, output string) (bool, error) {
	return m.transition(id, []string{model.StatusRunning}, nil, func(j *model.Job) {
		j.Status = model.StatusCompleted
		j.Progress = 100
		j.Output = &output
	})
}

func (m *memJobs) Fail(_ context.Context, id, errText string) (bool, error) {
	return m.transition(id, []string{model.StatusPending, model.StatusRunning}, nil, func(j *model.Job) {
		j.Status = model.StatusFailed
		j.Error = &errText
	})
}

func (m *memJobs) Cancel(_ context.Context, id string) (bool, error) {
	return m.transition(id, []string{model.StatusPending, model.StatusRunning}, nil, func(j *model.Job) {
		j.Status = model.StatusCancelled
	})
}

func (m *memJobs) ResetForRetry(_ context.Context, id string) (bool, error) {
	return m.transition(id, []string{model.StatusFailed}, func(j *model.Job) bool { return j.Attempts < j.MaxAttempts },
		func(j *model.Job) {
			j.Status = model.StatusPending
			j.WorkerTag = nil
		})
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, pct int) error {
	_, err := m.transition(id, []string{model.StatusRunning}, nil, func(j *model.Job) { j.Progress = pct })
	return err
}

func (m *memJobs) StalePending(_ context.Context, cutoff time.Time, limit int) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, j := range m.jobs {
		if j.Status == model.StatusPending && j.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) Touch(_ context.Context, id string) error {
	_, err := m.transition(id, []string{model.StatusPending}, nil, func(*model.Job) {})
	return err
}

func (m *memJobs) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

func (m *memJobs) set(id string, fn func(*model.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.jobs[id])
}

// flakyBroker fails the first n pushes.
type flakyBroker struct {
	Broker
	failures int
	pushes   int
}

func (f *flakyBroker) Push(ctx context.Context, queue, id string) error {
	f.pushes++
	if f.pushes <= f.failures {
		return errors.New("connection refused")
	}
	return f.Broker.Push(ctx, queue, id)
}
