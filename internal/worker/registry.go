package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/edvin/backupd/internal/model"
)

// Handler executes one job type. The returned output is stored on the job.
type Handler interface {
	Handle(ctx context.Context, job *model.Job) (string, error)
}

type HandlerFunc func(ctx context.Context, job *model.Job) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) (string, error) {
	return f(ctx, job)
}

// HandlerNotFoundError is recorded on jobs whose type has no handler. It is
// never retried.
type HandlerNotFoundError struct {
	Type string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.Type)
}

func (e *HandlerNotFoundError) Retryable() bool { return false }

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type, replacing any previous one.
func (r *Registry) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType string) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &HandlerNotFoundError{Type: jobType}
	}
	return h, nil
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err so the worker does not retry the job.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether a failed job should be retried. Errors are
// retryable unless something in the chain says otherwise.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
