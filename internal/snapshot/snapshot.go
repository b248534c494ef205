// Package snapshot prepares a consistent, quiescent set of paths to archive
// for each kind of data source.
package snapshot

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/backupd/internal/model"
	"github.com/edvin/backupd/internal/process"
	"github.com/edvin/backupd/internal/remote"
)

// Target is the input to a strategy. DB is nil for sources without engine
// parameters.
type Target struct {
	Server *model.Server
	DB     *model.DatabaseInfo
}

// Result lists the paths to archive on the source server and whether
// Cleanup must run afterwards.
type Result struct {
	Paths         []string
	CleanupNeeded bool
}

// Strategy produces a consistent path set for one repository type.
// Prepare releases its own partial state before returning an error.
type Strategy interface {
	Type() string
	Prepare(ctx context.Context, t Target) (*Result, error)
	Cleanup(ctx context.Context, t Target) error
}

// Remote runs shell commands on a managed server.
type Remote interface {
	Run(ctx context.Context, host remote.Host, command string) (*process.Result, error)
}

type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any strategy with the same type.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Type()] = s
}

func (r *Registry) Get(backupType string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[backupType]
	if !ok {
		return nil, fmt.Errorf("no snapshot strategy for type %q", backupType)
	}
	return s, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// engineAddr resolves where a database engine listens. Loopback and empty
// hosts refer to the managed server itself.
func engineAddr(t Target, defaultPort int) string {
	host := t.DB.Host
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		host = t.Server.Hostname
	}
	port := t.DB.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NewDefaultRegistry registers a strategy for every repository type.
func NewDefaultRegistry(r Remote, mountRoot string, lockTimeout time.Duration, logger zerolog.Logger) *Registry {
	return NewRegistry(
		Filesystem{},
		NewLVM(model.BackupTypeMySQL, MySQLLocker{Timeout: lockTimeout}, r, mountRoot, logger),
		NewLVM(model.BackupTypePostgres, PostgresLocker{Timeout: lockTimeout}, r, mountRoot, logger),
		NewLVM(model.BackupTypeMongoDB, MongoLocker{Timeout: lockTimeout}, r, mountRoot, logger),
		NewElasticsearch(nil),
		NewDocker(r),
	)
}
