package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edvin/backupd/internal/model"
)

// ProgressSource reads live job progress.
type ProgressSource interface {
	Progress(ctx context.Context, jobID string) (*model.JobProgress, error)
}

// NewServer creates the ops HTTP server: /metrics (Prometheus), /healthz and,
// when progress is non-nil, /jobs/{id}/progress.
func NewServer(addr string, progress ProgressSource) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(progress),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func NewRouter(progress ProgressSource) chi.Router {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if progress != nil {
		r.Get("/jobs/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
			p, err := progress.Progress(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if p == nil {
				http.Error(w, "no progress recorded", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(p)
		})
	}

	return r
}

// Service runs an http.Server under a supervisor.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewService(server *http.Server) *Service {
	return &Service{server: server, shutdownTimeout: 10 * time.Second}
}

// Serve blocks until ctx is cancelled or the server fails.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string {
	return "ops-server"
}
