// Package statusd exposes a read-only local status endpoint over the job
// index, so a long-running pipeline can be observed from another terminal.
package statusd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/splatpipe/store"
)

// Server serves job status over loopback HTTP. It never mutates the index.
type Server struct {
	index  *store.Index
	logger *slog.Logger
	http   *http.Server
	addr   string
}

// New builds a Server on 127.0.0.1:port. Loopback only: the endpoint has no
// auth and is meant for the local operator.
func New(index *store.Index, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		index:  index,
		logger: logger,
		addr:   fmt.Sprintf("127.0.0.1:%d", port),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)

	s.http = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string { return s.addr }

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind status endpoint: %w", err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("status endpoint listening", "addr", s.addr)

	errc := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errc:
		return fmt.Errorf("status endpoint: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.index.List()
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "job index unavailable"})
		return
	}
	if recs == nil {
		recs = []store.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.index.Get(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job " + id})
		return
	}
	if err != nil {
		s.logger.Error("get job", "job", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "job index unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
