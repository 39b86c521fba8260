// Package api is the HTTP boundary: instruction intake and status, the task
// admin routes, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"disburse/internal/instruction"
	"disburse/internal/scheduler"
	"disburse/internal/store"
)

// DB is the database as the HTTP handlers use it.
type DB interface {
	store.Store
	PingContext(ctx context.Context) error
}

type Server struct {
	r            *chi.Mux
	db           DB
	instructions *instruction.Service
	policies     scheduler.Policies
}

func NewServer(db DB, instructions *instruction.Service, policies scheduler.Policies) http.Handler {
	return NewServerWithDebug(db, instructions, policies, false)
}

func NewServerWithDebug(db DB, instructions *instruction.Service, policies scheduler.Policies, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, db: db, instructions: instructions, policies: policies}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/instructions", s.createInstruction)
		r.Get("/instructions/{system}/{case}/{decision}", s.getInstruction)

		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Patch("/tasks/{id}", s.updateTask)
		r.Put("/tasks/{id}/rerun", s.rerunTask)
		r.Get("/tasks/{id}/history", s.taskHistory)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorResp struct {
	Msg   string `json:"msg"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Msg: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
