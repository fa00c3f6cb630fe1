package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// conversationSource is the part of a session the debug server reads
type conversationSource interface {
	Snapshot(ctx context.Context) (service.View, error)
	Search(ctx context.Context, keyword string) ([]models.Message, error)
	State() service.SessionState
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the local inspection endpoint. It is read-only.
type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	session conversationSource
	db      healthChecker
	server  *http.Server
}

func NewServer(addr string, session conversationSource, db healthChecker, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		session: session,
		db:      db,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	conversation := s.router.PathPrefix("/conversation").Subrouter()
	conversation.HandleFunc("", s.handleConversation()).Methods(http.MethodGet)
	conversation.HandleFunc("/search", s.handleSearch()).Methods(http.MethodGet).Queries("q", "{q}")
}

func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting debug server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func shutdownServer(s *Server, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown debug server gracefully")
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Session  string `json:"session"`
	Database string `json:"database"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Session: string(s.session.State()), Database: "healthy"}
		status := http.StatusOK

		if err := s.db.HealthCheck(r.Context()); err != nil {
			resp.Status, resp.Database = "unhealthy", "unhealthy"
			status = http.StatusServiceUnavailable
		}
		if s.session.State() == service.StateClosed {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, resp)
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		s.writeJSON(w, http.StatusOK, metrics.GetAllMetrics())
	}
}

func (s *Server) handleConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.session.Snapshot(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleSearch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := s.session.Search(r.Context(), mux.Vars(r)["q"])
		if err != nil {
			s.writeError(w, err)
			return
		}
		if results == nil {
			results = []models.Message{}
		}
		s.writeJSON(w, http.StatusOK, results)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.IsTransportUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": errors.GetUserMessage(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode debug response")
	}
}
