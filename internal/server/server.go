package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/vincentbai/pagebeacon/internal/config"
	"github.com/vincentbai/pagebeacon/internal/database"
	"github.com/vincentbai/pagebeacon/internal/models"
	"github.com/vincentbai/pagebeacon/internal/transport"
)

// maxBodyBytes caps an upload; beacons are split well below it.
const maxBodyBytes = 4 * transport.DefaultBeaconMaxBytes

// Server is the ingestion sink that uploads and beacons are posted to.
type Server struct {
	db      *database.Database
	address string
	logger  *slog.Logger
	server  *http.Server
}

func NewServer(db *database.Database, address string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:      db,
		address: address,
		logger:  logger.With("component", "server"),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleAnalytics(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	request.Body = http.MaxBytesReader(w, request.Body, maxBodyBytes)
	var batch models.Batch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(batch.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.db.InsertBatch(batch); err != nil {
		if errors.Is(err, models.ErrInvalidEvent) || errors.Is(err, models.ErrUnknownEventType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("database error", "error", err)
		http.Error(w, "Failed to store events", http.StatusInternalServerError)
		return
	}
	s.logger.Debug("stored events", "events", len(batch.Events))
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc(config.IngestPath, s.handleAnalytics)
	return mux
}

// Handler exposes the routes for embedding in another server or a test.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("pagebeacon sink listening", "address", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}

	s.logger.Info("server exited")
	return nil
}
