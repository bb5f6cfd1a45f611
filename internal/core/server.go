package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"uploadhub/internal/metadata"
)

// ObjectStore is the subset of an S3-compatible client the gateway needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket string, key string, r io.Reader, size int64, contentType string) error
	PresignPut(ctx context.Context, bucket string, key string, ttl time.Duration) (*url.URL, error)
}

// MetadataStore persists one record per direct upload.
type MetadataStore interface {
	Create(ctx context.Context, m *metadata.FileMetadata) error
	Get(ctx context.Context, key string) (*metadata.FileMetadata, error)
	List(ctx context.Context, limit int) ([]metadata.FileMetadata, error)
	Ping(ctx context.Context) error
}

// Server is the upload gateway. It holds no per-request state.
type Server struct {
	Config Config
}

// NewServer validates cfg, fills in defaults and returns a new Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("Bucket must not be empty")
	}

	if cfg.Objects == nil {
		return nil, errors.New("Objects must not be nil")
	}

	if cfg.Metadata == nil {
		return nil, errors.New("Metadata must not be nil")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Server{Config: cfg}, nil
}

func (s *Server) now() time.Time {
	return s.Config.Clock().UTC()
}

// writeJSON encodes v as JSON with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Config.Logger.Error("Encode JSON response", "err", err)
	}
}

// writeError writes {"error": message} with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// writeInternalError logs err and writes a generic 500. Store and database
// failures are not distinguished to the caller.
func (s *Server) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error, args ...any) {
	args = append(args, "request_id", RequestIDFromContext(r.Context()), "err", err)
	s.Config.Logger.Error(msg, args...)
	s.writeError(w, http.StatusInternalServerError, msgInternalError)
}

// handleHealth reports whether the metadata database is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Config.Metadata.Ping(r.Context()); err != nil {
		s.Config.Logger.Warn("Health check failed", "err", err)
		s.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
