package core

import (
	"errors"
	"net/http"
	"strconv"

	"uploadhub/internal/metadata"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// handleListFiles implements GET /files/[?limit=N], newest first.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeError(w, http.StatusBadRequest, msgInvalidLimit)
			return
		}
		limit = min(v, maxListLimit)
	}

	files, err := s.Config.Metadata.List(r.Context(), limit)
	if err != nil {
		s.writeInternalError(w, r, "List file metadata", err)
		return
	}

	s.writeJSON(w, http.StatusOK, files)
}

// handleGetFile implements GET /files/{storage_key}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, storageKey string) {
	record, err := s.Config.Metadata.Get(r.Context(), storageKey)
	if errors.Is(err, metadata.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, msgFileNotFound)
		return
	}
	if err != nil {
		s.writeInternalError(w, r, "Lookup file metadata", err, "storage_key", storageKey)
		return
	}

	s.writeJSON(w, http.StatusOK, record)
}
