package core

import (
	"net/http"
)

// Handler returns the gateway's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// SlashFix strips trailing slashes, so /upload/ lands here too.
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /presign", s.handlePresign)

	mux.HandleFunc("GET /files", s.handleListFiles)
	mux.HandleFunc("GET /files/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetFile(w, r, r.PathValue("key"))
	})

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Add middleware
	handler := s.SlashFix(mux)
	handler = s.LogRequest(handler)
	handler = s.Recoverer(handler)
	handler = s.RequestID(handler)
	return handler
}
