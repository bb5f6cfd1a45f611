package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

const maxPresignBody = 1 << 20

// handlePresign implements POST /presign/. It returns a presigned PUT URL for
// a freshly derived storage key. No metadata is recorded.
func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filename, err := s.presignFilename(w, r)
	if err != nil {
		s.Config.Logger.Debug("Decode presign request", "request_id", RequestIDFromContext(ctx), "err", err)
		s.writeError(w, http.StatusBadRequest, msgInvalidRequestBody)
		return
	}

	if filename == "" {
		s.writeError(w, http.StatusBadRequest, msgFilenameRequired)
		return
	}

	storageKey := StorageKey(s.now(), filename)

	bucket := s.Config.Bucket
	if err := s.Config.Objects.EnsureBucket(ctx, bucket); err != nil {
		s.writeInternalError(w, r, "Ensure bucket", err, "bucket", bucket)
		return
	}

	u, err := s.Config.Objects.PresignPut(ctx, bucket, storageKey, PresignExpiry)
	if err != nil {
		s.writeInternalError(w, r, "Presign upload URL", err, "bucket", bucket, "storage_key", storageKey)
		return
	}

	uploadURL := u.String()

	s.Config.Logger.Debug("Generated presigned URL",
		"request_id", RequestIDFromContext(ctx),
		"storage_key", storageKey,
		"host", u.Host,
	)

	s.writeJSON(w, http.StatusOK, PresignResponse{
		UploadURL:   uploadURL,
		StorageKey:  storageKey,
		CurlCommand: CurlCommand(filename, uploadURL),
	})
}

// presignFilename reads the filename from a JSON body, or from form fields
// when the request is form encoded.
func (s *Server) presignFilename(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPresignBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxPresignBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", err
		}
		return r.FormValue("filename"), nil
	}

	var req PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}

	return req.Filename, nil
}

// CurlCommand returns a shell command that uploads filename to uploadURL.
func CurlCommand(filename string, uploadURL string) string {
	return fmt.Sprintf(`curl -X PUT -T "%s" "%s"`, filename, uploadURL)
}
