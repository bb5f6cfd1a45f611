package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"uploadhub/internal/metadata"
)

const (
	defaultContentType = "application/octet-stream"

	// maxMemory is how much of a multipart body is held in memory before
	// spilling to temporary files.
	maxMemory = 32 << 20
)

// handleUpload implements POST /upload/: it stores the multipart field "file"
// in the object store and records its metadata.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.Config.Logger.With("request_id", RequestIDFromContext(ctx))

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		// A body that is not multipart, or a multipart body with no parts,
		// carries no file.
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, msgNoFileUploaded)
			return
		}
		log.Warn("Parse multipart form", "err", err)
		s.writeError(w, http.StatusBadRequest, msgInvalidMultipart)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			log.Debug("Remove multipart temp files", "err", err)
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, msgNoFileUploaded)
		return
	}
	defer file.Close()

	uploadedAt := s.now()
	storageKey := StorageKey(uploadedAt, header.Filename)

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		s.writeInternalError(w, r, "Hash upload payload", err, "storage_key", storageKey)
		return
	}
	checksum := hex.EncodeToString(h.Sum(nil))

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		s.writeInternalError(w, r, "Rewind upload payload", err, "storage_key", storageKey)
		return
	}

	bucket := s.Config.Bucket
	if err := s.Config.Objects.EnsureBucket(ctx, bucket); err != nil {
		s.writeInternalError(w, r, "Ensure bucket", err, "bucket", bucket)
		return
	}

	if err := s.Config.Objects.PutObject(ctx, bucket, storageKey, file, size, contentType); err != nil {
		s.writeInternalError(w, r, "Store object", err, "bucket", bucket, "storage_key", storageKey)
		return
	}

	record := &metadata.FileMetadata{
		StorageKey:   storageKey,
		OriginalName: header.Filename,
		ContentType:  contentType,
		Size:         size,
		Checksum:     checksum,
		UploadedAt:   uploadedAt,
	}

	if err := s.Config.Metadata.Create(ctx, record); err != nil {
		if errors.Is(err, metadata.ErrStorageKeyConflict) {
			// The object write above already replaced the earlier object.
			log.Warn("Storage key collision", "storage_key", storageKey)
			s.writeError(w, http.StatusConflict, msgStorageKeyConflict)
			return
		}
		s.writeInternalError(w, r, "Create file metadata", err, "storage_key", storageKey)
		return
	}

	log.Info("Stored upload", "storage_key", storageKey, "size", size, "content_type", contentType)
	s.writeJSON(w, http.StatusCreated, record)
}
