package core

// PresignRequest is the body of POST /presign/.
type PresignRequest struct {
	Filename string `json:"filename"`
}

// PresignResponse is returned by POST /presign/.
type PresignResponse struct {
	UploadURL   string `json:"upload_url"`
	StorageKey  string `json:"storage_key"`
	CurlCommand string `json:"curl_command"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

const (
	msgNoFileUploaded     = "No file uploaded"
	msgInvalidMultipart   = "Invalid multipart payload"
	msgFilenameRequired   = "Filename required"
	msgInvalidRequestBody = "Invalid request body"
	msgStorageKeyConflict = "Storage key already exists"
	msgFileNotFound       = "File not found"
	msgInvalidLimit       = "Invalid limit"
	msgInternalError      = "Internal server error"
)
