package objectstore_test

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"uploadhub/internal/objectstore"

	"github.com/stretchr/testify/require"
)

// TestLiveMinio runs against a real MinIO server when
// UPLOADHUB_IT_MINIO_ENDPOINT (host:port) is set, e.g. one started with
// `docker run -p 9000:9000 minio/minio server /data`.
func TestLiveMinio(t *testing.T) {
	endpoint := os.Getenv("UPLOADHUB_IT_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("UPLOADHUB_IT_MINIO_ENDPOINT not set")
	}

	client, err := objectstore.New(objectstore.Options{
		Endpoint:  endpoint,
		AccessKey: getenv("UPLOADHUB_IT_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: getenv("UPLOADHUB_IT_MINIO_SECRET_KEY", "minioadmin"),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	bucket := fmt.Sprintf("uploadhub-it-%d", time.Now().UnixNano())
	require.NoError(t, client.EnsureBucket(t.Context(), bucket))

	payload := []byte("live payload")
	require.NoError(t, client.PutObject(t.Context(), bucket, "direct.txt", bytes.NewReader(payload), int64(len(payload)), "text/plain"))

	u, err := client.PresignPut(t.Context(), bucket, "presigned.txt", 300*time.Second)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPut, u.String(), bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
