package core_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"uploadhub/internal/core"
	"uploadhub/internal/metadata"
	"uploadhub/internal/objectstore"
	"uploadhub/internal/s3test"

	"github.com/stretchr/testify/require"
)

const (
	Bucket         = "uploads"
	PublicEndpoint = "localhost:9000"
	EmptySHA256    = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

var NewYear = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func FixedClock(ts time.Time) core.Clock {
	return func() time.Time { return ts }
}

type TestEnv struct {
	Server *core.Server
	HTTP   *httptest.Server
	S3     *s3test.Server
	Store  *metadata.Store
}

// NewTestEnv wires a gateway to an in-memory S3 endpoint and a temporary
// SQLite metadata store.
func NewTestEnv(t *testing.T, opts ...core.ConfigOption) *TestEnv {
	t.Helper()

	s3 := s3test.NewServer(t)

	objects, err := objectstore.New(objectstore.Options{
		Endpoint:       s3.Endpoint,
		PublicEndpoint: PublicEndpoint,
		AccessKey:      s3test.AccessKeyID,
		SecretKey:      s3test.SecretAccessKey,
		Region:         s3test.Region,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err, "objectstore.New error")

	store, err := metadata.Open(t.Context(), "sqlite3", filepath.Join(t.TempDir(), "metadata.sqlite"))
	require.NoError(t, err, "metadata.Open error")
	t.Cleanup(func() { _ = store.Close() })

	base := []core.ConfigOption{
		core.WithBucket(Bucket),
		core.WithObjectStore(objects),
		core.WithMetadataStore(store),
		core.WithLogger(slog.New(slog.DiscardHandler)),
	}

	srv, err := core.NewServer(core.NewConfig(append(base, opts...)...))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return &TestEnv{Server: srv, HTTP: httpSrv, S3: s3, Store: store}
}

// NewFakeServer serves a gateway backed by the given fakes.
func NewFakeServer(t *testing.T, objects core.ObjectStore, store core.MetadataStore) *httptest.Server {
	t.Helper()

	srv, err := core.NewServer(core.NewConfig(
		core.WithBucket(Bucket),
		core.WithObjectStore(objects),
		core.WithMetadataStore(store),
		core.WithLogger(slog.New(slog.DiscardHandler)),
	))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// MultipartBody encodes parts as multipart/form-data. Parts with an empty
// ContentType are sent without a Content-Type header.
func MultipartBody(t *testing.T, parts ...FilePart) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		if p.Filename != "" {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, p.Field, p.Filename))
		} else {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, p.Field))
		}
		if p.ContentType != "" {
			h.Set("Content-Type", p.ContentType)
		}
		w, err := mw.CreatePart(h)
		require.NoError(t, err, "CreatePart error")
		_, err = w.Write(p.Data)
		require.NoError(t, err, "writing part")
	}
	require.NoError(t, mw.Close(), "closing multipart writer")

	return &buf, mw.FormDataContentType()
}

func DoRequest(t *testing.T, method string, target string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, target, body)
	require.NoError(t, err, "creating "+method+" request")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoErrorf(t, err, "%s %s error", method, target)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func Upload(t *testing.T, baseURL string, parts ...FilePart) *http.Response {
	t.Helper()
	body, contentType := MultipartBody(t, parts...)
	return DoRequest(t, http.MethodPost, baseURL+"/upload/", body, contentType)
}

func Presign(t *testing.T, baseURL string, body string) *http.Response {
	t.Helper()
	return DoRequest(t, http.MethodPost, baseURL+"/presign/", strings.NewReader(body), "application/json")
}

func DecodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v), "decoding JSON response")
	return v
}

func RequireError(t *testing.T, resp *http.Response, status int, message string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode, "status code")
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, core.ErrorResponse{Error: message}, DecodeJSON[core.ErrorResponse](t, resp))
}

func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RecordingObjects is an ObjectStore that counts calls and stores nothing.
type RecordingObjects struct {
	mu    sync.Mutex
	Calls int
}

func (o *RecordingObjects) record() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls++
}

func (o *RecordingObjects) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Calls
}

func (o *RecordingObjects) EnsureBucket(ctx context.Context, bucket string) error {
	o.record()
	return nil
}

func (o *RecordingObjects) PutObject(ctx context.Context, bucket string, key string, r io.Reader, size int64, contentType string) error {
	o.record()
	_, err := io.Copy(io.Discard, r)
	return err
}

func (o *RecordingObjects) PresignPut(ctx context.Context, bucket string, key string, ttl time.Duration) (*url.URL, error) {
	o.record()
	return &url.URL{Scheme: "http", Host: PublicEndpoint, Path: "/" + bucket + "/" + key}, nil
}

// RecordingMetadata is a MetadataStore that counts calls. PanicOnPing makes
// Ping panic.
type RecordingMetadata struct {
	mu          sync.Mutex
	Calls       int
	PanicOnPing bool
}

func (m *RecordingMetadata) record() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
}

func (m *RecordingMetadata) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

func (m *RecordingMetadata) Create(ctx context.Context, rec *metadata.FileMetadata) error {
	m.record()
	return nil
}

func (m *RecordingMetadata) Get(ctx context.Context, key string) (*metadata.FileMetadata, error) {
	m.record()
	return nil, metadata.ErrNotFound
}

func (m *RecordingMetadata) List(ctx context.Context, limit int) ([]metadata.FileMetadata, error) {
	m.record()
	return []metadata.FileMetadata{}, nil
}

func (m *RecordingMetadata) Ping(ctx context.Context) error {
	m.record()
	if m.PanicOnPing {
		panic("database exploded")
	}
	return nil
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	objects := &RecordingObjects{}
	store := &RecordingMetadata{}

	tests := []struct {
		name string
		cfg  core.Config
	}{
		{name: "no bucket", cfg: core.NewConfig(core.WithObjectStore(objects), core.WithMetadataStore(store))},
		{name: "no objects", cfg: core.NewConfig(core.WithBucket(Bucket), core.WithMetadataStore(store))},
		{name: "no metadata", cfg: core.NewConfig(core.WithBucket(Bucket), core.WithObjectStore(objects))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := core.NewServer(tc.cfg)
			require.Error(t, err)
		})
	}

	srv, err := core.NewServer(core.NewConfig(core.WithBucket(Bucket), core.WithObjectStore(objects), core.WithMetadataStore(store)))
	require.NoError(t, err)
	require.NotNil(t, srv.Config.Logger, "logger should default")
	require.NotNil(t, srv.Config.Clock, "clock should default")
}

func TestStorageKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "20240101120000_report.pdf", core.StorageKey(NewYear, "report.pdf"))

	// Non-UTC clocks are normalised.
	tokyo := time.FixedZone("JST", 9*60*60)
	require.Equal(t, "20240101120000_report.pdf", core.StorageKey(NewYear.In(tokyo), "report.pdf"))

	// Same second, same name: same key.
	require.Equal(t,
		core.StorageKey(NewYear.Add(100*time.Millisecond), "a.txt"),
		core.StorageKey(NewYear.Add(900*time.Millisecond), "a.txt"),
	)
	require.NotEqual(t,
		core.StorageKey(NewYear, "a.txt"),
		core.StorageKey(NewYear.Add(time.Second), "a.txt"),
	)
}

func TestCurlCommand(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		`curl -X PUT -T "report.pdf" "http://localhost:9000/uploads/k?X-Amz-Signature=abc"`,
		core.CurlCommand("report.pdf", "http://localhost:9000/uploads/k?X-Amz-Signature=abc"),
	)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	httpSrv := NewFakeServer(t, &RecordingObjects{}, &RecordingMetadata{})

	resp := DoRequest(t, http.MethodGet, httpSrv.URL+"/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(core.RequestIDHeader), "expected generated request id")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, httpSrv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(core.RequestIDHeader, "caller-supplied")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "caller-supplied", resp.Header.Get(core.RequestIDHeader))
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := NewTestEnv(t)

	resp := DoRequest(t, http.MethodGet, env.HTTP.URL+"/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, core.HealthResponse{Status: "ok"}, DecodeJSON[core.HealthResponse](t, resp))
}

func TestRecovererReturnsInternalError(t *testing.T) {
	t.Parallel()

	httpSrv := NewFakeServer(t, &RecordingObjects{}, &RecordingMetadata{PanicOnPing: true})

	resp := DoRequest(t, http.MethodGet, httpSrv.URL+"/healthz", nil, "")
	RequireError(t, resp, http.StatusInternalServerError, "Internal server error")
}

func TestUnknownMethodNotAllowed(t *testing.T) {
	t.Parallel()

	httpSrv := NewFakeServer(t, &RecordingObjects{}, &RecordingMetadata{})

	resp := DoRequest(t, http.MethodGet, httpSrv.URL+"/upload/", nil, "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
