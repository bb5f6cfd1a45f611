// Package s3test provides an in-memory S3-compatible endpoint for tests. It
// understands the subset of the API the gateway uses: bucket HEAD/PUT, object
// PUT/GET/HEAD, SigV4 header signatures (including aws-chunked streaming
// bodies) and presigned URLs.
package s3test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"uploadhub/internal/auth"
)

const (
	AccessKeyID     = "minioadmin"
	SecretAccessKey = "minioadmin"
	Region          = "us-east-1"

	s3XMLNamespace = "http://s3.amazonaws.com/doc/2006-03-01/"
)

// Object is a stored object payload with its metadata.
type Object struct {
	Data        []byte
	ContentType string
	ETag        string
	ModifiedAt  time.Time
}

type S3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

type LocationConstraint struct {
	XMLName xml.Name `xml:"LocationConstraint"`
	XMLNS   string   `xml:"xmlns,attr"`
	Region  string   `xml:",chardata"`
}

// Server is an in-memory S3 endpoint.
type Server struct {
	// URL is the base URL of the running endpoint, e.g. http://127.0.0.1:1234.
	URL string
	// Endpoint is URL without the scheme, as minio.New expects it.
	Endpoint string

	auth *auth.AwsHmacAuthEngine

	mu        sync.Mutex
	now       func() time.Time
	buckets   map[string]map[string]Object
	failPuts  bool
	requests  int
	objectPut int
}

// New returns a Server that is not yet listening. Use Handler to serve it.
func New(accessKeyID string, secretAccessKey string) *Server {
	s := &Server{
		now:     time.Now,
		buckets: make(map[string]map[string]Object),
	}

	s.auth = auth.NewAwsHmacAuthEngine(accessKeyID, secretAccessKey)
	s.auth.Now = s.Now
	return s
}

// NewServer starts a Server on a local port using the default credentials.
// It is shut down when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := New(AccessKeyID, SecretAccessKey)
	httpSrv := httptest.NewServer(s.Handler())
	t.Cleanup(httpSrv.Close)

	s.URL = httpSrv.URL
	u, err := url.Parse(httpSrv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	s.Endpoint = u.Host

	return s
}

// Now returns the server's notion of the current time.
func (s *Server) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Advance moves the server clock forward by d.
func (s *Server) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.now
	s.now = func() time.Time { return prev().Add(d) }
}

// FailPuts makes every subsequent object PUT answer with an InternalError.
func (s *Server) FailPuts(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = fail
}

// Requests returns the number of requests that reached the server.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// ObjectPuts returns the number of successful object writes.
func (s *Server) ObjectPuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectPut
}

// CreateBucket creates a bucket directly, bypassing HTTP.
func (s *Server) CreateBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]Object)
	}
}

// BucketExists reports whether the bucket has been created.
func (s *Server) BucketExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

// Object returns the stored object, if any.
func (s *Server) Object(bucket string, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return Object{}, false
	}
	obj, ok := b[key]
	return obj, ok
}

// Handler returns the http.Handler implementing the S3 subset.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketHead(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPut(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketGet(w, r, r.PathValue("bucket"))
	})

	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPut(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"), true)
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"), false)
	})

	return s.countRequests(s.requireAuthentication(slashFix(mux)))
}

// slashFix maps bucket requests such as "PUT /uploads/" onto the bucket
// routes. It runs after authentication, which signs the path as sent.
func slashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.ReplaceAll(r.URL.Path, "//", "/")
		if trimmed, ok := strings.CutSuffix(p, "/"); ok && trimmed != "" && !strings.Contains(trimmed[1:], "/") {
			p = trimmed
		}

		if p != r.URL.Path {
			r.URL.Path = p
			r.URL.RawPath = ""
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := s.auth.AuthenticateRequest(r.Context(), r)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, auth.ErrRequestExpired):
			writeS3Error(w, r, "AccessDenied", "Request has expired", http.StatusForbidden)
		case errors.Is(err, auth.ErrSignatureMismatch):
			writeS3Error(w, r, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", http.StatusForbidden)
		default:
			slog.Debug("Rejected request", "path", r.URL.Path, "err", err)
			writeS3Error(w, r, "AccessDenied", "Access Denied", http.StatusForbidden)
		}
	})
}

func (s *Server) handleBucketHead(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.BucketExists(bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBucketPut(w http.ResponseWriter, r *http.Request, bucket string) {
	s.mu.Lock()
	_, exists := s.buckets[bucket]
	if !exists {
		s.buckets[bucket] = make(map[string]Object)
	}
	s.mu.Unlock()

	if exists {
		writeS3Error(w, r, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", http.StatusConflict)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.BucketExists(bucket) {
		writeS3Error(w, r, "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound)
		return
	}

	if !r.URL.Query().Has("location") {
		writeS3Error(w, r, "NotImplemented", "ListObjects is not implemented.", http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(LocationConstraint{XMLNS: s3XMLNamespace, Region: Region})
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	defer r.Body.Close()

	if !s.BucketExists(bucket) {
		writeS3Error(w, r, "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound)
		return
	}

	var (
		data bytes.Buffer
		err  error
	)

	if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		_, err = decodeStreamingPayload(&data, r.Body)
	} else {
		_, err = io.Copy(&data, r.Body)
	}
	if err != nil {
		slog.Error("Read object payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, r, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sum := sha256.Sum256(data.Bytes())
	etag := "\"" + hex.EncodeToString(sum[:]) + "\""

	s.mu.Lock()
	if s.failPuts {
		s.mu.Unlock()
		writeS3Error(w, r, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
		return
	}
	s.buckets[bucket][key] = Object{
		Data:        data.Bytes(),
		ContentType: contentType,
		ETag:        etag,
		ModifiedAt:  s.now().UTC(),
	}
	s.objectPut++
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, bucket string, key string, withBody bool) {
	obj, ok := s.Object(bucket, key)
	if !ok {
		if !withBody {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeS3Error(w, r, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Last-Modified", obj.ModifiedAt.Format(http.TimeFormat))
	w.Header().Set("ETag", obj.ETag)
	w.WriteHeader(http.StatusOK)

	if withBody {
		_, _ = w.Write(obj.Data)
	}
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, r *http.Request, code string, message string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: r.URL.Path,
	})
}

// PutPresigned performs a PUT of body to a presigned URL. The request is
// sent to the server's own address while the Host header keeps the URL's
// host, as a proxy in front of the object store would forward it.
func (s *Server) PutPresigned(ctx context.Context, presigned string, body []byte) (*http.Response, error) {
	u, err := url.Parse(presigned)
	if err != nil {
		return nil, err
	}

	host := u.Host
	u.Host = s.Endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Host = host

	return http.DefaultClient.Do(req)
}
