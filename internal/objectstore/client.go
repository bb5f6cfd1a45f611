package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Options configures a Client.
type Options struct {
	// Endpoint is the host:port used for server-side traffic.
	Endpoint string
	// PublicEndpoint is the host:port presigned URLs are issued for. Empty
	// means Endpoint.
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
}

// Client talks to an S3-compatible object store.
type Client struct {
	internal *minio.Client
	// signer issues presigned URLs for the externally reachable address.
	signer *minio.Client
	region string
	logger *slog.Logger
}

// New creates a Client. No network traffic happens until the first call.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	internal, err := newMinioClient(opts.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create object store client for %q: %w", opts.Endpoint, err)
	}

	signer := internal
	if opts.PublicEndpoint != "" && opts.PublicEndpoint != opts.Endpoint {
		signer, err = newMinioClient(opts.PublicEndpoint, opts)
		if err != nil {
			return nil, fmt.Errorf("create presign client for %q: %w", opts.PublicEndpoint, err)
		}
	}

	logger.Debug("Object store client initialized",
		"endpoint", opts.Endpoint,
		"public_endpoint", signer.EndpointURL().Host,
		"secure", opts.UseSSL,
	)

	return &Client{
		internal: internal,
		signer:   signer,
		region:   opts.Region,
		logger:   logger,
	}, nil
}

// newMinioClient pins the region so presigning never has to look up the
// bucket location over the network. Storage failures surface on the first
// attempt; callers do not retry.
func newMinioClient(endpoint string, opts Options) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupPath,
		MaxRetries:   1,
	})
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.internal.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if exists {
		return nil
	}

	c.logger.Info("Creating bucket", "bucket", bucket)
	if err := c.internal.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
		// Lost a race with another creator.
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
	}

	return nil
}

// PutObject streams size bytes from r into bucket under key.
func (c *Client) PutObject(ctx context.Context, bucket string, key string, r io.Reader, size int64, contentType string) error {
	info, err := c.internal.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", key, bucket, err)
	}

	c.logger.Debug("Uploaded object to bucket", "object", key, "bucket", bucket, "size", info.Size, "etag", info.ETag)
	return nil
}

// PresignPut returns a URL that authorizes a single PUT of key for ttl. The
// URL is signed for the public endpoint and cannot be revoked.
func (c *Client) PresignPut(ctx context.Context, bucket string, key string, ttl time.Duration) (*url.URL, error) {
	u, err := c.signer.PresignedPutObject(ctx, bucket, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign PUT for %q in bucket %q: %w", key, bucket, err)
	}

	return u, nil
}
