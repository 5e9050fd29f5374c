// Package objectstore wraps the S3 SDK with the operations the transfer
// and archive workers need: per-transaction buckets, access policies,
// multipart transfers and object streaming.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cedadev/nlds/internal/bytesize"
)

// Config holds the connection settings for one tenancy.
type Config struct {
	// Tenancy is the object store endpoint, with or without a scheme.
	Tenancy string `mapstructure:"tenancy" yaml:"tenancy"`

	// RequireSecure selects https when the tenancy has no explicit scheme.
	RequireSecure bool `mapstructure:"require_secure_fl" yaml:"require_secure_fl"`

	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// Region is largely meaningless for the CEDA tenancies but the SDK
	// insists on one.
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// PartSize is the multipart chunk size.
	PartSize bytesize.Size `mapstructure:"part_size" yaml:"part_size,omitempty"`

	// Concurrency is the parallel part upload/download degree.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency,omitempty"`

	// AccessPolicy carries the statement templates applied to new buckets.
	AccessPolicy AccessPolicyConfig `mapstructure:"access_policy" yaml:"access_policy,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.PartSize == 0 {
		c.PartSize = 16 * 1024 * 1024
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
}

// EndpointURL resolves the tenancy into a full endpoint URL.
func (c *Config) EndpointURL() string {
	if strings.Contains(c.Tenancy, "://") {
		return c.Tenancy
	}
	if c.RequireSecure {
		return "https://" + c.Tenancy
	}
	return "http://" + c.Tenancy
}

// Client is an object store bound to one tenancy.
type Client struct {
	s3         *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	config     Config
}

// New dials the tenancy with static credentials.
func New(ctx context.Context, config Config) (*Client, error) {
	config.ApplyDefaults()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(config.EndpointURL())
		// CEDA tenancies are S3-compatible stores without virtual hosting.
		o.UsePathStyle = true
	})
	return NewWithClient(client, config), nil
}

// NewWithClient wraps an existing S3 client.
func NewWithClient(client *s3.Client, config Config) *Client {
	config.ApplyDefaults()
	return &Client{
		s3: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = config.PartSize.Bytes()
			u.Concurrency = config.Concurrency
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = config.PartSize.Bytes()
			d.Concurrency = config.Concurrency
		}),
		config: config,
	}
}

// BucketExists reports whether the bucket is reachable.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head bucket %s: %w", bucket, err)
	}
	return true, nil
}

// EnsureBucket creates the bucket if it does not exist. Idempotent.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = c.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
		return fmt.Errorf("s3 create bucket %s: %w", bucket, err)
	}
	return nil
}

// ApplyAccessPolicy grants the service identity full access to the
// bucket and the owning group read access. An existing group statement
// is left alone so group admins can tighten or widen it.
func (c *Client) ApplyAccessPolicy(ctx context.Context, bucket, group string) error {
	var current []byte
	out, err := c.s3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	switch {
	case err == nil && out.Policy != nil:
		current = []byte(*out.Policy)
	case err != nil && !strings.Contains(err.Error(), "NoSuchBucketPolicy"):
		return fmt.Errorf("s3 get bucket policy %s: %w", bucket, err)
	}

	edited, err := EditPolicy(current, bucket, group, c.config.AccessPolicy)
	if err != nil {
		return fmt.Errorf("bucket %s policy: %w", bucket, err)
	}

	_, err = c.s3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(string(edited)),
	})
	if err != nil {
		return fmt.Errorf("s3 put bucket policy %s: %w", bucket, err)
	}
	return nil
}

// Upload streams the reader into the bucket as a multipart upload.
func (c *Client) Upload(ctx context.Context, bucket, key string, r io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s:%s: %w", bucket, key, err)
	}
	return nil
}

// Download writes the object into w, in parallel parts.
func (c *Client) Download(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error) {
	n, err := c.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("s3 download %s:%s: %w", bucket, key, err)
	}
	return n, nil
}

// Head returns the size of the object.
func (c *Client) Head(ctx context.Context, bucket, key string) (int64, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 head object %s:%s: %w", bucket, key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Get opens the object for sequential reading. The caller closes the
// returned body.
func (c *Client) Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("s3 get object %s:%s: %w", bucket, key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Delete removes the object.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object %s:%s: %w", bucket, key, err)
	}
	return nil
}

// IsNotFound reports whether the error is an S3 missing key or bucket.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "NoSuchBucket") ||
		strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "404")
}
