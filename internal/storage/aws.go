package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client the store uses, so tests can mock it.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSOptions configures an S3 (or S3-compatible) store.
type AWSOptions struct {
	Bucket string
	Region string
	// Prefix namespaces all keys inside the bucket, e.g. "registry/".
	Prefix string
	// EndpointURL points the client at an S3-compatible service. When set,
	// requests go through a DNS-caching HTTP client.
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// AWSStore implements ObjectStore on an Amazon S3 bucket. Credentials come
// from the standard AWS chain unless static keys are configured.
type AWSStore struct {
	Bucket string
	Prefix string
	client S3API
}

// NewAWSStore builds the S3 client and verifies the bucket is reachable.
func NewAWSStore(ctx context.Context, opts AWSOptions) (*AWSStore, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	if opts.EndpointURL != "" {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(newCachingHTTPClient()))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	s := NewAWSStoreWithClient(opts.Bucket, opts.Prefix, client)
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("AWS object store initialized", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return s, nil
}

// NewAWSStoreWithClient creates an AWSStore around an existing client.
func NewAWSStoreWithClient(bucket, prefix string, client S3API) *AWSStore {
	return &AWSStore{Bucket: bucket, Prefix: prefix, client: client}
}

func (s *AWSStore) s3Key(key string) string {
	return s.Prefix + key
}

// Put uploads data in a single PutObject call, which S3 applies atomically.
func (s *AWSStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(s.s3Key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return fmt.Errorf("uploading %q to S3: %w", key, err)
	}
	return nil
}

// Get streams the object body. The caller closes it.
func (s *AWSStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.s3Key(key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, notFound(key)
		}
		return nil, 0, fmt.Errorf("getting %q from S3: %w", key, err)
	}

	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

// List pages through ListObjectsV2 and strips the store prefix from keys.
func (s *AWSStore) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.s3Key(prefix)),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %q in S3: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if !strings.HasPrefix(k, s.Prefix) {
				continue
			}
			keys = append(keys, strings.TrimPrefix(k, s.Prefix))
		}
	}
	return keys, nil
}

// HealthCheck verifies that the bucket is accessible.
func (s *AWSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	return err
}

// isAWSNotFound reports whether err is a 404, NoSuchKey or NotFound error.
func isAWSNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

var _ ObjectStore = (*AWSStore)(nil)
