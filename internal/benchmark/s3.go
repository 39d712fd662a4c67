package benchmark

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/conclave-ai/conclave/internal/config"
)

// ErrBucketMissing indicates the configured bucket does not exist or is
// unreachable.
var ErrBucketMissing = errors.New("benchmark: s3 bucket missing")

// S3Artifacts persists BenchmarkReport documents to an S3-compatible bucket.
// Mirrors the functional-options construction and error-translation shape
// used by object-storage backends elsewhere in the ecosystem.
type S3Artifacts struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Option configures S3Artifacts construction.
type S3Option func(*s3Options)

type s3Options struct {
	httpClient *http.Client
}

// WithHTTPClient sets a custom HTTP client, e.g. to relax TLS verification
// against a self-signed MinIO endpoint in development.
func WithHTTPClient(c *http.Client) S3Option {
	return func(o *s3Options) { o.httpClient = c }
}

// NewS3Artifacts builds an S3Artifacts store from configuration.
func NewS3Artifacts(ctx context.Context, cfg config.S3Config, accessKey, secretKey string, tlsInsecureSkipVerify, usePathStyle bool, opts ...S3Option) (*S3Artifacts, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("benchmark: s3 bucket is required")
	}

	o := &s3Options{}
	for _, opt := range opts {
		opt(o)
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	if tlsInsecureSkipVerify || o.httpClient != nil {
		httpClient := o.httpClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		if tlsInsecureSkipVerify {
			httpClient = &http.Client{Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}}
		}
		awsOpts = append(awsOpts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("benchmark: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Artifacts{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Artifacts) fullKey(runID string) string {
	key := runID + ".json"
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// PutReport marshals report as JSON and stores it under runID, returning the
// object key it was written to.
func (s *S3Artifacts) PutReport(ctx context.Context, runID string, report Report) (string, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("benchmark: marshal report: %w", err)
	}

	key := s.fullKey(runID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		if isAccessDeniedError(err) {
			return "", fmt.Errorf("benchmark: put report: access denied")
		}
		return "", fmt.Errorf("benchmark: put report: %w", err)
	}
	return key, nil
}

// Ping verifies connectivity to the configured bucket.
func (s *S3Artifacts) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		if isNotFoundError(err) {
			return ErrBucketMissing
		}
		return fmt.Errorf("benchmark: ping: %w", err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	var notFound *s3types.NotFound
	var noSuchBucket *s3types.NoSuchBucket
	return errors.As(err, &notFound) ||
		errors.As(err, &noSuchBucket) ||
		strings.Contains(err.Error(), "NotFound")
}

func isAccessDeniedError(err error) bool {
	return strings.Contains(err.Error(), "AccessDenied") ||
		strings.Contains(err.Error(), "Forbidden")
}
