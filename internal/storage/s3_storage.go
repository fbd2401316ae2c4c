package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/haojie06/sd-task-http/internal/logger"
)

type S3Options struct {
	// Endpoint is host:port or a full URL of an S3 compatible server such as MinIO.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL prefixes returned object URLs, defaults to <endpoint>/<bucket>.
	PublicBaseURL string
}

type S3Storage struct {
	bucket    string
	publicURL string
	client    *s3.Client
	logger    *logger.CustomLogger
}

func NewS3Storage(ctx context.Context, opts S3Options) (*S3Storage, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" || strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("s3 storage needs an endpoint and a bucket")
	}
	endpoint := endpointURL(opts.Endpoint, opts.UseSSL)
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	publicURL := strings.TrimSpace(opts.PublicBaseURL)
	if publicURL == "" {
		publicURL = joinURL(endpoint, bucket)
	}
	return &S3Storage{
		bucket:    bucket,
		publicURL: publicURL,
		client:    client,
		logger:    logger.NewCustomLogger().With("component", "s3_storage", "bucket", bucket),
	}, nil
}

func endpointURL(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Infof("created bucket %s", s.bucket)
	return nil
}

func (s *S3Storage) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return joinURL(s.publicURL, key), nil
}

func (s *S3Storage) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
