package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client the store uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store implements PackageStore on S3 or an S3 compatible service
type S3Store struct {
	client  s3API
	bucket  string
	maxSize int64
}

// NewS3Store creates an S3 backed store and ensures the bucket exists
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required for s3 storage")
	}

	var (
		awsConfig aws.Config
		err       error
	)
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials (MinIO or explicit keys)
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars, etc.)
		awsConfig, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.S3Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	store := newS3Store(client, cfg.S3Bucket, cfg.MaxPackageSize)
	if err := store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return store, nil
}

func newS3Store(client s3API, bucket string, maxSize int64) *S3Store {
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxPackageSize
	}
	return &S3Store{client: client, bucket: bucket, maxSize: maxSize}
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}

	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Put uploads data under its content address, skipping the upload when the
// object already exists
func (s *S3Store) Put(ctx context.Context, data []byte) (Ref, error) {
	if int64(len(data)) > s.maxSize {
		return Ref{}, ErrTooLarge
	}

	key, checksum := KeyFor(data)
	ref := Ref{Key: key, Checksum: checksum, Size: int64(len(data))}

	exists, err := s.exists(ctx, key)
	if err != nil {
		return Ref{}, err
	}
	if exists {
		return ref, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/java-archive"),
		Metadata: map[string]string{
			"checksum-sha256": checksum,
		},
	})
	if err != nil {
		return Ref{}, fmt.Errorf("failed to upload to s3: %w", err)
	}
	return ref, nil
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Open implements PackageStore.Open
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	return out.Body, nil
}

// Delete implements PackageStore.Delete
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// HealthCheck verifies S3 connectivity
func (s *S3Store) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
