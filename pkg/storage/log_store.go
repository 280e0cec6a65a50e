package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// LogStore archives the rendered trace of a run.
type LogStore interface {
	// Store saves logs and returns a reference path/URL
	Store(ctx context.Context, runID string, logs []byte) (string, error)
	// Retrieve fetches logs by reference
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// s3API is the subset of *s3.Client the store needs.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3LogStore stores logs in S3-compatible storage
type S3LogStore struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// S3LogStoreConfig holds S3 configuration
type S3LogStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "deploys/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3LogStore creates a new S3-backed log store
func NewS3LogStore(ctx context.Context, cfg S3LogStoreConfig) (*S3LogStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// Custom credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return newS3LogStore(s3.NewFromConfig(awsCfg, clientOpts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3LogStore(client s3API, bucket, prefix string) *S3LogStore {
	return &S3LogStore{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Store uploads the run log under prefix/YYYY/MM/DD/<run>.log.
func (s *S3LogStore) Store(ctx context.Context, runID string, logs []byte) (string, error) {
	key := s.buildKey(runID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(logs),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata:    map[string]string{"run-id": runID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload logs to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches logs from S3
func (s *S3LogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := s.extractKey(reference)

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get logs from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return data, nil
}

func (s *S3LogStore) buildKey(runID string) string {
	return fmt.Sprintf("%s%s/%s.log", s.prefix, s.now().UTC().Format("2006/01/02"), runID)
}

func (s *S3LogStore) extractKey(reference string) string {
	// Handle s3://bucket/key format
	if rest, ok := strings.CutPrefix(reference, "s3://"); ok {
		if _, key, found := strings.Cut(rest, "/"); found {
			return key
		}
	}
	return reference
}

// LocalLogStore stores logs on the local filesystem.
type LocalLogStore struct {
	basePath string
}

// NewLocalLogStore creates a local filesystem log store
func NewLocalLogStore(basePath string) (*LocalLogStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &LocalLogStore{basePath: abs}, nil
}

// Store saves logs to local filesystem
func (l *LocalLogStore) Store(_ context.Context, runID string, logs []byte) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	path := filepath.Join(l.basePath, runID+".log")
	if err := os.WriteFile(path, logs, 0o640); err != nil {
		return "", fmt.Errorf("failed to write logs: %w", err)
	}
	return path, nil
}

// Retrieve reads a log previously returned by Store. References outside
// the base directory are refused.
func (l *LocalLogStore) Retrieve(_ context.Context, reference string) ([]byte, error) {
	path := filepath.Clean(reference)
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.basePath, path)
	}
	rel, err := filepath.Rel(l.basePath, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("reference %q is outside the log directory", reference)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// OpenLogStore builds the archive named by kind ("none", "local" or "s3").
// A nil store with a nil error means archiving is off.
func OpenLogStore(ctx context.Context, kind, localDir string, s3cfg S3LogStoreConfig) (LogStore, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "local":
		store, err := NewLocalLogStore(localDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := NewS3LogStore(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown log store %q", kind)
	}
}
