// Package artifacts turns object keys reported by build jobs into download URLs.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Linker produces time-limited download URLs for build outputs.
type Linker interface {
	Link(ctx context.Context, buildID, key string) (string, error)
}

// S3Config configures the presigner.
type S3Config struct {
	Bucket string
	Region string
	TTL    time.Duration
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string
	// AccessKeyID and SecretAccessKey, when set, replace the default credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Linker presigns GET requests for objects under the build's prefix.
type S3Linker struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewS3Linker loads AWS config and prepares a presigner.
func NewS3Linker(ctx context.Context, cfg S3Config) (*S3Linker, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &S3Linker{presign: s3.NewPresignClient(client), bucket: cfg.Bucket, ttl: ttl}, nil
}

// Link presigns key. Relative keys are resolved under builds/<buildID>/.
func (l *S3Linker) Link(ctx context.Context, buildID, key string) (string, error) {
	objectKey, err := ObjectKey(buildID, key)
	if err != nil {
		return "", err
	}
	req, err := l.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &l.bucket,
		Key:    &objectKey,
	}, s3.WithPresignExpires(l.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return req.URL, nil
}

// ObjectKey resolves key under the build prefix and rejects keys escaping it.
func ObjectKey(buildID, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("artifact key is required")
	}
	prefix := path.Join("builds", buildID)
	if strings.HasPrefix(key, prefix+"/") {
		key = strings.TrimPrefix(key, prefix+"/")
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return prefix + cleaned, nil
}
