package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrDisabled is returned when no bucket is configured.
var ErrDisabled = errors.New("object storage not configured")

// Presigner issues short-lived GET URLs for delivery artifacts.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type S3Options struct {
	Region    string
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type S3Presigner struct {
	bucket  string
	presign *s3.PresignClient
}

// NewS3Presigner loads the default AWS credential chain unless static keys are
// given. A custom endpoint (MinIO, R2) switches to path-style addressing.
func NewS3Presigner(ctx context.Context, opts S3Options) (*S3Presigner, error) {
	if opts.Bucket == "" {
		return nil, ErrDisabled
	}
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Presigner{bucket: opts.Bucket, presign: s3.NewPresignClient(client)}, nil
}

func (p *S3Presigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Disabled refuses every request; used when S3 is not configured.
type Disabled struct{}

func (Disabled) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", ErrDisabled
}
