package archive

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/config"
)

// NewS3Client builds an S3 client for the archive bucket and checks that the
// bucket is reachable. A custom endpoint switches to path-style URLs, which
// S3-compatible stores such as MinIO or Backblaze B2 expect.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	const op = "archive.NewS3Client"
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperror.Configuration(op, fmt.Errorf("failed to load AWS config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, apperror.Transient(op, fmt.Errorf("bucket %s not accessible: %w", cfg.Bucket, err))
	}
	log.Infof("[Archive] S3 client ready for bucket: %s", cfg.Bucket)
	return client, nil
}
