// internal/objstore/client.go
// Package objstore provides S3-compatible object storage for assembled
// artifacts. Completed uploads are archived to a bucket and can be served
// back through presigned URLs without streaming through the ingest service.
package objstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client wraps the AWS S3 client for artifact archival.
type Client struct {
	client *s3.Client // AWS S3 client
	bucket string     // S3 bucket name for artifact storage
}

// NewClient creates a new S3 client for artifact archival.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for artifact storage
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
// Returns:
//   - *Client: Initialized S3 client
//   - error: Any error that occurred during initialization
func NewClient(endpoint, region, bucket, accessKey, secretKey string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Client{
		client: client,
		bucket: bucket,
	}, nil
}

// ArchiveArtifact uploads an assembled artifact from local disk to the bucket.
// Parameters:
//   - ctx: Context for the operation
//   - key: S3 object key where the artifact will be stored
//   - localPath: Path to the assembled artifact on disk
// Returns:
//   - error: Any error that occurred during upload
func (c *Client) ArchiveArtifact(ctx context.Context, key, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to archive artifact: %w", err)
	}

	return nil
}

// PresignDownloadURL generates a presigned URL for fetching an archived
// artifact. This allows clients to download directly from the bucket without
// streaming through the ingest service.
// Parameters:
//   - ctx: Context for the operation
//   - key: S3 object key to fetch
//   - expires: Duration until the presigned URL expires
// Returns:
//   - string: Presigned URL for downloading
//   - error: Any error that occurred during URL generation
func (c *Client) PresignDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(c.client)

	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignResult.URL, nil
}

// VerifyArtifact checks that an archived object exists and has the expected
// size. Used after archival to confirm the bucket holds what was assembled.
// Parameters:
//   - ctx: Context for the operation
//   - key: S3 object key to verify
//   - expectedSize: Expected object size in bytes
// Returns:
//   - bool: True if the object exists and the size matches
//   - error: Any error that occurred during verification
func (c *Client) VerifyArtifact(ctx context.Context, key string, expectedSize int64) (bool, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get object metadata: %w", err)
	}

	if result.ContentLength == nil {
		return false, nil
	}
	return *result.ContentLength == expectedSize, nil
}
