package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/logging"
)

// S3Options configures the hub bucket connection. BaseEndpoint is optional
// and points the client at an S3-compatible service such as MinIO.
type S3Options struct {
	AccessKey    string
	SecretKey    string
	Region       string
	Bucket       string
	BaseEndpoint string

	// MaxRetries bounds retry attempts per upload; zero means DefaultMaxRetries.
	MaxRetries uint64
}

const (
	DefaultMaxRetries = 4
	retryBaseDelay    = 500 * time.Millisecond
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Client implements Client over an S3 bucket, retrying transient failures
// with capped exponential backoff.
type S3Client struct {
	client     s3API
	bucket     string
	maxRetries uint64
	baseDelay  time.Duration
	logger     logging.Logger
}

func NewS3Client(ctx context.Context, opts S3Options, logger logging.Logger) (*S3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey,
			opts.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("loading s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
		}
	})

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	return &S3Client{
		client:     client,
		bucket:     opts.Bucket,
		maxRetries: maxRetries,
		baseDelay:  retryBaseDelay,
		logger:     logger.With("module", "hub"),
	}, nil
}

func (c *S3Client) UploadContent(ctx context.Context, stage, filename string, body []byte) (string, error) {
	return c.put(ctx, fmt.Sprintf("%s/%s.txt", stage, filename), "text/plain; charset=utf-8", body)
}

func (c *S3Client) UploadMetadata(ctx context.Context, stage, filename string, body []byte) (string, error) {
	return c.put(ctx, fmt.Sprintf("%s/%s.meta.json", stage, filename), "application/json", body)
}

func (c *S3Client) UploadChunk(ctx context.Context, source string, index int, body []byte) (string, error) {
	return c.put(ctx, fmt.Sprintf("chunked/%s/chunk_%02d.json", source, index), "application/json", body)
}

// ListContent pages through the bucket under the stage prefix and returns
// every object key.
func (c *S3Client) ListContent(ctx context.Context, stage string) ([]string, error) {
	prefix := stage + "/"
	var keys []string
	var token *string
	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, classify(err))
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// Download reads one object body.
func (c *S3Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, classify(err))
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", common.ErrRemoteUnavailable, key, err)
	}
	return body, nil
}

// put writes one object, retrying only ErrRemoteUnavailable. Auth and
// conflict failures are permanent and returned immediately.
func (c *S3Client) put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseDelay))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(contentType),
		})
		if err == nil {
			return nil
		}
		err = classify(err)
		if errors.Is(err, common.ErrRemoteUnavailable) {
			c.logger.Warn(ctx, "upload attempt failed, retrying", "key", key, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", c.bucket, key), nil
}

// classify maps S3 API errors onto the package's sentinel errors.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", common.ErrRemoteUnavailable, err)
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %s", common.ErrNotFound, apiErr.ErrorMessage())
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%w: %s", common.ErrAuthRejected, apiErr.ErrorMessage())
	case "PreconditionFailed", "OperationAborted":
		return fmt.Errorf("%w: %s", common.ErrRemoteConflict, apiErr.ErrorMessage())
	default:
		return fmt.Errorf("%w: %s: %s", common.ErrRemoteUnavailable, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
}
