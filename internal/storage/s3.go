package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config points at AWS or any S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// s3Driver maps legal hold and retention onto S3 Object Lock. The bucket
// must have Object Lock enabled for holds and retention to stick.
type s3Driver struct {
	client *s3.Client
	signer *s3.PresignClient
}

func NewS3(ctx context.Context, cfg S3Config, opts Options) (*Storage, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newStorage(&s3Driver{client: client, signer: s3.NewPresignClient(client)}, opts), nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func (d *s3Driver) name() string { return "s3" }

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

// isPreconditionFailed matches a conditional put that found the key taken.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

// isNoLockConfig matches buckets or objects without Object Lock data.
func isNoLockConfig(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchObjectLockConfiguration", "ObjectLockConfigurationNotFoundError", "InvalidRequest":
			return true
		}
	}
	return false
}

func (d *s3Driver) exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object: %w", err)
	}
	return true, nil
}

func (d *s3Driver) write(ctx context.Context, bucket, key string, body []byte, contentType string, retainUntil *time.Time, exclusive bool) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if retainUntil != nil {
		in.ObjectLockMode = types.ObjectLockModeGovernance
		in.ObjectLockRetainUntilDate = aws.Time(*retainUntil)
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := d.client.PutObject(ctx, in); err != nil {
		if isPreconditionFailed(err) {
			return errObjectExists
		}
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (d *s3Driver) read(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (d *s3Driver) remove(ctx context.Context, bucket, key string) (bool, error) {
	if _, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	return true, nil
}

func (d *s3Driver) meta(ctx context.Context, bucket, key string) (objectMeta, bool, error) {
	head, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return objectMeta{}, false, nil
		}
		return objectMeta{}, false, fmt.Errorf("head object: %w", err)
	}
	m := objectMeta{
		LegalHold:      head.ObjectLockLegalHoldStatus == types.ObjectLockLegalHoldStatusOn,
		RetentionUntil: head.ObjectLockRetainUntilDate,
		ContentType:    aws.ToString(head.ContentType),
	}
	if head.LastModified != nil {
		m.CreatedAt = *head.LastModified
	}
	return m, true, nil
}

func (d *s3Driver) setLegalHold(ctx context.Context, bucket, key string, on bool) (bool, error) {
	ok, err := d.exists(ctx, bucket, key)
	if err != nil || !ok {
		return false, err
	}
	status := types.ObjectLockLegalHoldStatusOff
	if on {
		status = types.ObjectLockLegalHoldStatusOn
	}
	_, err = d.client.PutObjectLegalHold(ctx, &s3.PutObjectLegalHoldInput{
		Bucket:    aws.String(bucket),
		Key:       aws.String(key),
		LegalHold: &types.ObjectLockLegalHold{Status: status},
	})
	if err != nil {
		if isNoLockConfig(err) {
			slog.Warn("bucket has no object lock; legal hold recorded in the store only",
				"bucket", bucket, "key", key, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("put legal hold: %w", err)
	}
	return true, nil
}

func (d *s3Driver) setRetention(ctx context.Context, bucket, key string, until time.Time) (bool, error) {
	ok, err := d.exists(ctx, bucket, key)
	if err != nil || !ok {
		return false, err
	}
	_, err = d.client.PutObjectRetention(ctx, &s3.PutObjectRetentionInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Retention: &types.ObjectLockRetention{
			Mode:            types.ObjectLockRetentionModeGovernance,
			RetainUntilDate: aws.Time(until),
		},
	})
	if err != nil {
		if isNoLockConfig(err) {
			slog.Warn("bucket has no object lock; retention not enforced by the backend",
				"bucket", bucket, "key", key, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("put retention: %w", err)
	}
	return true, nil
}

func (d *s3Driver) presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := d.signer.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
		s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// reset is a no-op; buckets are never wiped from the service.
func (d *s3Driver) reset(context.Context) error { return nil }
