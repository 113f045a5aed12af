package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig addresses a MinIO deployment.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type minioDriver struct {
	client *minio.Client
	region string
}

// NewMinIO connects to cfg.Endpoint and creates the bucket with object
// locking enabled when it does not exist yet.
func NewMinIO(ctx context.Context, cfg MinIOConfig, opts Options) (*Storage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when OBJECT_STORAGE_BACKEND=minio")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	s := newStorage(&minioDriver{client: client, region: cfg.Region}, opts)
	exists, err := client.BucketExists(ctx, s.opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, s.opts.Bucket, minio.MakeBucketOptions{Region: cfg.Region, ObjectLocking: true}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return s, nil
}

func (d *minioDriver) name() string { return "minio" }

func isMinIONotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchObject":
		return true
	}
	return false
}

func (d *minioDriver) exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := d.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (d *minioDriver) write(ctx context.Context, bucket, key string, body []byte, contentType string, retainUntil *time.Time, exclusive bool) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if retainUntil != nil {
		opts.Mode = minio.Governance
		opts.RetainUntilDate = *retainUntil
	}
	if exclusive {
		opts.SetMatchETagExcept("*")
	}
	if _, err := d.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), opts); err != nil {
		if minio.ToErrorResponse(err).Code == "PreconditionFailed" {
			return errObjectExists
		}
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (d *minioDriver) read(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := d.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (d *minioDriver) remove(ctx context.Context, bucket, key string) (bool, error) {
	if err := d.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("remove object: %w", err)
	}
	return true, nil
}

func (d *minioDriver) meta(ctx context.Context, bucket, key string) (objectMeta, bool, error) {
	info, err := d.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return objectMeta{}, false, nil
		}
		return objectMeta{}, false, fmt.Errorf("stat object: %w", err)
	}
	m := objectMeta{ContentType: info.ContentType, CreatedAt: info.LastModified}
	if hold, err := d.client.GetObjectLegalHold(ctx, bucket, key, minio.GetObjectLegalHoldOptions{}); err == nil && hold != nil {
		m.LegalHold = *hold == minio.LegalHoldEnabled
	}
	if _, until, err := d.client.GetObjectRetention(ctx, bucket, key, ""); err == nil && until != nil {
		u := until.UTC()
		m.RetentionUntil = &u
	}
	return m, true, nil
}

func (d *minioDriver) setLegalHold(ctx context.Context, bucket, key string, on bool) (bool, error) {
	ok, err := d.exists(ctx, bucket, key)
	if err != nil || !ok {
		return false, err
	}
	status := minio.LegalHoldDisabled
	if on {
		status = minio.LegalHoldEnabled
	}
	if err := d.client.PutObjectLegalHold(ctx, bucket, key, minio.PutObjectLegalHoldOptions{Status: &status}); err != nil {
		return false, fmt.Errorf("put legal hold: %w", err)
	}
	return true, nil
}

func (d *minioDriver) setRetention(ctx context.Context, bucket, key string, until time.Time) (bool, error) {
	ok, err := d.exists(ctx, bucket, key)
	if err != nil || !ok {
		return false, err
	}
	mode := minio.Governance
	if err := d.client.PutObjectRetention(ctx, bucket, key, minio.PutObjectRetentionOptions{
		Mode:            &mode,
		RetainUntilDate: &until,
	}); err != nil {
		return false, fmt.Errorf("put retention: %w", err)
	}
	return true, nil
}

func (d *minioDriver) presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := d.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return u.String(), nil
}

func (d *minioDriver) reset(context.Context) error { return nil }
