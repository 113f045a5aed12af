// Package storage is write-once object storage with legal hold and
// retention guards. Local, S3 and MinIO drivers share one contract; the
// Storage type layers the WORM and deletion rules over whichever is configured.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/config"
	"bid-evaluation-service/internal/models"
)

const uriScheme = "object://"

// ErrInvalidURI is returned for URIs outside the object:// scheme or for another backend.
var ErrInvalidURI = errors.New("invalid storage uri")

// errObjectExists is returned by an exclusive driver write that lost to an earlier one.
var errObjectExists = errors.New("object already exists")

// Location is a parsed object://<backend>/<bucket>/<key> URI.
type Location struct {
	Backend string
	Bucket  string
	Key     string
}

func (l Location) URI() string {
	return uriScheme + l.Backend + "/" + l.Bucket + "/" + l.Key
}

func ParseURI(uri string) (Location, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return Location{}, ErrInvalidURI
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, uriScheme), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Location{}, ErrInvalidURI
	}
	return Location{Backend: parts[0], Bucket: parts[1], Key: parts[2]}, nil
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func cleanSegment(v string) string {
	v = unsafeSegment.ReplaceAllString(strings.TrimSpace(v), "_")
	if v == "" || v == "." || v == ".." {
		return "object"
	}
	return v
}

// BuildKey lays objects out as tenants/<tenant>/<type>/<id>/<file> so the
// key itself scopes access by tenant.
func BuildKey(prefix, tenantID, objectType, objectID, filename string) string {
	tenant := cleanSegment(tenantID)
	kind := cleanSegment(objectType)
	id := cleanSegment(objectID)
	file := cleanSegment(filename)

	var base string
	switch kind {
	case "document":
		base = fmt.Sprintf("tenants/%s/documents/%s/raw/%s", tenant, id, file)
	case "report":
		base = fmt.Sprintf("tenants/%s/reports/%s/%s", tenant, id, file)
	default:
		base = fmt.Sprintf("tenants/%s/%s/%s/%s", tenant, kind, id, file)
	}
	if p := strings.Trim(prefix, "/"); p != "" {
		return p + "/" + base
	}
	return base
}

// OwnedBy reports whether uri names an object of this backend laid out under
// tenantID's key prefix.
func (s *Storage) OwnedBy(uri, tenantID string) bool {
	loc, err := ParseURI(uri)
	if err != nil || loc.Backend != s.driver.name() || loc.Bucket != s.opts.Bucket {
		return false
	}
	prefix := "tenants/" + cleanSegment(tenantID) + "/"
	if p := strings.Trim(s.opts.Prefix, "/"); p != "" {
		prefix = p + "/" + prefix
	}
	return strings.HasPrefix(loc.Key, prefix) && !strings.Contains(loc.Key, "..")
}

// ReportFilename derives a content-addressed report file name, ignoring report_uri.
func ReportFilename(report map[string]any) (string, error) {
	cp := make(map[string]any, len(report))
	for k, v := range report {
		if k != "report_uri" {
			cp[k] = v
		}
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "report-" + hex.EncodeToString(sum[:])[:12] + ".json", nil
}

// objectMeta is the per-object guard state a driver keeps.
type objectMeta struct {
	LegalHold      bool       `json:"legal_hold"`
	RetentionUntil *time.Time `json:"retention_until,omitempty"`
	ContentType    string     `json:"content_type,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// driver is the raw backend a Storage delegates to.
type driver interface {
	name() string
	exists(ctx context.Context, bucket, key string) (bool, error)
	// write with exclusive set must fail with errObjectExists instead of
	// replacing an object that is already there.
	write(ctx context.Context, bucket, key string, body []byte, contentType string, retainUntil *time.Time, exclusive bool) error
	read(ctx context.Context, bucket, key string) ([]byte, error)
	remove(ctx context.Context, bucket, key string) (bool, error)
	meta(ctx context.Context, bucket, key string) (objectMeta, bool, error)
	setLegalHold(ctx context.Context, bucket, key string, on bool) (bool, error)
	setRetention(ctx context.Context, bucket, key string, until time.Time) (bool, error)
	// presign returns "" when the backend cannot sign URLs.
	presign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	reset(ctx context.Context) error
}

// Options tune the WORM layer.
type Options struct {
	Bucket           string
	Prefix           string
	WORM             bool
	DefaultRetention time.Duration
	PresignTTL       time.Duration
}

// PutInput names the logical object being written.
type PutInput struct {
	TenantID    string
	ObjectType  string
	ObjectID    string
	Filename    string
	Content     []byte
	ContentType string
}

// Storage enforces write-once puts and guarded deletes.
type Storage struct {
	driver driver
	opts   Options
	now    func() time.Time
}

func newStorage(d driver, opts Options) *Storage {
	if opts.Bucket == "" {
		opts.Bucket = "bea"
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	return &Storage{driver: d, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// New builds the backend named by cfg.ObjectStorageBackend.
func New(ctx context.Context, cfg config.Config) (*Storage, error) {
	opts := Options{
		Bucket:           cfg.ObjectStorageBucket,
		WORM:             cfg.ObjectStorageWORMMode,
		DefaultRetention: cfg.ObjectStorageDefaultRetention,
		PresignTTL:       cfg.ObjectStoragePresignTTL,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ObjectStorageBackend)) {
	case "", "local":
		return NewLocal(cfg.ObjectStorageRoot, opts)
	case "s3":
		return NewS3(ctx, S3Config{
			Endpoint:  cfg.ObjectStorageEndpoint,
			Region:    cfg.ObjectStorageRegion,
			AccessKey: cfg.ObjectStorageAccessKey,
			SecretKey: cfg.ObjectStorageSecretKey,
			PathStyle: cfg.ObjectStoragePathStyle,
		}, opts)
	case "minio":
		return NewMinIO(ctx, MinIOConfig{
			Endpoint:  cfg.ObjectStorageEndpoint,
			AccessKey: cfg.ObjectStorageAccessKey,
			SecretKey: cfg.ObjectStorageSecretKey,
			UseSSL:    cfg.ObjectStorageUseSSL,
			Region:    cfg.ObjectStorageRegion,
		}, opts)
	default:
		return nil, fmt.Errorf("unsupported object storage backend %q", cfg.ObjectStorageBackend)
	}
}

// WithClock overrides the time source used for retention checks.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.now = now
	return s
}

// Backend names the driver, as it appears in URIs.
func (s *Storage) Backend() string { return s.driver.name() }

func (s *Storage) locate(uri string) (Location, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return Location{}, apperr.Validation(apperr.CodeReqValidationFailed, err.Error())
	}
	if loc.Backend != s.driver.name() {
		return Location{}, apperr.Validation(apperr.CodeReqValidationFailed, "storage backend mismatch: "+loc.Backend)
	}
	return loc, nil
}

// Put writes in.Content. In WORM mode a key that already exists keeps its
// bytes and guard state and the existing URI is returned; concurrent puts to
// one key resolve to a single physical write.
func (s *Storage) Put(ctx context.Context, in PutInput) (string, error) {
	loc := Location{
		Backend: s.driver.name(),
		Bucket:  s.opts.Bucket,
		Key:     BuildKey(s.opts.Prefix, in.TenantID, in.ObjectType, in.ObjectID, in.Filename),
	}
	if s.opts.WORM {
		ok, err := s.driver.exists(ctx, loc.Bucket, loc.Key)
		if err != nil {
			return "", fmt.Errorf("stat object: %w", err)
		}
		if ok {
			return loc.URI(), nil
		}
	}
	var retain *time.Time
	if s.opts.DefaultRetention > 0 {
		until := s.now().Add(s.opts.DefaultRetention)
		retain = &until
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.driver.write(ctx, loc.Bucket, loc.Key, in.Content, contentType, retain, s.opts.WORM); err != nil {
		if errors.Is(err, errObjectExists) {
			return loc.URI(), nil
		}
		return "", fmt.Errorf("put object: %w", err)
	}
	return loc.URI(), nil
}

func (s *Storage) Get(ctx context.Context, uri string) ([]byte, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return nil, err
	}
	ok, err := s.driver.exists(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("stat object: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound(apperr.CodeObjectNotFound, "object not found")
	}
	data, err := s.driver.read(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return data, nil
}

// Stat reports an object's guard state.
func (s *Storage) Stat(ctx context.Context, uri string) (models.StorageObject, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return models.StorageObject{}, err
	}
	m, ok, err := s.driver.meta(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return models.StorageObject{}, fmt.Errorf("stat object: %w", err)
	}
	if !ok {
		return models.StorageObject{}, apperr.NotFound(apperr.CodeObjectNotFound, "object not found")
	}
	return models.StorageObject{
		URI:            uri,
		Backend:        loc.Backend,
		Bucket:         loc.Bucket,
		Key:            loc.Key,
		LegalHold:      m.LegalHold,
		RetentionUntil: m.RetentionUntil,
	}, nil
}

// Delete removes the object. An active legal hold wins over an expired
// retention window. Deleting a missing object reports false.
func (s *Storage) Delete(ctx context.Context, uri string) (bool, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return false, err
	}
	m, ok, err := s.driver.meta(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return false, fmt.Errorf("stat object: %w", err)
	}
	if !ok {
		return false, nil
	}
	if m.LegalHold {
		return false, apperr.ErrLegalHoldActive
	}
	if m.RetentionUntil != nil && s.now().Before(*m.RetentionUntil) {
		return false, apperr.ErrRetentionActive.WithDetails(map[string]any{
			"retention_until": m.RetentionUntil.UTC().Format(time.RFC3339),
		})
	}
	removed, err := s.driver.remove(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	return removed, nil
}

// ApplyLegalHold reports false when the object does not exist.
func (s *Storage) ApplyLegalHold(ctx context.Context, uri string) (bool, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return false, err
	}
	return s.driver.setLegalHold(ctx, loc.Bucket, loc.Key, true)
}

func (s *Storage) ReleaseLegalHold(ctx context.Context, uri string) (bool, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return false, err
	}
	return s.driver.setLegalHold(ctx, loc.Bucket, loc.Key, false)
}

func (s *Storage) LegalHoldActive(ctx context.Context, uri string) (bool, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return false, err
	}
	m, ok, err := s.driver.meta(ctx, loc.Bucket, loc.Key)
	if err != nil || !ok {
		return false, err
	}
	return m.LegalHold, nil
}

// SetRetention sets retain-until; it reports false when the object does not exist.
func (s *Storage) SetRetention(ctx context.Context, uri string, until time.Time) (bool, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return false, err
	}
	return s.driver.setRetention(ctx, loc.Bucket, loc.Key, until.UTC())
}

// Retention returns nil when no retention is set or the object is missing.
func (s *Storage) Retention(ctx context.Context, uri string) (*time.Time, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return nil, err
	}
	m, ok, err := s.driver.meta(ctx, loc.Bucket, loc.Key)
	if err != nil || !ok {
		return nil, err
	}
	return m.RetentionUntil, nil
}

// PresignGet returns a time-limited download URL, or "" when the backend has none.
func (s *Storage) PresignGet(ctx context.Context, uri string) (string, error) {
	loc, err := s.locate(uri)
	if err != nil {
		return "", err
	}
	return s.driver.presign(ctx, loc.Bucket, loc.Key, s.opts.PresignTTL)
}

// Reset wipes every object. Tests only.
func (s *Storage) Reset(ctx context.Context) error {
	return s.driver.reset(ctx)
}
