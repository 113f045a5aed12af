package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const metaSuffix = ".meta.json"

// localDriver keeps objects under root/<bucket>/<key> with a JSON sidecar
// holding the guard state.
type localDriver struct {
	root string
	mu   sync.Mutex
}

// NewLocal stores objects on the filesystem under root.
func NewLocal(root string, opts Options) (*Storage, error) {
	if root == "" {
		root = "./data/object_storage"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return newStorage(&localDriver{root: root}, opts), nil
}

func (d *localDriver) name() string { return "local" }

func (d *localDriver) path(bucket, key string) (string, error) {
	p := filepath.Join(d.root, bucket, filepath.FromSlash(key))
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidURI
	}
	return p, nil
}

func (d *localDriver) exists(_ context.Context, bucket, key string) (bool, error) {
	p, err := d.path(bucket, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *localDriver) write(_ context.Context, bucket, key string, body []byte, contentType string, retainUntil *time.Time, exclusive bool) error {
	p, err := d.path(bucket, key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	m := objectMeta{
		RetentionUntil: retainUntil,
		ContentType:    contentType,
		CreatedAt:      time.Now().UTC(),
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if exclusive {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	} else if prev, err := readMeta(p); err == nil {
		// an overwrite keeps the hold placed on the previous version
		m.LegalHold = prev.LegalHold
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errObjectExists
		}
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return fmt.Errorf("close file: %w", err)
	}
	return writeMeta(p, m)
}

func (d *localDriver) read(_ context.Context, bucket, key string) ([]byte, error) {
	p, err := d.path(bucket, key)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.ReadFile(p)
}

func (d *localDriver) remove(_ context.Context, bucket, key string) (bool, error) {
	p, err := d.path(bucket, key)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(p + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

func (d *localDriver) meta(_ context.Context, bucket, key string) (objectMeta, bool, error) {
	p, err := d.path(bucket, key)
	if err != nil {
		return objectMeta{}, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return objectMeta{}, false, nil
		}
		return objectMeta{}, false, err
	}
	m, err := readMeta(p)
	if err != nil {
		return objectMeta{}, true, err
	}
	return m, true, nil
}

func (d *localDriver) update(bucket, key string, mutate func(*objectMeta)) (bool, error) {
	p, err := d.path(bucket, key)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	m, err := readMeta(p)
	if err != nil {
		return false, err
	}
	mutate(&m)
	if err := writeMeta(p, m); err != nil {
		return false, err
	}
	return true, nil
}

func (d *localDriver) setLegalHold(_ context.Context, bucket, key string, on bool) (bool, error) {
	return d.update(bucket, key, func(m *objectMeta) { m.LegalHold = on })
}

func (d *localDriver) setRetention(_ context.Context, bucket, key string, until time.Time) (bool, error) {
	return d.update(bucket, key, func(m *objectMeta) { m.RetentionUntil = &until })
}

func (d *localDriver) presign(context.Context, string, string, time.Duration) (string, error) {
	return "", nil
}

func (d *localDriver) reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// readMeta fails on a missing or corrupt sidecar so an object whose guard
// state is unknown is never treated as unguarded.
func readMeta(path string) (objectMeta, error) {
	raw, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return objectMeta{}, fmt.Errorf("read meta: %w", err)
	}
	var m objectMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return objectMeta{}, fmt.Errorf("decode meta: %w", err)
	}
	return m, nil
}

func writeMeta(path string, m objectMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+metaSuffix, raw, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}
