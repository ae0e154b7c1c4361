package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryStore is ObjectStore in memory, used for local development and tests
type MemoryStore struct {
	lock    sync.RWMutex
	bucket  string
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore returns empty store
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]memObject),
	}
}

func (s *MemoryStore) Name() string {
	return "memory"
}

func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, errors.Mark(err, ErrUnavailable)
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, 0, errors.Mark(errors.Errorf("object %q not found", key), ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), int64(len(obj.data)), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(err, ErrUnavailable)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to read body"), ErrUnavailable)
	}
	if size >= 0 && int64(len(data)) != size {
		return errors.Errorf("size mismatch: expected %d, got %d", size, len(data))
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.objects[key] = memObject{data: data, contentType: contentType}
	return nil
}

func (s *MemoryStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.lock.RLock()
	_, ok := s.objects[key]
	s.lock.RUnlock()
	if !ok {
		return "", errors.Mark(errors.Errorf("object %q not found", key), ErrNotFound)
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     s.bucket,
		Path:     "/" + key,
		RawQuery: fmt.Sprintf("expires=%d", TimeNowFn().Add(ttl).Unix()),
	}
	return u.String(), nil
}

// PutBytes stores the object
func (s *MemoryStore) PutBytes(key string, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.objects[key] = memObject{data: slices.Clone(data)}
}

// Bytes returns the content of the object
func (s *MemoryStore) Bytes(key string) ([]byte, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	obj, ok := s.objects[key]
	return obj.data, ok
}

// Keys returns the stored keys in order
func (s *MemoryStore) Keys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
