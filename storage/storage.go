// Package storage moves files between the object store and the working folders.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "storage")

//go:generate mockgen -source=storage.go -destination=../mocks/mockstorage/storage_mock.gen.go -package mockstorage

var (
	// ErrNotFound is returned by ObjectStore when the key does not exist
	ErrNotFound = errors.New("object not found")
	// ErrUnavailable is returned by ObjectStore on transient failures,
	// the operation can be retried
	ErrUnavailable = errors.New("storage unavailable")
)

// ObjectStore is the external object storage
type ObjectStore interface {
	// Name returns the provider name
	Name() string
	// Get returns the content of the object and its size, or -1 if unknown
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// Put stores the object
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// Presign returns time limited URL to GET the object
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ValidateKey returns InvalidArguments if the key is not a relative object key
func ValidateKey(field, key string) error {
	switch {
	case key == "":
		return toolerr.InvalidArguments(field, "object key must not be empty")
	case strings.HasPrefix(key, "/"):
		return toolerr.InvalidArguments(field, "object key must be relative: %s", key)
	case strings.ContainsAny(key, "\\\x00"):
		return toolerr.InvalidArguments(field, "object key contains invalid characters: %s", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return toolerr.InvalidArguments(field, "object key has invalid segment: %s", key)
		}
	}
	return nil
}

// LocalName returns the file name of the downloaded key in the working folder
func LocalName(key string) string {
	return path.Base(key)
}

// IsTransient returns true if the store error can be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
