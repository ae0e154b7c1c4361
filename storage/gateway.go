package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/effective-security/dssatmcp/pkg/metricskey"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/effective-security/xlog"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc/pool"
)

// TimeNowFn is used for archive keys and expiry, replaced in tests
var TimeNowFn = time.Now

// Defaults
const (
	DefaultRetries        = 3
	DefaultRetryBaseDelay = 200 * time.Millisecond
	DefaultOpTimeout      = 2 * time.Minute
	DefaultConcurrency    = 4
	DefaultPresignExpiry  = time.Hour
)

const archiveContentType = "application/zip"

// Config of the Gateway
type Config struct {
	// Prefix is prepended to the archive keys
	Prefix string
	// PresignExpiry is the validity of the presigned URL
	PresignExpiry time.Duration
	// Retries is the number of retries of transient failures
	Retries uint64
	// RetryBaseDelay is the first retry delay, doubled on each retry
	RetryBaseDelay time.Duration
	// OpTimeout limits a single storage operation
	OpTimeout time.Duration
	// Concurrency limits parallel downloads
	Concurrency int
}

// FetchResult is the outcome of a single key download
type FetchResult struct {
	Key string `json:"key"`
	// LocalPath is relative to the working folder
	LocalPath string         `json:"local_path"`
	SizeBytes int64          `json:"size_bytes"`
	Error     *toolerr.Error `json:"error,omitempty"`
}

// Upload is the stored archive of the working folder
type Upload struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	SizeBytes int64     `json:"size_bytes"`
	Files     []string  `json:"files"`
}

// Gateway downloads inputs into the working folders
// and uploads the archived outputs
type Gateway struct {
	store ObjectStore
	dirs  *workdir.Manager
	cfg   Config
}

// NewGateway returns Gateway
func NewGateway(store ObjectStore, dirs *workdir.Manager, cfg Config) *Gateway {
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = DefaultPresignExpiry
	}
	return &Gateway{
		store: store,
		dirs:  dirs,
		cfg:   cfg,
	}
}

// Store returns the object store
func (g *Gateway) Store() ObjectStore {
	return g.store
}

func (g *Gateway) backoff() retry.Backoff {
	b := retry.NewExponential(g.cfg.RetryBaseDelay)
	b = retry.WithCappedDuration(10*g.cfg.RetryBaseDelay, b)
	return retry.WithMaxRetries(g.cfg.Retries, b)
}

// withRetry runs op until it succeeds, fails permanently or retries are exhausted
func (g *Gateway) withRetry(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	var attempts int32
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) > 1 {
			metricskey.StatsStorageRetries.IncrCounter(1, name)
		}
		octx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
		defer cancel()

		err := op(octx)
		if err != nil && IsTransient(err) && ctx.Err() == nil {
			logger.ContextKV(ctx, xlog.DEBUG, "op", name, "attempt", attempts, "err", err.Error())
			return retry.RetryableError(err)
		}
		return err
	})
	return int(attempts), err
}

// ValidateKeys checks the keys before any I/O,
// the local names of the keys must be unique
func ValidateKeys(field string, keys []string) error {
	if len(keys) == 0 {
		return toolerr.InvalidArguments(field, "at least one object key is required")
	}
	seen := make(map[string]string, len(keys))
	for i, key := range keys {
		f := fmt.Sprintf("%s[%d]", field, i)
		if err := ValidateKey(f, key); err != nil {
			return err
		}
		name := LocalName(key)
		if prev, ok := seen[name]; ok {
			return toolerr.InvalidArguments(f, "%s and %s are both saved as %s", prev, key, name)
		}
		seen[name] = key
	}
	return nil
}

// Fetch downloads each key into the folder.
// Per key failures are reported in the results and never abort the batch.
// The results are in the order of the keys.
func (g *Gateway) Fetch(ctx context.Context, keys []string, d *workdir.Dir) ([]FetchResult, error) {
	if err := ValidateKeys("file_keys", keys); err != nil {
		return nil, err
	}

	results := make([]FetchResult, len(keys))
	p := pool.New().WithMaxGoroutines(g.cfg.Concurrency)
	for i, key := range keys {
		p.Go(func() {
			results[i] = g.fetchOne(ctx, key, d)
		})
	}
	p.Wait()

	return results, nil
}

func (g *Gateway) fetchOne(ctx context.Context, key string, d *workdir.Dir) FetchResult {
	name := LocalName(key)
	res := FetchResult{
		Key:       key,
		LocalPath: name,
	}
	started := time.Now()

	var size int64
	attempts, err := g.withRetry(ctx, "get", func(ctx context.Context) error {
		n, err := g.download(ctx, key, filepath.Join(d.Path, name))
		size = n
		return err
	})
	if err == nil {
		err = verifyLocal(d, name)
	}

	if err != nil {
		res.Error = fetchError(key, attempts, err)
		metricskey.StatsObjectsDownloaded.IncrCounter(1, string(res.Error.Kind))
		logger.ContextKV(ctx, xlog.WARNING,
			"folder", d.Name,
			"key", key,
			"kind", res.Error.Kind,
			"attempts", attempts,
			"err", err.Error(),
		)
		return res
	}

	res.SizeBytes = size
	metricskey.StatsObjectsDownloaded.IncrCounter(1, "ok")
	metricskey.StatsBytesDownloaded.IncrCounter(float64(size), g.store.Name())
	metricskey.PerfObjectDownload.MeasureSince(started, g.store.Name())
	logger.ContextKV(ctx, xlog.DEBUG,
		"folder", d.Name,
		"key", key,
		"size", humanize.Bytes(uint64(size)),
	)
	return res
}

// download writes the object to a temporary file renamed to dst on success,
// so partially downloaded files never appear in the folder
func (g *Gateway) download(ctx context.Context, key, dst string) (int64, error) {
	rc, size, err := g.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, errors.Wrap(err, "unable to create temporary file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, rc)
	if err != nil {
		_ = tmp.Close()
		return n, errors.Mark(errors.Wrap(err, "failed to read object"), ErrUnavailable)
	}
	if err = tmp.Close(); err != nil {
		return n, errors.Wrap(err, "unable to write file")
	}
	if size >= 0 && n != size {
		return n, errors.Mark(errors.Errorf("truncated object: expected %d bytes, got %d", size, n), ErrUnavailable)
	}
	if err = os.Rename(tmpName, dst); err != nil {
		return n, errors.Wrap(err, "unable to rename file")
	}
	return n, nil
}

func verifyLocal(d *workdir.Dir, name string) error {
	fi, err := os.Stat(filepath.Join(d.Path, name))
	if err != nil {
		return toolerr.VerificationFailed("file %s is not present after download", name)
	}
	if !fi.Mode().IsRegular() || fi.Size() == 0 {
		return toolerr.VerificationFailed("file %s is empty after download", name)
	}
	return nil
}

func fetchError(key string, attempts int, err error) *toolerr.Error {
	var terr *toolerr.Error
	switch {
	case errors.As(err, &terr):
		return terr
	case errors.Is(err, ErrNotFound):
		return toolerr.ObjectNotFound(key).WithCause(err)
	case errors.Is(err, ErrUnavailable):
		return toolerr.StorageUnavailable(err, "failed to download %s after %d attempt(s)", key, attempts)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return toolerr.StorageUnavailable(err, "download of %s was interrupted", key)
	default:
		return toolerr.StorageUnavailable(err, "failed to download %s", key)
	}
}

// ArchiveKey returns the object key of the folder archive
func (g *Gateway) ArchiveKey(folder string, at time.Time) string {
	return fmt.Sprintf("%s%s/%s-%s.zip", g.cfg.Prefix, folder, folder, at.UTC().Format("20060102T150405Z"))
}

// ArchiveAndUpload stores the zip of the folder and returns its presigned URL.
// The folder is not modified.
func (g *Gateway) ArchiveAndUpload(ctx context.Context, d *workdir.Dir) (*Upload, error) {
	started := time.Now()

	tmp, err := os.CreateTemp("", "dssat-upload-*.zip")
	if err != nil {
		return nil, toolerr.UploadFailed(err, "unable to create archive")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	info, err := g.dirs.Archive(ctx, d, tmp)
	if err != nil {
		return nil, toolerr.UploadFailed(err, "unable to archive folder %s", d.Name)
	}
	if len(info.Files) == 0 {
		return nil, toolerr.VerificationFailed("folder %s has no files to upload", d.Name)
	}

	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, toolerr.UploadFailed(err, "unable to archive folder %s", d.Name)
	}

	now := TimeNowFn()
	key := g.ArchiveKey(d.Name, now)

	attempts, err := g.withRetry(ctx, "put", func(ctx context.Context) error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return errors.WithStack(err)
		}
		return g.store.Put(ctx, key, tmp, size, archiveContentType)
	})
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"folder", d.Name,
			"key", key,
			"attempts", attempts,
			"err", err.Error(),
		)
		return nil, toolerr.UploadFailed(err, "failed to upload %s after %d attempt(s)", key, attempts)
	}

	url, err := g.store.Presign(ctx, key, g.cfg.PresignExpiry)
	if err != nil {
		return nil, toolerr.UploadFailed(err, "failed to presign %s", key)
	}

	metricskey.StatsBytesUploaded.IncrCounter(float64(size), g.store.Name())
	metricskey.PerfArchiveUpload.MeasureSince(started, g.store.Name())
	logger.ContextKV(ctx, xlog.INFO,
		"folder", d.Name,
		"key", key,
		"files", len(info.Files),
		"size", humanize.Bytes(uint64(size)),
	)

	return &Upload{
		Key:       key,
		URL:       url,
		ExpiresAt: now.Add(g.cfg.PresignExpiry).UTC(),
		SizeBytes: size,
		Files:     info.Files,
	}, nil
}
