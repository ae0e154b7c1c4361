// Package workdir manages the per-experiment working folders under the data root.
package workdir

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/store"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "workdir")

// GeneratedPrefix is the prefix of generated folder names
const GeneratedPrefix = "EXP_"

// DefaultLeaseTTL is the lease TTL when not configured,
// it must be longer than the longest tool invocation
const DefaultLeaseTTL = 15 * time.Minute

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Dir is a working folder owned by a single invocation
type Dir struct {
	Name string
	Path string
	// Created is true when the folder did not exist before
	Created bool

	owner string
}

// Manager creates, locks and removes the working folders
type Manager struct {
	root   string
	leases store.LeaseStore
	ttl    time.Duration
}

// New returns Manager for the data root, the root is created if absent
func New(root string, leases store.LeaseStore, ttl time.Duration) (*Manager, error) {
	if root == "" {
		return nil, errors.New("data root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid data root")
	}
	if err = os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "unable to create data root")
	}
	if leases == nil {
		leases = store.NewMemoryLeases()
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Manager{
		root:   abs,
		leases: leases,
		ttl:    ttl,
	}, nil
}

// Root returns the absolute data root
func (m *Manager) Root() string {
	return m.root
}

// Leases returns the lease store
func (m *Manager) Leases() store.LeaseStore {
	return m.leases
}

// GenerateName returns a new unique folder name
func GenerateName() string {
	return GeneratedPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ValidateName returns InvalidArguments if the name can not be used as a folder
func ValidateName(name string) error {
	if name == "" {
		return toolerr.InvalidArguments("folder", "is required")
	}
	if name == "." || name == ".." || strings.Contains(name, "..") || !nameRegex.MatchString(name) {
		return toolerr.InvalidArguments("folder", "must match %s and must not contain '..'", nameRegex.String())
	}
	return nil
}

// Resolve returns the absolute path of the folder, which is always under the root
func (m *Manager) Resolve(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	p := filepath.Join(m.root, name)
	rel, err := filepath.Rel(m.root, p)
	if err != nil || rel != name {
		return "", toolerr.InvalidArguments("folder", "must resolve under the data root")
	}
	return p, nil
}

// Ensure returns the folder, creating it when absent.
// An empty name produces a generated one.
// The folder is leased by the caller until Release.
func (m *Manager) Ensure(ctx context.Context, name, holder string) (*Dir, error) {
	if name == "" {
		name = GenerateName()
	}
	p, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}

	d, err := m.acquire(ctx, name, p, holder)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(p)
	switch {
	case err == nil && !fi.IsDir():
		m.Release(ctx, d)
		return nil, toolerr.VerificationFailed("folder %s exists and is not a directory", name)
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		if err = os.MkdirAll(p, 0o755); err != nil {
			m.Release(ctx, d)
			return nil, errors.Wrapf(err, "unable to create folder")
		}
		d.Created = true
	default:
		m.Release(ctx, d)
		return nil, errors.Wrapf(err, "unable to stat folder")
	}

	logger.ContextKV(ctx, xlog.DEBUG, "folder", name, "created", d.Created, "holder", holder)
	return d, nil
}

// Lookup returns existing folder leased by the caller until Release
func (m *Manager) Lookup(ctx context.Context, name, holder string) (*Dir, error) {
	p, err := m.Resolve(name)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.IsDir() {
		return nil, toolerr.VerificationFailed("folder %s does not exist, download the input files first", name)
	}
	return m.acquire(ctx, name, p, holder)
}

func (m *Manager) acquire(ctx context.Context, name, p, holder string) (*Dir, error) {
	owner := uuid.NewString()
	ok, err := m.leases.Acquire(ctx, store.Lease{Name: name, Owner: owner, Holder: holder}, m.ttl)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to lease folder %s", name)
	}
	if !ok {
		terr := toolerr.DirectoryConflict(name)
		if cur, _ := m.leases.Get(ctx, name); cur != nil {
			terr = terr.WithDetail(map[string]any{
				"holder":      cur.Holder,
				"acquired_at": cur.AcquiredAt,
				"expires_at":  cur.ExpiresAt,
			})
		}
		return nil, terr
	}
	return &Dir{Name: name, Path: p, owner: owner}, nil
}

// Release drops the lease of the folder, the folder stays on disk
func (m *Manager) Release(ctx context.Context, d *Dir) {
	if d == nil || d.owner == "" {
		return
	}
	// the lease may outlive the caller context
	ctx = context.WithoutCancel(ctx)
	if err := m.leases.Release(ctx, d.Name, d.owner); err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "release", "folder", d.Name, "err", err.Error())
	}
}

// Cleanup removes the folder and its content, missing folder is not an error
func (m *Manager) Cleanup(ctx context.Context, d *Dir) error {
	p, err := m.Resolve(d.Name)
	if err != nil {
		return err
	}
	if err = os.RemoveAll(p); err != nil {
		return errors.Wrapf(err, "unable to remove folder %s", d.Name)
	}
	logger.ContextKV(ctx, xlog.INFO, "status", "removed", "folder", d.Name)
	return nil
}
