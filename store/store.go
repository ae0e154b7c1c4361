package store

import (
	"context"
	"time"

	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/dssatmcp", "store")

// TimeNowFn is used for lease timestamps, replaced in tests
var TimeNowFn = time.Now

// Lease is the exclusive ownership of a working folder
type Lease struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	// Holder is the tool that acquired the lease
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaseStore keeps the leases of working folders.
// A lease expires after its TTL so a crashed owner never blocks a folder forever.
type LeaseStore interface {
	// Acquire takes the lease for lease.Name,
	// returns false if another owner holds a live lease.
	// Acquiring again by the same owner extends the lease.
	Acquire(ctx context.Context, lease Lease, ttl time.Duration) (bool, error)
	// Release drops the lease if it is held by owner
	Release(ctx context.Context, name, owner string) error
	// Get returns the live lease, or nil
	Get(ctx context.Context, name string) (*Lease, error)
	// List returns the live leases
	List(ctx context.Context) ([]Lease, error)
}
