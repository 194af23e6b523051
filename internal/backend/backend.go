// Package backend abstracts the remote scan engines workers drive. Drivers
// register themselves by name; scanner instances name their driver in
// configuration.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// JobSpec is everything a backend needs to run one scan.
type JobSpec struct {
	TaskID      string
	Kind        domain.ScanKind
	Name        string
	Targets     []string
	Credentials *domain.CredentialEnvelope
}

// Job statuses reported by a backend.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Status is a backend's view of one running job.
type Status struct {
	State    string
	Progress int // 0-100, best effort
	Message  string
}

// Done reports whether the job has reached a backend-terminal state.
func (s Status) Done() bool {
	return s.State == StatusFinished || s.State == StatusFailed
}

// Backend drives scans on one remote engine. Implementations wrap their
// transport failures in domain.BackendError so callers can tell transient
// faults from permanent ones.
type Backend interface {
	// Create registers the job with the engine and returns its remote id.
	Create(ctx context.Context, spec JobSpec) (string, error)
	// Launch starts a created job.
	Launch(ctx context.Context, jobID string) error
	// Status reports job progress.
	Status(ctx context.Context, jobID string) (Status, error)
	// Export retrieves the raw report of a finished job.
	Export(ctx context.Context, jobID string) ([]byte, error)
	// Stop aborts a job. Stopping a finished job is not an error.
	Stop(ctx context.Context, jobID string) error
}

// Config is the per-instance connection configuration handed to a driver.
type Config struct {
	URL            string
	CredentialsRef string
}

// Driver constructs a Backend for one scanner instance.
type Driver func(cfg Config) (Backend, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available under the given name. It panics on a
// duplicate name, mirroring database/sql driver registration.
func Register(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("backend: driver registered twice: " + name)
	}
	drivers[name] = d
}

// Open builds a Backend using the named driver.
func Open(name string, cfg Config) (Backend, error) {
	driversMu.RLock()
	d, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: unknown driver %q (registered: %v)", name, Drivers())
	}
	return d(cfg)
}

// Drivers lists registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
