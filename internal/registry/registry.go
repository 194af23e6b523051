// Package registry tracks scanner pools and instances, selects the target
// for each submission, and enforces per-instance capacity and circuit
// breaking on top of a shared RuntimeStore.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/pkg/telemetry"
)

// Route says which queue a submission should land in.
type Route string

const (
	// RoutePool: enqueue to the pool FIFO; the selected instance is a hint
	// and workers may reselect at claim time.
	RoutePool Route = "pool"
	// RouteInstance: enqueue to the pinned instance's queue and wait for
	// that instance; never reroute.
	RouteInstance Route = "instance"
	// RouteOverflow: every instance in the pool lacks capacity; enqueue to
	// the global overflow FIFO.
	RouteOverflow Route = "overflow"
)

// Decision is the outcome of selecting a target for a submission.
type Decision struct {
	Pool     string
	Instance string
	Route    Route
}

// InstanceView is an instance's configuration plus its live runtime state.
type InstanceView struct {
	InstanceConfig
	Active        int          `json:"active"`
	Circuit       CircuitState `json:"circuit"`
	CooldownUntil time.Time    `json:"cooldown_until,omitempty"`
}

// PoolView is a pool with the live state of its instances.
type PoolView struct {
	Name      string         `json:"name"`
	Default   bool           `json:"default"`
	Instances []InstanceView `json:"instances"`
}

// Registry resolves pools/instances and mediates capacity claims.
type Registry struct {
	cfg         Config
	pools       map[string]PoolConfig
	instances   map[string]InstanceConfig
	defaultPool string
	runtime     RuntimeStore
	policy      BreakerPolicy
}

// New builds a Registry from a validated topology.
func New(cfg Config, runtime RuntimeStore, policy BreakerPolicy) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:       cfg,
		pools:     make(map[string]PoolConfig),
		instances: make(map[string]InstanceConfig),
		runtime:   runtime,
		policy:    policy,
	}
	for _, p := range cfg.Pools {
		r.pools[p.Name] = p
		if p.Default {
			r.defaultPool = p.Name
		}
		for _, inst := range p.Instances {
			r.instances[inst.ID] = inst
		}
	}
	return r, nil
}

// DefaultPool returns the name of the default pool.
func (r *Registry) DefaultPool() string { return r.defaultPool }

// Instance returns the configuration of one instance.
func (r *Registry) Instance(id string) (InstanceConfig, bool) {
	inst, ok := r.instances[id]
	return inst, ok
}

// PoolInstances returns the ids of a pool's instances, in config order.
func (r *Registry) PoolInstances(pool string) []string {
	p, ok := r.pools[pool]
	if !ok {
		return nil
	}
	ids := make([]string, len(p.Instances))
	for i, inst := range p.Instances {
		ids[i] = inst.ID
	}
	return ids
}

// Policy returns the breaker policy in effect.
func (r *Registry) Policy() BreakerPolicy { return r.policy }

// effectiveLimit caps a HALF_OPEN instance to a single trial assignment.
func effectiveLimit(inst InstanceConfig, b BreakerState) int {
	if b.State == CircuitHalfOpen {
		return 1
	}
	return inst.MaxConcurrent
}

type candidate struct {
	inst        InstanceConfig
	breaker     BreakerState
	active      int
	utilization float64
}

// candidates returns the pool's enabled, non-OPEN instances sorted by
// utilization (ties broken by instance id).
func (r *Registry) candidates(ctx context.Context, pool PoolConfig) ([]candidate, error) {
	out := make([]candidate, 0, len(pool.Instances))
	for _, inst := range pool.Instances {
		if !inst.Enabled {
			continue
		}
		b, err := r.runtime.Breaker(ctx, inst.ID, r.policy)
		if err != nil {
			return nil, err
		}
		if b.State == CircuitOpen {
			continue
		}
		active, err := r.runtime.Active(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{
			inst:        inst,
			breaker:     b,
			active:      active,
			utilization: float64(active) / float64(inst.MaxConcurrent),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].utilization != out[j].utilization {
			return out[i].utilization < out[j].utilization
		}
		return out[i].inst.ID < out[j].inst.ID
	})
	return out, nil
}

// Select resolves the submission target. An explicit instance is always
// pinned to that instance's queue; otherwise the least utilized enabled,
// non-OPEN instance in the pool is hinted, and a fully saturated pool
// routes to the global overflow queue.
func (r *Registry) Select(ctx context.Context, poolName, instanceID string) (Decision, error) {
	if poolName == "" {
		poolName = r.defaultPool
	}
	pool, ok := r.pools[poolName]
	if !ok {
		return Decision{}, &domain.ValidationError{Field: "pool", Reason: "unknown pool: " + poolName}
	}

	if instanceID != "" {
		inst, ok := r.instances[instanceID]
		if !ok || inst.Pool != pool.Name {
			return Decision{}, &domain.ValidationError{Field: "instance", Reason: "unknown instance in pool " + pool.Name + ": " + instanceID}
		}
		if !inst.Enabled {
			return Decision{}, &domain.ValidationError{Field: "instance", Reason: "instance is disabled: " + instanceID}
		}
		return Decision{Pool: pool.Name, Instance: instanceID, Route: RouteInstance}, nil
	}

	cands, err := r.candidates(ctx, pool)
	if err != nil {
		return Decision{}, err
	}
	for _, c := range cands {
		if c.active < effectiveLimit(c.inst, c.breaker) {
			return Decision{Pool: pool.Name, Instance: c.inst.ID, Route: RoutePool}, nil
		}
	}

	telemetry.RegistryOverflowTotal.WithLabelValues(pool.Name).Inc()
	return Decision{Pool: pool.Name, Route: RouteOverflow}, nil
}

// Claim atomically claims one slot of capacity for the task, before any
// work starts, so two workers can never both run against the same spare
// slot. Pinned tasks claim only their pinned instance; unpinned tasks take
// the least utilized instance that still has a free slot. Returns a
// *domain.NoCapacityError when nothing can be claimed right now.
func (r *Registry) Claim(ctx context.Context, poolName, pinned string) (InstanceConfig, error) {
	if pinned != "" {
		inst, ok := r.instances[pinned]
		if !ok {
			return InstanceConfig{}, &domain.TaskNotFoundError{TaskID: pinned}
		}
		b, err := r.runtime.Breaker(ctx, inst.ID, r.policy)
		if err != nil {
			return InstanceConfig{}, err
		}
		if b.State == CircuitOpen {
			return InstanceConfig{}, &domain.NoCapacityError{Pool: inst.Pool, Instance: inst.ID, Reason: "circuit open"}
		}
		ok, err = r.runtime.Claim(ctx, inst.ID, effectiveLimit(inst, b))
		if err != nil {
			return InstanceConfig{}, err
		}
		if !ok {
			telemetry.RegistryCapacityRejected.WithLabelValues(inst.Pool).Inc()
			return InstanceConfig{}, &domain.NoCapacityError{Pool: inst.Pool, Instance: inst.ID, Reason: "at capacity"}
		}
		return inst, nil
	}

	pool, ok := r.pools[poolName]
	if !ok {
		return InstanceConfig{}, &domain.ValidationError{Field: "pool", Reason: "unknown pool: " + poolName}
	}
	cands, err := r.candidates(ctx, pool)
	if err != nil {
		return InstanceConfig{}, err
	}
	for _, c := range cands {
		ok, err := r.runtime.Claim(ctx, c.inst.ID, effectiveLimit(c.inst, c.breaker))
		if err != nil {
			return InstanceConfig{}, err
		}
		if ok {
			return c.inst, nil
		}
	}
	telemetry.RegistryCapacityRejected.WithLabelValues(pool.Name).Inc()
	return InstanceConfig{}, &domain.NoCapacityError{Pool: pool.Name, Reason: "all instances saturated or open"}
}

// Release returns a claimed capacity slot. Safe to call in cleanup paths
// regardless of outcome.
func (r *Registry) Release(ctx context.Context, instanceID string) error {
	return r.runtime.Release(ctx, instanceID)
}

// ReportFailure records one remote-attributable failure against the
// instance's circuit breaker.
func (r *Registry) ReportFailure(ctx context.Context, instanceID string) (CircuitState, error) {
	st, err := r.runtime.RecordFailure(ctx, instanceID, r.policy)
	if err == nil && st == CircuitOpen {
		if inst, ok := r.instances[instanceID]; ok {
			telemetry.RegistryCircuitOpened.WithLabelValues(inst.Pool, instanceID).Inc()
		}
	}
	return st, err
}

// ReportSuccess records a successful scan against the instance's circuit
// breaker.
func (r *Registry) ReportSuccess(ctx context.Context, instanceID string) (CircuitState, error) {
	return r.runtime.RecordSuccess(ctx, instanceID, r.policy)
}

// ListPools returns every pool with live instance state.
func (r *Registry) ListPools(ctx context.Context) ([]PoolView, error) {
	out := make([]PoolView, 0, len(r.cfg.Pools))
	for _, p := range r.cfg.Pools {
		views, err := r.ListInstances(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, PoolView{Name: p.Name, Default: p.Default, Instances: views})
	}
	return out, nil
}

// ListInstances returns live state for one pool's instances, or for all
// instances when pool is empty.
func (r *Registry) ListInstances(ctx context.Context, pool string) ([]InstanceView, error) {
	var out []InstanceView
	for _, p := range r.cfg.Pools {
		if pool != "" && p.Name != pool {
			continue
		}
		for _, inst := range p.Instances {
			b, err := r.runtime.Breaker(ctx, inst.ID, r.policy)
			if err != nil {
				return nil, err
			}
			active, err := r.runtime.Active(ctx, inst.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, InstanceView{
				InstanceConfig: inst,
				Active:         active,
				Circuit:        b.State,
				CooldownUntil:  b.CooldownUntil,
			})
		}
	}
	if pool != "" && out == nil {
		if _, ok := r.pools[pool]; !ok {
			return nil, &domain.ValidationError{Field: "pool", Reason: "unknown pool: " + pool}
		}
	}
	return out, nil
}
