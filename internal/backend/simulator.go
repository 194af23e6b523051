package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/report"
)

func init() {
	Register("sim", func(cfg Config) (Backend, error) {
		return NewSimulator(), nil
	})
}

// Simulator is an in-process engine that produces synthetic reports. It
// backs local development and the end-to-end path in tests, where a real
// scanner appliance is unavailable.
type Simulator struct {
	mu   sync.Mutex
	jobs map[string]*simJob

	// Latency is how long a job stays running before finishing.
	Latency time.Duration
}

type simJob struct {
	spec      JobSpec
	createdAt time.Time
	launched  bool
	stopped   bool
}

// NewSimulator creates a simulator with no launch latency.
func NewSimulator() *Simulator {
	return &Simulator{jobs: make(map[string]*simJob)}
}

func (s *Simulator) Create(_ context.Context, spec JobSpec) (string, error) {
	if len(spec.Targets) == 0 {
		return "", domain.PermanentBackendError("create", fmt.Errorf("job has no targets"))
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.jobs[id] = &simJob{spec: spec, createdAt: time.Now()}
	s.mu.Unlock()
	return id, nil
}

func (s *Simulator) Launch(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.PermanentBackendError("launch", fmt.Errorf("unknown job %s", jobID))
	}
	job.launched = true
	job.createdAt = time.Now()
	return nil
}

func (s *Simulator) Status(_ context.Context, jobID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Status{}, domain.PermanentBackendError("status", fmt.Errorf("unknown job %s", jobID))
	}
	switch {
	case job.stopped:
		return Status{State: StatusFailed, Message: "stopped"}, nil
	case !job.launched:
		return Status{State: StatusPending}, nil
	case time.Since(job.createdAt) < s.Latency:
		return Status{State: StatusRunning, Progress: 50}, nil
	default:
		return Status{State: StatusFinished, Progress: 100}, nil
	}
}

func (s *Simulator) Export(_ context.Context, jobID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.PermanentBackendError("export", fmt.Errorf("unknown job %s", jobID))
	}
	return json.Marshal(syntheticReport(job.spec))
}

func (s *Simulator) Stop(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.stopped = true
	}
	return nil
}

// syntheticReport fabricates a plausible report for the job's targets. A
// credentialed job gets an explicit per-host credential indicator plus a
// handful of local-check findings so auth detection exercises both paths.
func syntheticReport(spec JobSpec) report.Report {
	credentialed := spec.Kind.UsesCredentials()
	yes := true

	r := report.Report{
		Scan: report.Metadata{
			Name:       spec.Name,
			Policy:     string(spec.Kind),
			StartedAt:  time.Now().Add(-time.Minute).UTC(),
			FinishedAt: time.Now().UTC(),
			Targets:    spec.Targets,
		},
	}
	for i, target := range spec.Targets {
		host := report.Host{
			Address:  target,
			Hostname: fmt.Sprintf("host-%d.sim.internal", i),
			OS:       "Linux Kernel 6.1",
		}
		if credentialed {
			host.CredentialedChecks = &yes
		}
		r.Hosts = append(r.Hosts, host)

		r.Vulnerabilities = append(r.Vulnerabilities,
			report.Vulnerability{
				PluginID:   10180,
				PluginName: "Ping the remote host",
				Family:     "Port scanners",
				Severity:   0,
				Host:       target,
				Protocol:   "icmp",
			},
			report.Vulnerability{
				PluginID:         51192,
				PluginName:       "SSL Certificate Cannot Be Trusted",
				Family:           "General",
				Severity:         2,
				Host:             target,
				Port:             443,
				Protocol:         "tcp",
				CVSS:             6.4,
				ExploitAvailable: false,
			},
		)
		if credentialed {
			for p := 0; p < 3; p++ {
				r.Vulnerabilities = append(r.Vulnerabilities, report.Vulnerability{
					PluginID:   150000 + p,
					PluginName: fmt.Sprintf("Installed Package Enumeration %d", p),
					Family:     "Local Security Checks",
					Severity:   1,
					Host:       target,
				})
			}
		}
	}
	return r
}
