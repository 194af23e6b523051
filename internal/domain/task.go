package domain

import "time"

// State represents the lifecycle states a scan task can be in.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateTimeout   State = "TIMEOUT"
)

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout
}

// transitions holds the valid edges of the task state machine.
// RUNNING→RUNNING covers progress/metadata updates, not a state change.
var transitions = map[State][]State{
	StateQueued:  {StateRunning},
	StateRunning: {StateRunning, StateCompleted, StateFailed, StateTimeout},
}

// CanTransition reports whether the edge s→to is declared in the state machine.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ScanKind identifies what class of scan the backend should run.
type ScanKind string

const (
	ScanKindDiscovery    ScanKind = "discovery"
	ScanKindUntrusted    ScanKind = "untrusted"
	ScanKindCredentialed ScanKind = "credentialed"
	ScanKindCompliance   ScanKind = "compliance"
)

// Valid reports whether the kind is one of the supported scan kinds.
func (k ScanKind) Valid() bool {
	switch k {
	case ScanKindDiscovery, ScanKindUntrusted, ScanKindCredentialed, ScanKindCompliance:
		return true
	}
	return false
}

// UsesCredentials reports whether this kind of scan ever attempts to
// authenticate against the targets.
func (k ScanKind) UsesCredentials() bool {
	return k == ScanKindCredentialed || k == ScanKindCompliance
}

// AuthStatus is the authentication outcome detected in a scan report.
type AuthStatus string

const (
	AuthSuccess       AuthStatus = "success"
	AuthPartial       AuthStatus = "partial"
	AuthFailed        AuthStatus = "failed"
	AuthNotApplicable AuthStatus = "not_applicable"
)

// CredentialEnvelope carries scan credentials as an opaque, validated
// envelope. Only Method and Principal participate in idempotency
// fingerprints; secret material never does.
type CredentialEnvelope struct {
	Method     string      `json:"method"`
	Principal  string      `json:"principal"`
	Secret     string      `json:"secret,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
}

// Escalation is an optional privilege-escalation account inside a
// credential envelope.
type Escalation struct {
	Method    string `json:"method"`
	Principal string `json:"principal"`
	Secret    string `json:"secret,omitempty"`
}

var supportedCredentialMethods = map[string]bool{
	"password":    true,
	"ssh_key":     true,
	"certificate": true,
}

// Validate checks the envelope for a supported method and a principal.
func (c *CredentialEnvelope) Validate() error {
	if !supportedCredentialMethods[c.Method] {
		return &ValidationError{Field: "credentials.method", Reason: "unsupported credential method: " + c.Method}
	}
	if c.Principal == "" {
		return &ValidationError{Field: "credentials.principal", Reason: "principal is required"}
	}
	return nil
}

// Identity returns the non-secret identity of the envelope, used in
// idempotency fingerprints.
func (c *CredentialEnvelope) Identity() string {
	if c == nil {
		return ""
	}
	return c.Method + "/" + c.Principal
}

// ErrorKind is the machine-readable classification written onto a task's
// terminal error.
type ErrorKind string

const (
	ErrKindValidation        ErrorKind = "validation"
	ErrKindConflict          ErrorKind = "conflict"
	ErrKindCapacity          ErrorKind = "capacity"
	ErrKindTransientBackend  ErrorKind = "transient_backend"
	ErrKindPermanentBackend  ErrorKind = "permanent_backend"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindValidationFailure ErrorKind = "validation_failure"
	ErrKindCircuitOpen       ErrorKind = "circuit_open"
	ErrKindInternal          ErrorKind = "internal"
)

// TaskError is the terminal error recorded on a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ResultSummary captures validation statistics for a completed scan.
type ResultSummary struct {
	Hosts      int        `json:"hosts"`
	Findings   int        `json:"findings"`
	AuthStatus AuthStatus `json:"auth_status"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// Task is the durable record of one scan job.
type Task struct {
	ID                string              `json:"id"`
	TraceID           string              `json:"trace_id"`
	Kind              ScanKind            `json:"kind"`
	Name              string              `json:"name"`
	Description       string              `json:"description,omitempty"`
	Targets           []string            `json:"targets"`
	Pool              string              `json:"pool"`
	RequestedInstance string              `json:"requested_instance,omitempty"`
	Credentials       *CredentialEnvelope `json:"credentials,omitempty"`
	State             State               `json:"state"`
	Instance          string              `json:"instance,omitempty"`
	Attempts          int                 `json:"attempts"`
	Summary           *ResultSummary      `json:"summary,omitempty"`
	Error             *TaskError          `json:"error,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
}
