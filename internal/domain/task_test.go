package domain_test

import (
	"testing"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

func TestStateConstants(t *testing.T) {
	tests := []struct {
		state domain.State
		want  string
	}{
		{domain.StateQueued, "QUEUED"},
		{domain.StateRunning, "RUNNING"},
		{domain.StateCompleted, "COMPLETED"},
		{domain.StateFailed, "FAILED"},
		{domain.StateTimeout, "TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.state) != tt.want {
				t.Errorf("State value = %q, want %q", tt.state, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []domain.State{domain.StateCompleted, domain.StateFailed, domain.StateTimeout} {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []domain.State{domain.StateQueued, domain.StateRunning} {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestCanTransition_ValidEdges(t *testing.T) {
	valid := []struct{ from, to domain.State }{
		{domain.StateQueued, domain.StateRunning},
		{domain.StateRunning, domain.StateRunning},
		{domain.StateRunning, domain.StateCompleted},
		{domain.StateRunning, domain.StateFailed},
		{domain.StateRunning, domain.StateTimeout},
	}
	for _, tt := range valid {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("CanTransition(%s → %s) = false, want true", tt.from, tt.to)
		}
	}
}

func TestCanTransition_InvalidEdges(t *testing.T) {
	invalid := []struct{ from, to domain.State }{
		{domain.StateQueued, domain.StateCompleted},
		{domain.StateQueued, domain.StateFailed},
		{domain.StateQueued, domain.StateTimeout},
		{domain.StateQueued, domain.StateQueued},
		{domain.StateCompleted, domain.StateRunning},
		{domain.StateCompleted, domain.StateQueued},
		{domain.StateFailed, domain.StateRunning},
		{domain.StateTimeout, domain.StateRunning},
		{domain.StateRunning, domain.StateQueued},
	}
	for _, tt := range invalid {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("CanTransition(%s → %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestScanKind_UsesCredentials(t *testing.T) {
	tests := []struct {
		kind domain.ScanKind
		want bool
	}{
		{domain.ScanKindDiscovery, false},
		{domain.ScanKindUntrusted, false},
		{domain.ScanKindCredentialed, true},
		{domain.ScanKindCompliance, true},
	}
	for _, tt := range tests {
		if got := tt.kind.UsesCredentials(); got != tt.want {
			t.Errorf("UsesCredentials(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestScanKind_Valid(t *testing.T) {
	if domain.ScanKind("port-knock").Valid() {
		t.Error("unknown scan kind must not be valid")
	}
	if !domain.ScanKindUntrusted.Valid() {
		t.Error("untrusted must be a valid scan kind")
	}
}

func TestCredentialEnvelope_Validate(t *testing.T) {
	ok := &domain.CredentialEnvelope{Method: "password", Principal: "root", Secret: "s3cret"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	bad := &domain.CredentialEnvelope{Method: "telepathy", Principal: "root"}
	if err := bad.Validate(); err == nil {
		t.Fatal("unsupported method must fail validation")
	}

	noPrincipal := &domain.CredentialEnvelope{Method: "ssh_key"}
	if err := noPrincipal.Validate(); err == nil {
		t.Fatal("missing principal must fail validation")
	}
}

func TestCredentialEnvelope_Identity_ExcludesSecret(t *testing.T) {
	a := &domain.CredentialEnvelope{Method: "password", Principal: "root", Secret: "one"}
	b := &domain.CredentialEnvelope{Method: "password", Principal: "root", Secret: "two"}
	if a.Identity() != b.Identity() {
		t.Error("identity must not depend on secret material")
	}
	var nilEnv *domain.CredentialEnvelope
	if nilEnv.Identity() != "" {
		t.Error("nil envelope identity must be empty")
	}
}
