package daemon

import (
	"testing"
	"time"

	"github.com/wopr-net/wopr/internal/trust"
)

func validJob() *Job {
	return &Job{
		ID:      "job-abc123",
		Message: "summarize the overnight alerts",
		Source: &trust.InjectionSource{
			Type:       trust.SourceCLI,
			TrustLevel: trust.Trusted,
			Identity:   trust.Identity{Name: "ops"},
		},
		TargetSession: "research",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestValidateJobValid(t *testing.T) {
	if err := ValidateJob(validJob()); err != nil {
		t.Errorf("valid job should pass: %v", err)
	}
}

func TestValidateJobMissingID(t *testing.T) {
	j := validJob()
	j.ID = ""
	if err := ValidateJob(j); err == nil {
		t.Error("expected error for missing ID")
	}
}

func TestValidateJobMissingMessage(t *testing.T) {
	j := validJob()
	j.Message = ""
	if err := ValidateJob(j); err == nil {
		t.Error("expected error for missing message")
	}
}

func TestValidateJobMissingTargetSession(t *testing.T) {
	j := validJob()
	j.TargetSession = ""
	if err := ValidateJob(j); err == nil {
		t.Error("expected error for missing target session")
	}
}

func TestValidateJobPathTraversalID(t *testing.T) {
	for _, id := range []string{"../etc/passwd", "job-..foo", "job/../../bad"} {
		j := validJob()
		j.ID = id
		if err := ValidateJob(j); err == nil {
			t.Errorf("expected error for path traversal ID %q", id)
		}
	}
}

func TestValidateJobInvalidIDChars(t *testing.T) {
	for _, id := range []string{"job abc", "job@123", "job;cmd", "job.json"} {
		j := validJob()
		j.ID = id
		if err := ValidateJob(j); err == nil {
			t.Errorf("expected error for invalid ID chars %q", id)
		}
	}
}

func TestValidateJobNeedsExactlyOneSource(t *testing.T) {
	j := validJob()
	j.Source = nil
	if err := ValidateJob(j); err == nil {
		t.Error("expected error when neither source nor sourceRef is set")
	}

	j = validJob()
	j.SourceRef = "ci-bot"
	if err := ValidateJob(j); err == nil {
		t.Error("expected error when both source and sourceRef are set")
	}

	j = validJob()
	j.Source = nil
	j.SourceRef = "ci-bot"
	if err := ValidateJob(j); err != nil {
		t.Errorf("sourceRef alone should be valid: %v", err)
	}
}

func TestValidateJobBadSource(t *testing.T) {
	j := validJob()
	j.Source.TrustLevel = "superuser"
	if err := ValidateJob(j); err == nil {
		t.Error("expected error for unknown trust level")
	}

	j = validJob()
	j.Source.Type = ""
	if err := ValidateJob(j); err == nil {
		t.Error("expected error for missing source type")
	}
}
