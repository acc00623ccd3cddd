// Package daemon implements the wopr injection queue service. Injection
// jobs arrive as JSON files in the inbox directory, pass through policy
// and hook enforcement, and results are written to the outbox directory.
package daemon

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wopr-net/wopr/internal/trust"
)

// validID matches alphanumeric characters, dashes, and underscores only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Job is an injection request dropped into the inbox. Exactly one of
// Source (inline trust data) or SourceRef (a name in the source
// registry) identifies the sender.
type Job struct {
	ID            string                 `json:"id"`
	Message       string                 `json:"message"`
	Source        *trust.InjectionSource `json:"source,omitempty"`
	SourceRef     string                 `json:"sourceRef,omitempty"`
	TargetSession string                 `json:"targetSession"`
	Options       JobOptions             `json:"options,omitempty"`
	CreatedAt     time.Time              `json:"createdAt,omitempty"`
}

// JobOptions carries per-injection processing flags.
type JobOptions struct {
	TagSource bool           `json:"tagSource,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is written to the outbox after processing a job.
type Result struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Result status values. A denied injection is a successful policy
// outcome, not a failure.
const (
	ResultDone   = "done"
	ResultDenied = "denied"
	ResultFailed = "failed"
)

// ValidateJob checks that a job has all required fields and safe values.
func ValidateJob(j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if strings.Contains(j.ID, "..") {
		return fmt.Errorf("job ID must not contain '..'")
	}
	if !validID.MatchString(j.ID) {
		return fmt.Errorf("job ID contains invalid characters: only alphanumeric, dash, and underscore allowed")
	}
	if j.Message == "" {
		return fmt.Errorf("job message is required")
	}
	if j.TargetSession == "" {
		return fmt.Errorf("job target session is required")
	}
	if j.Source == nil && j.SourceRef == "" {
		return fmt.Errorf("job needs a source or a sourceRef")
	}
	if j.Source != nil && j.SourceRef != "" {
		return fmt.Errorf("job must not set both source and sourceRef")
	}
	if j.Source != nil {
		if err := j.Source.Validate(); err != nil {
			return fmt.Errorf("job source: %w", err)
		}
	}
	return nil
}
