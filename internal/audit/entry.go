package audit

import "github.com/wopr-net/wopr/internal/trust"

// Event types recorded in the log.
const (
	EventInjection = "injection"
	EventHook      = "hook"
	EventSandbox   = "sandbox"
	EventBridge    = "bridge"
	EventConfig    = "config"
)

// Decisions recorded in the log.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Source is the flattened injection source recorded in each entry.
type Source struct {
	Type     string `json:"type"`
	Trust    string `json:"trust"`
	Identity string `json:"identity"`
}

// NewSource flattens an injection source for recording.
func NewSource(src *trust.InjectionSource) Source {
	if src == nil {
		return Source{}
	}
	return Source{
		Type:     string(src.Type),
		Trust:    string(src.TrustLevel),
		Identity: src.Identity.Display(),
	}
}

// Entry is one line in the hash-chained JSONL audit log.
// All fields are structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp  string `json:"ts"`
	Event      string `json:"event"`
	Session    string `json:"session"`
	Source     Source `json:"source"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	Hook       string `json:"hook,omitempty"`
	ConfigHash string `json:"config_hash"`
	PrevHash   string `json:"prev_hash"`
}
