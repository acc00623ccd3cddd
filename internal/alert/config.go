// Package alert posts audit decisions to webhook endpoints. Destinations
// come from the audit.alerts block of the security config; the daemon
// dispatches an event for every recorded decision that matches.
package alert

// Webhook is one alert destination. Events filters on the decision or
// the event kind of the triggering audit entry; an empty list means
// denials only.
type Webhook struct {
	URL     string            `json:"url"`
	Format  string            `json:"format,omitempty"` // "generic", "slack", "pagerduty"
	Events  []string          `json:"events,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Event is the payload sent to webhook endpoints. It mirrors the audit
// entry that triggered the alert.
type Event struct {
	Timestamp  string `json:"timestamp"`
	Type       string `json:"event"` // "injection", "hook", "config"
	Session    string `json:"session,omitempty"`
	Source     string `json:"source,omitempty"`
	TrustLevel string `json:"trustLevel,omitempty"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	ConfigHash string `json:"configHash,omitempty"`
}
