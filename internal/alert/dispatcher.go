package alert

// Dispatcher fans out audit events to matching webhook destinations.
type Dispatcher struct {
	webhooks []Webhook
}

// NewDispatcher creates a Dispatcher from webhook destinations.
// Returns nil if webhooks is empty (callers should nil-check).
func NewDispatcher(webhooks []Webhook) *Dispatcher {
	if len(webhooks) == 0 {
		return nil
	}
	return &Dispatcher{webhooks: webhooks}
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Fires goroutines and does not block the caller; delivery failures are
// swallowed because alerting never gates a decision.
func (d *Dispatcher) Dispatch(event Event) {
	for _, w := range d.webhooks {
		if matches(w.Events, event) {
			go Send(w, event)
		}
	}
}

func matches(events []string, event Event) bool {
	if len(events) == 0 {
		return event.Decision == "deny"
	}
	for _, e := range events {
		if e == event.Decision {
			return true
		}
		if event.Type != "" && e == event.Type {
			return true
		}
	}
	return false
}
