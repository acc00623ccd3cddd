package alert

import (
	"encoding/json"
	"fmt"

	"github.com/wopr-net/wopr/internal/trust"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event Event) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("wopr: %s", event.Decision),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Session:* %s", event.Session)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Source:* %s", event.Source)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Trust:* %s", event.TrustLevel)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("wopr %s: %s -> %s", event.Decision, event.Source, event.Session),
			"severity": severityFor(event.TrustLevel),
			"source":   "wopr",
			"custom_details": map[string]any{
				"event":       event.Type,
				"session":     event.Session,
				"source":      event.Source,
				"trust_level": event.TrustLevel,
				"reason":      event.Reason,
				"config_hash": event.ConfigHash,
			},
		},
	}
	return json.Marshal(payload)
}

// severityFor grades an event by the trust level of the source it
// concerns. A denied untrusted source is the system doing its job; a
// denied owner means the config or the channel is broken.
func severityFor(level string) string {
	switch trust.Level(level) {
	case trust.Owner:
		return "critical"
	case trust.Trusted:
		return "error"
	case trust.SemiTrusted:
		return "warning"
	default:
		return "info"
	}
}
