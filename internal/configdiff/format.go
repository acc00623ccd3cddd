package configdiff

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wopr-net/wopr/internal/trust"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Config diff: %s → %s\n\nNo effective changes.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Config diff: %s → %s\n", r.OldPath, r.NewPath)

	topLevel := filterTopLevel(r.Changes)
	if len(topLevel) > 0 {
		b.WriteString("\n")
		for _, c := range topLevel {
			writeChange(&b, "  ", c.Field, c)
		}
	}

	for _, lvl := range trust.Levels() {
		prefix := "trustLevels." + string(lvl) + "."
		changes := filterChanges(r.Changes, prefix)
		if len(changes) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n  %s:\n", lvl)
		for _, c := range changes {
			writeChange(&b, "    ", strings.TrimPrefix(c.Field, prefix), c)
		}
	}

	sections := []struct {
		title    string
		prefixes []string
	}{
		{"Sessions", []string{"sessions"}},
		{"Hook commands", []string{"allowedHookCommands"}},
		{"Peers", []string{"p2p."}},
	}
	for _, s := range sections {
		changes := filterChanges(r.Changes, s.prefixes...)
		if len(changes) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n  %s:\n", s.title)
		for _, c := range changes {
			writeChange(&b, "    ", c.Field, c)
		}
	}

	if len(r.HookChanges) > 0 {
		b.WriteString("\n  Hooks:\n")
		for _, hc := range r.HookChanges {
			switch hc.Type {
			case "added":
				fmt.Fprintf(&b, "    + %s\n", hc.Hook)
			case "removed":
				fmt.Fprintf(&b, "    - %s\n", hc.Hook)
			case "changed":
				fmt.Fprintf(&b, "    ~ %s\n", hc.Hook)
			}
		}
	}

	return b.String()
}

// writeChange renders one change line. Membership changes print as +/-
// entries; scalar changes print old → new.
func writeChange(b *strings.Builder, indent, label string, c Change) {
	switch {
	case c.Comment == "added" && c.Old == "":
		fmt.Fprintf(b, "%s%s: + %s\n", indent, label, c.New)
	case c.Comment == "removed" && c.New == "":
		fmt.Fprintf(b, "%s%s: - %s\n", indent, label, c.Old)
	default:
		fmt.Fprintf(b, "%s%-28s %s → %s", indent, label+":", displayValue(c.Old), displayValue(c.New))
		if c.Comment != "" {
			fmt.Fprintf(b, "  (%s)", c.Comment)
		}
		b.WriteString("\n")
	}
}

func displayValue(v string) string {
	if v == "" {
		return "(unset)"
	}
	return v
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

func filterChanges(changes []Change, prefixes ...string) []Change {
	var out []Change
	for _, c := range changes {
		for _, p := range prefixes {
			if strings.HasPrefix(c.Field, p) || c.Field == p {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func filterTopLevel(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		if strings.HasPrefix(c.Field, "defaults.") {
			out = append(out, c)
			continue
		}
		if !strings.Contains(c.Field, ".") && c.Field != "sessions" && c.Field != "allowedHookCommands" {
			out = append(out, c)
		}
	}
	return out
}
