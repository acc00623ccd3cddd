package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Filter holds selection criteria for reading back the audit log.
// Zero-valued fields do not constrain.
type Filter struct {
	Session  string
	Event    string
	Decision string
	From     time.Time
	To       time.Time
}

// Summary holds decision counts and time bounds for a search.
type Summary struct {
	Total          int    `json:"total"`
	AllowCount     int    `json:"allow_count"`
	DenyCount      int    `json:"deny_count"`
	Sessions       int    `json:"sessions"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// SearchResult holds filtered entries and their summary.
type SearchResult struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Search reads the audit log and returns entries matching the filter.
// Malformed lines are skipped, not fatal: a partially damaged log should
// still yield everything readable (Verify reports the damage itself).
func Search(path string, filter Filter) (*SearchResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &SearchResult{}
	sessions := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}

		if filter.Session != "" && entry.Session != filter.Session {
			continue
		}
		if filter.Event != "" && entry.Event != filter.Event {
			continue
		}
		if filter.Decision != "" && entry.Decision != filter.Decision {
			continue
		}
		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, entry.Timestamp)
			if err != nil {
				continue
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				continue
			}
		}

		result.Entries = append(result.Entries, entry)
		sessions[entry.Session] = struct{}{}
		updateSummary(&result.Summary, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	result.Summary.Sessions = len(sessions)
	return result, nil
}

func updateSummary(s *Summary, entry Entry) {
	s.Total++

	switch entry.Decision {
	case DecisionAllow:
		s.AllowCount++
	case DecisionDeny:
		s.DenyCount++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}
