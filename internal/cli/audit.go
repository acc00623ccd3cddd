package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/audit"
)

var (
	auditTailLines    int
	auditShowSession  string
	auditShowEvent    string
	auditShowDecision string
	auditShowSince    time.Duration
	auditShowFormat   string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditTailCmd)

	auditShowCmd.Flags().StringVar(&auditShowSession, "session", "", "Only entries for this session")
	auditShowCmd.Flags().StringVar(&auditShowEvent, "event", "", "Only entries with this event type (injection|hook|sandbox|bridge|config)")
	auditShowCmd.Flags().StringVar(&auditShowDecision, "decision", "", "Only entries with this decision (allow|deny)")
	auditShowCmd.Flags().DurationVar(&auditShowSince, "since", 0, "Only entries newer than this (e.g. 24h)")
	auditShowCmd.Flags().StringVarP(&auditShowFormat, "format", "f", "text", "Output format (text|json)")

	auditTailCmd.Flags().IntVarP(&auditTailLines, "lines", "n", 10, "Number of recent entries to show")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit log",
	Long: "Walks the JSONL audit log and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.\n" +
		"Defaults to the audit log under the wopr home.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show filtered audit entries as a timeline",
	RunE:  runAuditShow,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Long:  "Reads the last N entries from the JSONL audit log and pretty-prints them.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

// auditLogPath resolves an explicit argument or falls back to the home
// layout.
func auditLogPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cliDirs().AuditPath()
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(auditLogPath(args))
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{
		Session:  auditShowSession,
		Event:    auditShowEvent,
		Decision: auditShowDecision,
	}
	if auditShowSince > 0 {
		filter.From = time.Now().UTC().Add(-auditShowSince)
	}

	result, err := audit.Search(cliDirs().AuditPath(), filter)
	if err != nil {
		return err
	}

	if auditShowFormat == "json" {
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(audit.FormatTimeline(result))
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(auditLogPath(args))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	// Read all lines, keep last N
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := len(lines) - auditTailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
	}

	return nil
}
