package cli

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/daemon"
	"github.com/wopr-net/wopr/internal/trust"
)

var (
	injTrust     string
	injType      string
	injName      string
	injPeer      string
	injSourceRef string
	injID        string
	injTag       bool
	injWait      time.Duration
)

func init() {
	rootCmd.AddCommand(injectCmd)
	injectCmd.Flags().StringVar(&injTrust, "trust", "untrusted", "Source trust level (untrusted|semi-trusted|trusted|owner)")
	injectCmd.Flags().StringVar(&injType, "type", "cli", "Source transport type (cli|p2p|api|gateway|hook)")
	injectCmd.Flags().StringVar(&injName, "name", "", "Source name")
	injectCmd.Flags().StringVar(&injPeer, "peer", "", "Source peer ID")
	injectCmd.Flags().StringVar(&injSourceRef, "source-ref", "", "Use a named source profile instead of inline flags")
	injectCmd.Flags().StringVar(&injID, "id", "", "Job ID (default: generated)")
	injectCmd.Flags().BoolVar(&injTag, "tag", false, "Prepend a provenance header before hooks run")
	injectCmd.Flags().DurationVar(&injWait, "wait", 0, "Wait up to this long for the result (0 = drop and exit)")
}

var injectCmd = &cobra.Command{
	Use:   "inject <session> <message>",
	Short: "Queue an injection job for the daemon",
	Long: "Writes an injection job file into the inbox for the running daemon.\n" +
		"With --wait, polls the outbox for the result and exits 0 only when\n" +
		"the injection was delivered.",
	Args: cobra.MinimumNArgs(2),
	RunE: runInject,
}

func runInject(cmd *cobra.Command, args []string) error {
	session := args[0]
	message := strings.Join(args[1:], " ")

	job := daemon.Job{
		ID:            injID,
		Message:       message,
		TargetSession: session,
		Options:       daemon.JobOptions{TagSource: injTag},
		CreatedAt:     time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = "inj-" + randomHex(8)
	}

	if injSourceRef != "" {
		job.SourceRef = injSourceRef
	} else {
		level, err := trust.ParseLevel(injTrust)
		if err != nil {
			return err
		}
		job.Source = &trust.InjectionSource{
			Type:       trust.SourceType(injType),
			TrustLevel: level,
			Identity:   trust.Identity{Name: injName, PeerID: injPeer},
		}
	}

	if err := daemon.ValidateJob(&job); err != nil {
		return err
	}

	dirs := cliDirs()
	if err := writeJob(dirs.Inbox(), &job); err != nil {
		return err
	}
	fmt.Printf("queued %s -> %s\n", job.ID, session)

	if injWait <= 0 {
		return nil
	}
	return waitForResult(dirs.Outbox(), job.ID, injWait)
}

// writeJob lands the job atomically so the inbox watcher never sees a
// partial file.
func writeJob(inbox string, job *daemon.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	final := filepath.Join(inbox, job.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	return os.Rename(tmp, final)
}

func waitForResult(outbox, id string, timeout time.Duration) error {
	resultPath := filepath.Join(outbox, id+".json")
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		data, err := os.ReadFile(resultPath)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var res daemon.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("malformed result file: %w", err)
		}

		switch res.Status {
		case daemon.ResultDone:
			fmt.Printf("done: %s\n", res.Message)
			return nil
		case daemon.ResultDenied:
			fmt.Fprintf(os.Stderr, "denied: %s\n", res.Reason)
			os.Exit(1)
		default:
			fmt.Fprintf(os.Stderr, "failed: %s\n", res.Reason)
			os.Exit(1)
		}
	}

	return fmt.Errorf("no result after %s; is the daemon running?", timeout)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
