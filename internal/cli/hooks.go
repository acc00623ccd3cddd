package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/trust"
)

var (
	hooksTestSession string
	hooksTestTrust   string
	hooksTestTag     bool
)

func init() {
	rootCmd.AddCommand(hooksCmd)
	hooksCmd.AddCommand(hooksListCmd)
	hooksCmd.AddCommand(hooksTestCmd)

	hooksTestCmd.Flags().StringVar(&hooksTestSession, "session", "test", "Session key passed to the hooks")
	hooksTestCmd.Flags().StringVar(&hooksTestTrust, "trust", "untrusted", "Trust level of the synthetic source")
	hooksTestCmd.Flags().BoolVar(&hooksTestTag, "tag", false, "Prepend the provenance header before hooks run")
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Inspect and exercise the injection hook pipeline",
}

var hooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured hooks and validate their commands",
	RunE:  runHooksList,
}

var hooksTestCmd = &cobra.Command{
	Use:   "test <message>",
	Short: "Run a message through the pre-inject hook chain",
	Long: "Feeds a message to the configured pre-inject hooks with a synthetic\n" +
		"source and prints the verdict. Nothing is delivered or audited.\n" +
		"Exit code 0 when allowed, 1 when a hook vetoed.",
	Args: cobra.MinimumNArgs(1),
	RunE: runHooksTest,
}

func runHooksList(cmd *cobra.Command, args []string) error {
	store := config.NewStore(cliDirs().SecurityPath(), slog.Default())
	cfg := store.Current()

	if len(cfg.Hooks) == 0 {
		fmt.Println("No hooks configured.")
		return nil
	}

	for _, def := range cfg.Hooks {
		state := "enabled"
		if !def.Enabled {
			state = "disabled"
		}
		name := def.Name
		if name == "" {
			name = "(unnamed)"
		}

		status := "ok"
		if _, err := hook.ParseHookCommand(def.Command, cfg.AllowedHookCommands); err != nil {
			status = "INVALID: " + err.Error()
		}

		fmt.Printf("%-20s %-12s %-9s %s\n", name, def.Type, state, def.Command)
		if status != "ok" {
			fmt.Printf("%-20s %s\n", "", status)
		}
	}
	return nil
}

func runHooksTest(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")

	level, err := trust.ParseLevel(hooksTestTrust)
	if err != nil {
		return err
	}
	src := &trust.InjectionSource{
		Type:       trust.SourceCLI,
		TrustLevel: level,
		Identity:   trust.Identity{Name: "hook-test"},
	}

	store := config.NewStore(cliDirs().SecurityPath(), slog.Default())
	pipeline := hook.NewPipeline(store, nil, slog.Default())

	res := pipeline.ProcessInjection(cmd.Context(), message, src, hooksTestSession, hook.Options{
		TagSource: hooksTestTag,
	})

	if !res.Allowed {
		fmt.Fprintf(os.Stderr, "DENIED: %s\n", res.Reason)
		os.Exit(1)
	}

	fmt.Println("ALLOWED")
	if res.Message != message {
		fmt.Println("message after hooks:")
		fmt.Println(res.Message)
	}
	return nil
}
