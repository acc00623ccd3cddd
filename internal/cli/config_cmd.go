package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/configdiff"
)

var configDiffJSON bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDiffCmd)
	configDiffCmd.Flags().BoolVar(&configDiffJSON, "json", false, "output as JSON")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the security policy configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective security config after defaults merge",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the security config path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cliDirs().SecurityPath())
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse the security config and report content warnings",
	Long: "Loads security.json, merges it over the built-in defaults, and prints\n" +
		"every content warning the daemon would log. Exits 1 on parse errors or\n" +
		"warnings, so it can gate config deployments.",
	RunE: runConfigValidate,
}

var configDiffCmd = &cobra.Command{
	Use:   "diff <old> <new>",
	Short: "Compare two security configs by effective policy",
	Long: "Loads both files, merges each over the built-in defaults, and reports\n" +
		"what actually changes per trust level, session, and hook. With one\n" +
		"argument, compares the active config against the given file.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runConfigDiff,
}

func runConfigDiff(cmd *cobra.Command, args []string) error {
	oldPath := cliDirs().SecurityPath()
	newPath := args[0]
	if len(args) == 2 {
		oldPath, newPath = args[0], args[1]
	}

	oldCfg, _, err := config.Load(oldPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", oldPath, err)
	}
	newCfg, _, err := config.Load(newPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", newPath, err)
	}

	r := configdiff.Diff(oldCfg, newCfg)
	r.OldPath, r.NewPath = oldPath, newPath

	if configDiffJSON {
		out, err := configdiff.FormatJSON(r)
		if err != nil {
			return err
		}
		fmt.Println(out)
	} else {
		fmt.Print(configdiff.FormatText(r))
	}

	if r.HasChanges {
		os.Exit(1)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path := cliDirs().SecurityPath()
	cfg, hash, err := config.Load(path)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "\nsource: %s\nhash:   %s\n", path, hash)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := cliDirs().SecurityPath()
	cfg, _, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		os.Exit(1)
	}

	warns := config.Validate(cfg)
	if len(warns) == 0 {
		fmt.Println("OK: no warnings")
		return nil
	}

	for _, w := range warns {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	os.Exit(1)
	return nil
}
