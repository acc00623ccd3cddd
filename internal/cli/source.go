package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/source"
	"github.com/wopr-net/wopr/internal/trust"
)

var (
	srcAddTrust string
	srcAddType  string
	srcAddName  string
	srcAddPeer  string
	srcAddCaps  []string
)

func init() {
	rootCmd.AddCommand(sourceCmd)
	sourceCmd.AddCommand(sourceAddCmd)
	sourceCmd.AddCommand(sourceListCmd)
	sourceCmd.AddCommand(sourceShowCmd)
	sourceCmd.AddCommand(sourceRemoveCmd)

	sourceAddCmd.Flags().StringVar(&srcAddTrust, "trust", "untrusted", "Trust level (untrusted|semi-trusted|trusted|owner)")
	sourceAddCmd.Flags().StringVar(&srcAddType, "type", "api", "Transport type (cli|p2p|api|gateway|hook)")
	sourceAddCmd.Flags().StringVar(&srcAddName, "name", "", "Display name (default: the profile name)")
	sourceAddCmd.Flags().StringVar(&srcAddPeer, "peer", "", "Peer ID for p2p sources")
	sourceAddCmd.Flags().StringSliceVar(&srcAddCaps, "cap", nil, "Granted capability (repeatable)")
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage named source profiles",
	Long: "Source profiles let jobs and CLI calls reference a sender by name\n" +
		"instead of restating its trust data everywhere.",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create or update a source profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceAdd,
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List source profiles",
	RunE:  runSourceList,
}

var sourceShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print one source profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceShow,
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a source profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runSourceRemove,
}

func sourceRegistry() (*source.Store, error) {
	return source.NewStore(cliDirs().SourcesDir())
}

func runSourceAdd(cmd *cobra.Command, args []string) error {
	reg, err := sourceRegistry()
	if err != nil {
		return err
	}

	level, err := trust.ParseLevel(srcAddTrust)
	if err != nil {
		return err
	}

	display := srcAddName
	if display == "" {
		display = args[0]
	}
	caps := make([]trust.Capability, len(srcAddCaps))
	for i, c := range srcAddCaps {
		caps[i] = trust.Capability(c)
	}

	src := trust.InjectionSource{
		Type:                trust.SourceType(srcAddType),
		TrustLevel:          level,
		Identity:            trust.Identity{Name: display, PeerID: srcAddPeer},
		GrantedCapabilities: caps,
	}
	if err := reg.Put(args[0], src); err != nil {
		return err
	}

	fmt.Printf("saved source %q (%s via %s)\n", args[0], level, src.Type)
	return nil
}

func runSourceList(cmd *cobra.Command, args []string) error {
	reg, err := sourceRegistry()
	if err != nil {
		return err
	}

	profiles, err := reg.List()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("No source profiles.")
		return nil
	}

	fmt.Printf("%-20s %-14s %-9s %s\n", "NAME", "TRUST", "TYPE", "IDENTITY")
	for _, p := range profiles {
		fmt.Printf("%-20s %-14s %-9s %s\n",
			p.Name, p.Source.TrustLevel, p.Source.Type, p.Source.Identity.Display())
	}
	return nil
}

func runSourceShow(cmd *cobra.Command, args []string) error {
	reg, err := sourceRegistry()
	if err != nil {
		return err
	}

	src, err := reg.Get(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runSourceRemove(cmd *cobra.Command, args []string) error {
	reg, err := sourceRegistry()
	if err != nil {
		return err
	}

	if err := reg.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("removed source %q\n", args[0])
	return nil
}
