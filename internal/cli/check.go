package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/policy"
	"github.com/wopr-net/wopr/internal/source"
	"github.com/wopr-net/wopr/internal/trust"
)

var (
	checkTrust      string
	checkType       string
	checkName       string
	checkPeer       string
	checkSourceRef  string
	checkSession    string
	checkTool       string
	checkCapability string
	checkFormat     string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.AddCommand(checkSessionCmd)
	checkCmd.AddCommand(checkToolCmd)
	checkCmd.AddCommand(checkCapabilityCmd)
	checkCmd.AddCommand(checkPolicyCmd)

	checkCmd.PersistentFlags().StringVar(&checkTrust, "trust", "untrusted", "Source trust level (untrusted|semi-trusted|trusted|owner)")
	checkCmd.PersistentFlags().StringVar(&checkType, "type", "cli", "Source transport type (cli|p2p|api|gateway|hook)")
	checkCmd.PersistentFlags().StringVar(&checkName, "name", "", "Source name")
	checkCmd.PersistentFlags().StringVar(&checkPeer, "peer", "", "Source peer ID")
	checkCmd.PersistentFlags().StringVar(&checkSourceRef, "source-ref", "", "Use a named source profile instead of inline flags")
	checkCmd.PersistentFlags().StringVar(&checkSession, "session", "", "Target session key (required)")
	checkCmd.MarkPersistentFlagRequired("session")

	checkToolCmd.Flags().StringVar(&checkTool, "tool", "", "Tool name to check (required)")
	checkToolCmd.MarkFlagRequired("tool")

	checkCapabilityCmd.Flags().StringVar(&checkCapability, "capability", "", "Capability name to check (required)")
	checkCapabilityCmd.MarkFlagRequired("capability")

	checkPolicyCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run policy decisions without injecting anything",
	Long: "Answers what policy would decide for a given source and session.\n" +
		"Exit code 0 on allow, 1 on deny.\n" +
		"Use in scripts to gate transports before they deliver.",
}

var checkSessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Check whether the source may target the session",
	RunE:  runCheckSession,
}

var checkToolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Check whether the source may use a tool in the session",
	RunE:  runCheckTool,
}

var checkCapabilityCmd = &cobra.Command{
	Use:   "capability",
	Short: "Check whether the resolved policy grants a capability",
	RunE:  runCheckCapability,
}

var checkPolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Print the effective resolved policy",
	RunE:  runCheckPolicy,
}

func runCheckSession(cmd *cobra.Command, args []string) error {
	resolver, src, err := checkSetup()
	if err != nil {
		return err
	}

	res := resolver.CheckSessionAccess(src, checkSession)
	printAccessResult(res)
	if !res.Allowed {
		os.Exit(1)
	}
	return nil
}

func runCheckTool(cmd *cobra.Command, args []string) error {
	resolver, src, err := checkSetup()
	if err != nil {
		return err
	}

	res := resolver.CheckToolAccess(src, checkTool, checkSession)
	printAccessResult(res)
	if !res.Allowed {
		os.Exit(1)
	}
	return nil
}

func runCheckCapability(cmd *cobra.Command, args []string) error {
	resolver, src, err := checkSetup()
	if err != nil {
		return err
	}

	res := resolver.CheckCapability(src, trust.Capability(checkCapability), checkSession)
	printAccessResult(res)
	if !res.Allowed {
		os.Exit(1)
	}
	return nil
}

func runCheckPolicy(cmd *cobra.Command, args []string) error {
	resolver, src, err := checkSetup()
	if err != nil {
		return err
	}

	pol := resolver.ResolvePolicy(src, checkSession)

	if checkFormat == "json" {
		out, err := json.MarshalIndent(pol, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("trust level:    %s\n", pol.TrustLevel)
	fmt.Printf("capabilities:   %v\n", pol.Capabilities.Strings())
	fmt.Printf("sandbox:        enabled=%v workspace=%s network=%s image=%s\n",
		pol.Sandbox.IsEnabled(), pol.Sandbox.WorkspaceAccess, pol.Sandbox.Network, pol.Sandbox.Image)
	fmt.Printf("tools allow:    %v\n", pol.Tools.Allow)
	fmt.Printf("tools deny:     %v\n", pol.Tools.Deny)
	fmt.Printf("rate limit:     %d per %ds\n", pol.RateLimit.MaxRequests, pol.RateLimit.WindowSeconds)
	fmt.Printf("sessions:       allowed=%v blocked=%v\n", pol.AllowedSessions, pol.BlockedSessions)
	fmt.Printf("gateway:        %v\n", pol.IsGateway)
	return nil
}

// checkSetup builds the resolver and the source described by the flags.
func checkSetup() (*policy.Resolver, *trust.InjectionSource, error) {
	dirs := cliDirs()
	store := config.NewStore(dirs.SecurityPath(), slog.Default())
	resolver := policy.NewResolver(store, slog.Default())

	if checkSourceRef != "" {
		reg, err := source.NewStore(dirs.SourcesDir())
		if err != nil {
			return nil, nil, err
		}
		src, err := reg.Get(checkSourceRef)
		if err != nil {
			return nil, nil, err
		}
		return resolver, src, nil
	}

	level, err := trust.ParseLevel(checkTrust)
	if err != nil {
		return nil, nil, err
	}
	src := &trust.InjectionSource{
		Type:       trust.SourceType(checkType),
		TrustLevel: level,
		Identity:   trust.Identity{Name: checkName, PeerID: checkPeer},
	}
	if err := src.Validate(); err != nil {
		return nil, nil, err
	}
	return resolver, src, nil
}

func printAccessResult(res policy.AccessResult) {
	if res.Allowed {
		fmt.Println("ALLOW")
		if res.Warning != "" {
			fmt.Printf("warning: %s\n", res.Warning)
		}
		return
	}
	fmt.Printf("DENY: %s\n", res.Reason)
}
