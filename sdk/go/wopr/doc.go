// Package wopr embeds trust policy enforcement directly in a Go agent
// framework, with no daemon round-trip. A Client loads the same
// security.json the daemon reads, resolves per-source policy, and
// answers session, tool, and sandbox questions in process.
//
// Basic use:
//
//	client, err := wopr.New(
//		wopr.WithConfig("/etc/wopr/security.json"),
//		wopr.WithSource(wopr.Source{Type: "api", TrustLevel: "semi-trusted", Name: "scheduler"}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	exec := client.Wrap("exec", execTool, wopr.WrapWithSession("main"))
//	out, err := exec(ctx, map[string]any{"command": "make test"})
//
// A denied call returns *BlockedError before the tool function runs.
// For HTTP ingress, Middleware enforces session access and rate limits
// in front of an existing handler. The caller's identity always comes
// from the embedding application's own authentication, never from
// request headers.
package wopr
