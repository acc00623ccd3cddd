// Package mcp exposes wopr's policy checks and injection pipeline as MCP
// tools over stdio, so agent frontends can ask "may this source do X"
// without shelling out to the CLI.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/policy"
	"github.com/wopr-net/wopr/internal/sandbox"
	"github.com/wopr-net/wopr/internal/source"
)

// Config holds MCP server configuration.
type Config struct {
	// SecurityPath is the security.json location. Missing file means
	// built-in defaults, same as everywhere else.
	SecurityPath string
	// SourcesDir enables sourceRef resolution when non-empty.
	SourcesDir string
	// AuditPath enables decision recording and the verify tool when
	// non-empty.
	AuditPath string
	// DockerBinary overrides the docker binary for the sandbox list
	// tool. Empty uses PATH.
	DockerBinary string
	Log          *slog.Logger
}

// Server wraps the MCP SDK server with wopr policy enforcement.
type Server struct {
	mcpServer *mcpsdk.Server
	store     *config.Store
	resolver  *policy.Resolver
	pipeline  *hook.Pipeline
	limiter   *policy.Limiter
	sources   *source.Store
	sandbox   *sandbox.Manager
	auditLog  *audit.Log
	auditPath string
	log       *slog.Logger
}

// New creates an MCP server with loaded policy and registered tools.
func New(cfg Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	store := config.NewStore(cfg.SecurityPath, log)

	var sources *source.Store
	if cfg.SourcesDir != "" {
		var err error
		sources, err = source.NewStore(cfg.SourcesDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open source registry: %w", err)
		}
	}

	var auditLog *audit.Log
	if cfg.AuditPath != "" {
		var err error
		auditLog, err = audit.Open(cfg.AuditPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	mgr := sandbox.NewManager(log)
	mgr.SetDockerBinary(cfg.DockerBinary)

	s := &Server{
		store:     store,
		resolver:  policy.NewResolver(store, log),
		pipeline:  hook.NewPipeline(store, auditLog, log),
		limiter:   policy.NewLimiter(),
		sources:   sources,
		sandbox:   mgr,
		auditLog:  auditLog,
		auditPath: cfg.AuditPath,
		log:       log,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "wopr",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Close closes the audit log if configured.
func (s *Server) Close() error {
	if s.auditLog != nil {
		return s.auditLog.Close()
	}
	return nil
}

// registerTools adds all wopr tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wopr_check_session",
		Description: "Check whether an injection source may target a session. Returns the decision with a reason, without delivering anything.",
	}, s.handleCheckSession)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wopr_check_tool",
		Description: "Check whether a source may use a tool in a session. In warn-mode configs a denial comes back allowed with a warning.",
	}, s.handleCheckTool)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wopr_filter_tools",
		Description: "Filter a tool list down to what policy permits for a source, reporting what was removed and why.",
	}, s.handleFilterTools)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wopr_resolve_policy",
		Description: "Resolve the effective policy for a source targeting a session: capabilities, sandbox requirements, tool lists, and rate limits.",
	}, s.handleResolvePolicy)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wopr_process_injection",
		Description: "Run a message through full injection enforcement: rate limit, session access, and the pre-inject hook chain. Denied injections return an error with the reason.",
	}, s.handleProcessInjection)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wopr_sandbox_list",
		Description: "List the sandbox containers wopr manages, with their sessions and status.",
	}, s.handleSandboxList)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "wopr_audit_verify",
		Description: "Verify the audit log hash chain and report the first broken link, if any.",
	}, s.handleAuditVerify)
}
