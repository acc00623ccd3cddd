package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/policy"
	"github.com/wopr-net/wopr/internal/trust"
)

// --- Input/Output types ---

// SourceSpec identifies an injection source, either by registry reference
// or inline. Ref wins when both are given.
type SourceSpec struct {
	Ref                 string   `json:"ref,omitempty" jsonschema:"named source profile from the registry"`
	Type                string   `json:"type,omitempty" jsonschema:"source transport (cli/p2p/api/gateway/hook), defaults to api"`
	TrustLevel          string   `json:"trustLevel,omitempty" jsonschema:"trust level (untrusted/semi-trusted/trusted/owner), defaults to untrusted"`
	Name                string   `json:"name,omitempty" jsonschema:"human-readable source name"`
	PeerID              string   `json:"peerId,omitempty" jsonschema:"peer identifier for p2p sources"`
	GrantedCapabilities []string `json:"grantedCapabilities,omitempty" jsonschema:"extra capabilities granted by pairing"`
}

// CheckSessionInput defines parameters for the wopr_check_session tool.
type CheckSessionInput struct {
	Source  SourceSpec `json:"source" jsonschema:"who is asking"`
	Session string     `json:"session" jsonschema:"target session key"`
}

// CheckSessionOutput contains the access decision.
type CheckSessionOutput struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// CheckToolInput defines parameters for the wopr_check_tool tool.
type CheckToolInput struct {
	Source  SourceSpec `json:"source" jsonschema:"who is asking"`
	Session string     `json:"session" jsonschema:"session the tool would run in"`
	Tool    string     `json:"tool" jsonschema:"tool name (exec, bash, file_read, ...)"`
}

// CheckToolOutput contains the tool access decision.
type CheckToolOutput struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// FilterToolsInput defines parameters for the wopr_filter_tools tool.
type FilterToolsInput struct {
	Source  SourceSpec `json:"source" jsonschema:"who is asking"`
	Session string     `json:"session" jsonschema:"session the tools would run in"`
	Tools   []string   `json:"tools" jsonschema:"candidate tool names"`
}

// FilterToolsOutput splits the candidate list into permitted and removed.
type FilterToolsOutput struct {
	Allowed []string `json:"allowed"`
	Removed []string `json:"removed,omitempty"`
}

// ResolvePolicyInput defines parameters for the wopr_resolve_policy tool.
type ResolvePolicyInput struct {
	Source  SourceSpec `json:"source" jsonschema:"who is asking"`
	Session string     `json:"session,omitempty" jsonschema:"target session key, may be empty for the base policy"`
}

// ResolvePolicyOutput is the effective policy, flattened for transport.
type ResolvePolicyOutput struct {
	TrustLevel      string   `json:"trustLevel"`
	Capabilities    []string `json:"capabilities"`
	SandboxEnabled  bool     `json:"sandboxEnabled"`
	WorkspaceAccess string   `json:"workspaceAccess,omitempty"`
	SandboxImage    string   `json:"sandboxImage,omitempty"`
	SandboxNetwork  string   `json:"sandboxNetwork,omitempty"`
	ToolsAllow      []string `json:"toolsAllow,omitempty"`
	ToolsDeny       []string `json:"toolsDeny,omitempty"`
	MaxRequests     int      `json:"maxRequests,omitempty"`
	WindowSeconds   int      `json:"windowSeconds,omitempty"`
	AllowedSessions []string `json:"allowedSessions,omitempty"`
	BlockedSessions []string `json:"blockedSessions,omitempty"`
	IsGateway       bool     `json:"isGateway"`
}

// ProcessInjectionInput defines parameters for the wopr_process_injection tool.
type ProcessInjectionInput struct {
	Source    SourceSpec `json:"source" jsonschema:"who is injecting"`
	Session   string     `json:"session" jsonschema:"target session key"`
	Message   string     `json:"message" jsonschema:"message to inject"`
	TagSource bool       `json:"tagSource,omitempty" jsonschema:"prepend a provenance header before hooks run"`
}

// ProcessInjectionOutput contains the enforcement outcome. Message is the
// final text after hook transforms when allowed.
type ProcessInjectionOutput struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SandboxListInput is empty, no parameters needed.
type SandboxListInput struct{}

// SandboxListOutput lists managed sandbox containers.
type SandboxListOutput struct {
	Sandboxes []SandboxItem `json:"sandboxes"`
}

// SandboxItem describes a single sandbox container.
type SandboxItem struct {
	Name       string `json:"name"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}

// AuditVerifyInput defines parameters for the wopr_audit_verify tool.
type AuditVerifyInput struct {
	Path string `json:"path,omitempty" jsonschema:"audit log path, defaults to the configured one"`
}

// AuditVerifyOutput reports hash chain integrity.
type AuditVerifyOutput struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// --- Handlers ---

func (s *Server) handleCheckSession(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckSessionInput) (*mcpsdk.CallToolResult, CheckSessionOutput, error) {
	src, err := s.resolveSource(input.Source)
	if err != nil {
		return nil, CheckSessionOutput{}, err
	}

	res := s.resolver.CheckSessionAccess(src, input.Session)
	return nil, CheckSessionOutput{
		Allowed: res.Allowed,
		Reason:  res.Reason,
		Warning: res.Warning,
	}, nil
}

func (s *Server) handleCheckTool(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckToolInput) (*mcpsdk.CallToolResult, CheckToolOutput, error) {
	src, err := s.resolveSource(input.Source)
	if err != nil {
		return nil, CheckToolOutput{}, err
	}
	if input.Tool == "" {
		return nil, CheckToolOutput{}, fmt.Errorf("tool name is required")
	}

	res := s.resolver.CheckToolAccess(src, input.Tool, input.Session)
	return nil, CheckToolOutput{
		Allowed: res.Allowed,
		Reason:  res.Reason,
		Warning: res.Warning,
	}, nil
}

func (s *Server) handleFilterTools(ctx context.Context, req *mcpsdk.CallToolRequest, input FilterToolsInput) (*mcpsdk.CallToolResult, FilterToolsOutput, error) {
	src, err := s.resolveSource(input.Source)
	if err != nil {
		return nil, FilterToolsOutput{}, err
	}

	kept := s.resolver.FilterToolsByPolicy(src, input.Tools, input.Session)
	keptSet := make(map[string]bool, len(kept))
	for _, t := range kept {
		keptSet[t] = true
	}

	var removed []string
	for _, t := range input.Tools {
		if !keptSet[t] {
			removed = append(removed, t)
		}
	}

	return nil, FilterToolsOutput{
		Allowed: kept,
		Removed: removed,
	}, nil
}

func (s *Server) handleResolvePolicy(ctx context.Context, req *mcpsdk.CallToolRequest, input ResolvePolicyInput) (*mcpsdk.CallToolResult, ResolvePolicyOutput, error) {
	src, err := s.resolveSource(input.Source)
	if err != nil {
		return nil, ResolvePolicyOutput{}, err
	}

	pol := s.resolver.ResolvePolicy(src, input.Session)
	return nil, ResolvePolicyOutput{
		TrustLevel:      string(pol.TrustLevel),
		Capabilities:    pol.Capabilities.Strings(),
		SandboxEnabled:  pol.Sandbox.IsEnabled(),
		WorkspaceAccess: pol.Sandbox.WorkspaceAccess,
		SandboxImage:    pol.Sandbox.Image,
		SandboxNetwork:  pol.Sandbox.Network,
		ToolsAllow:      pol.Tools.Allow,
		ToolsDeny:       pol.Tools.Deny,
		MaxRequests:     pol.RateLimit.MaxRequests,
		WindowSeconds:   pol.RateLimit.WindowSeconds,
		AllowedSessions: pol.AllowedSessions,
		BlockedSessions: pol.BlockedSessions,
		IsGateway:       pol.IsGateway,
	}, nil
}

func (s *Server) handleProcessInjection(ctx context.Context, req *mcpsdk.CallToolRequest, input ProcessInjectionInput) (*mcpsdk.CallToolResult, ProcessInjectionOutput, error) {
	src, err := s.resolveSource(input.Source)
	if err != nil {
		return nil, ProcessInjectionOutput{}, err
	}
	if input.Session == "" {
		return nil, ProcessInjectionOutput{}, fmt.Errorf("session is required")
	}
	if input.Message == "" {
		return nil, ProcessInjectionOutput{}, fmt.Errorf("message is required")
	}

	pol := s.resolver.ResolvePolicy(src, input.Session)
	if !s.limiter.Allow(policy.RateKey(src), pol.RateLimit) {
		reason := fmt.Sprintf("rate limit exceeded for %s (%d per %ds)",
			policy.RateKey(src), pol.RateLimit.MaxRequests, pol.RateLimit.WindowSeconds)
		s.recordDeny(src, input.Session, reason)
		out := ProcessInjectionOutput{Reason: reason}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	access := s.resolver.CheckSessionAccess(src, input.Session)
	if !access.Allowed {
		s.recordDeny(src, input.Session, access.Reason)
		out := ProcessInjectionOutput{Reason: access.Reason}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	if access.Warning != "" {
		s.log.Warn("session access warning",
			"session", input.Session,
			"warning", access.Warning)
	}

	// The pipeline records its own allow/deny in the audit log.
	res := s.pipeline.ProcessInjection(ctx, input.Message, src, input.Session, hook.Options{
		TagSource: input.TagSource,
	})
	if !res.Allowed {
		out := ProcessInjectionOutput{Reason: res.Reason}
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}

	return nil, ProcessInjectionOutput{
		Allowed: true,
		Message: res.Message,
	}, nil
}

func (s *Server) handleSandboxList(ctx context.Context, req *mcpsdk.CallToolRequest, input SandboxListInput) (*mcpsdk.CallToolResult, SandboxListOutput, error) {
	list, err := s.sandbox.ListSandboxes(ctx)
	if err != nil {
		return nil, SandboxListOutput{}, err
	}

	items := make([]SandboxItem, len(list))
	for i, sb := range list {
		items[i] = SandboxItem{
			Name:       sb.Name,
			SessionKey: sb.SessionKey,
			Status:     sb.Status,
		}
	}

	return nil, SandboxListOutput{Sandboxes: items}, nil
}

func (s *Server) handleAuditVerify(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditVerifyInput) (*mcpsdk.CallToolResult, AuditVerifyOutput, error) {
	path := input.Path
	if path == "" {
		path = s.auditPath
	}
	if path == "" {
		return nil, AuditVerifyOutput{}, fmt.Errorf("no audit log configured and no path given")
	}

	res := audit.Verify(path)
	return nil, AuditVerifyOutput{
		Valid:     res.Valid,
		Lines:     res.Lines,
		Error:     res.Error,
		ErrorLine: res.ErrorLine,
	}, nil
}

// --- Helpers ---

// resolveSource turns a SourceSpec into a validated injection source.
// An empty spec resolves to an untrusted API source, the safe floor.
func (s *Server) resolveSource(spec SourceSpec) (*trust.InjectionSource, error) {
	if spec.Ref != "" {
		if s.sources == nil {
			return nil, fmt.Errorf("source ref %q given but no source registry is configured", spec.Ref)
		}
		return s.sources.Get(spec.Ref)
	}

	level := trust.Untrusted
	if spec.TrustLevel != "" {
		var err error
		level, err = trust.ParseLevel(spec.TrustLevel)
		if err != nil {
			return nil, err
		}
	}

	typ := trust.SourceType(spec.Type)
	if typ == "" {
		typ = trust.SourceAPI
	}

	caps := make([]trust.Capability, len(spec.GrantedCapabilities))
	for i, c := range spec.GrantedCapabilities {
		caps[i] = trust.Capability(c)
	}

	src := &trust.InjectionSource{
		Type:       typ,
		TrustLevel: level,
		Identity: trust.Identity{
			Name:   spec.Name,
			PeerID: spec.PeerID,
		},
		GrantedCapabilities: caps,
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	return src, nil
}

// recordDeny audits a denial that never reached the hook pipeline,
// honoring the same gates the pipeline applies.
func (s *Server) recordDeny(src *trust.InjectionSource, session, reason string) {
	if s.auditLog == nil {
		return
	}
	ac := s.store.Current().Audit
	if !ac.IsEnabled() || !ac.ShouldLogDenied() {
		return
	}
	err := s.auditLog.Record(audit.Entry{
		Event:      audit.EventInjection,
		Session:    session,
		Source:     audit.NewSource(src),
		Decision:   audit.DecisionDeny,
		Reason:     reason,
		ConfigHash: s.store.Hash(),
	})
	if err != nil {
		s.log.Warn("audit record failed", "error", err)
	}
}
