package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/wopr-net/wopr/internal/alert"
	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/bridge"
	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/metrics"
	"github.com/wopr-net/wopr/internal/policy"
	"github.com/wopr-net/wopr/internal/sandbox"
	"github.com/wopr-net/wopr/internal/source"
	"github.com/wopr-net/wopr/internal/trust"
)

// ProcessorConfig wires the processor to the daemon's shared components.
type ProcessorConfig struct {
	Dirs     DirConfig
	Daemon   *Config
	Store    *config.Store
	Resolver *policy.Resolver
	Pipeline *hook.Pipeline
	Limiter  *policy.Limiter
	Sources  *source.Store
	Sandbox  *sandbox.Manager
	Bridges  *bridge.Registry
	Audit    *audit.Log
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// DockerHealthy is maintained by the daemon's sweep; when false,
	// sandbox-requiring injections fail instead of invoking docker.
	DockerHealthy *atomic.Bool
}

// Processor handles injection job lifecycle transitions.
type Processor struct {
	cfg ProcessorConfig
	log *slog.Logger
}

// NewProcessor creates a processor with the given configuration.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Daemon == nil {
		cfg.Daemon = DefaultConfig()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Processor{cfg: cfg, log: cfg.Log}
}

// Process handles a single job file through its full lifecycle:
// read → validate → move to processing → enforce → write result to outbox.
// Policy denials become denied results, never returned errors; only
// infrastructure problems (unreadable file, failed move) error out.
func (p *Processor) Process(ctx context.Context, jobPath string) error {
	// Structural symlink defense: reject symlinks before reading. A
	// symlinked inbox entry could point anywhere on the filesystem and
	// would otherwise be processed as a legitimate job.
	fi, err := os.Lstat(jobPath)
	if err != nil {
		return fmt.Errorf("stat job file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("rejected symlink: %s", filepath.Base(jobPath))
	}

	data, err := os.ReadFile(jobPath)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		_ = os.Remove(jobPath)
		return p.writeFailedResult(filepath.Base(jobPath), fmt.Sprintf("invalid JSON: %v", err))
	}

	if err := ValidateJob(&job); err != nil {
		_ = os.Remove(jobPath)
		return p.writeFailedResult(job.ID, fmt.Sprintf("validation failed: %v", err))
	}

	// Move to processing state. Uses moveFile to handle systemd bind mounts (EXDEV).
	processingPath := filepath.Join(p.cfg.Dirs.ProcessingDir(), job.ID+".json")
	if err := moveFile(jobPath, processingPath); err != nil {
		return fmt.Errorf("move to processing: %w", err)
	}

	result := p.run(ctx, &job)
	if err := p.writeResult(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	_ = os.Remove(processingPath)
	return nil
}

// run enforces policy end to end for one job and always produces a result.
func (p *Processor) run(ctx context.Context, job *Job) *Result {
	src, err := p.resolveSource(job)
	if err != nil {
		p.countInjection("failed")
		return p.failed(job.ID, fmt.Sprintf("resolve source: %v", err))
	}

	pol := p.cfg.Resolver.ResolvePolicy(src, job.TargetSession)

	if p.cfg.Limiter != nil {
		key := policy.RateKey(src)
		if !p.cfg.Limiter.Allow(key, pol.RateLimit) {
			reason := fmt.Sprintf("rate limit exceeded for %s (%d per %ds)",
				key, pol.RateLimit.MaxRequests, pol.RateLimit.WindowSeconds)
			p.auditDeny(src, job.TargetSession, reason)
			p.alertDeny(src, job.TargetSession, reason)
			p.countInjection("deny")
			return p.denied(job.ID, reason)
		}
	}

	access := p.cfg.Resolver.CheckSessionAccess(src, job.TargetSession)
	if !access.Allowed {
		p.auditDeny(src, job.TargetSession, access.Reason)
		p.alertDeny(src, job.TargetSession, access.Reason)
		p.countInjection("deny")
		return p.denied(job.ID, access.Reason)
	}
	if access.Warning != "" {
		p.log.Warn("session access allowed with warning",
			"job", job.ID, "session", job.TargetSession, "warning", access.Warning)
	}

	start := time.Now()
	hookRes := p.cfg.Pipeline.ProcessInjection(ctx, job.Message, src, job.TargetSession, hook.Options{
		TagSource: job.Options.TagSource,
		Metadata:  job.Options.Metadata,
	})
	p.observeHooks("pre-inject", time.Since(start), hookRes.Allowed)
	if !hookRes.Allowed {
		// The pipeline already audited this decision.
		p.alertDeny(src, job.TargetSession, hookRes.Reason)
		p.countInjection("deny")
		return p.denied(job.ID, hookRes.Reason)
	}

	if sc := p.cfg.Resolver.CheckSandboxRequired(src, job.TargetSession); sc != nil {
		if err := p.ensureSandbox(ctx, job.TargetSession, sc); err != nil {
			p.log.Error("sandbox provisioning failed",
				"job", job.ID, "session", job.TargetSession, "error", err)
			p.countInjection("failed")
			return p.failed(job.ID, fmt.Sprintf("sandbox: %v", err))
		}
	}

	p.countInjection("allow")
	return &Result{
		ID:          job.ID,
		Status:      ResultDone,
		Message:     hookRes.Message,
		CompletedAt: time.Now().UTC(),
	}
}

// resolveSource returns the job's inline source or looks up its sourceRef.
func (p *Processor) resolveSource(job *Job) (*trust.InjectionSource, error) {
	if job.Source != nil {
		return job.Source, nil
	}
	if p.cfg.Sources == nil {
		return nil, fmt.Errorf("job references source %q but no source registry is configured", job.SourceRef)
	}
	return p.cfg.Sources.Get(job.SourceRef)
}

// ensureSandbox makes sure the target session has a container matching
// policy, with the MCP bridge mounted when an upstream socket is
// configured. The bridge directory can only be bind-mounted at container
// start, so attaching a new bridge replaces the container.
func (p *Processor) ensureSandbox(ctx context.Context, sessionKey string, sc *config.SandboxConfig) error {
	if p.cfg.Sandbox == nil {
		return fmt.Errorf("no sandbox manager configured")
	}
	if p.cfg.DockerHealthy != nil && !p.cfg.DockerHealthy.Load() {
		return fmt.Errorf("policy requires a sandbox but docker is unavailable")
	}

	container, err := p.cfg.Sandbox.ContainerForSession(ctx, sessionKey)
	if err != nil {
		return err
	}
	if container == "" {
		_, err := p.cfg.Sandbox.CreateSandbox(ctx, sessionKey, sc, sandbox.CreateOptions{
			Workspace: p.cfg.Daemon.Workspace,
			ExtraArgs: p.bridgeMounts(sessionKey),
		})
		p.countSandboxOp("create", err)
		if err != nil {
			return err
		}
	}

	upstream := p.cfg.Daemon.McpUpstreamSocket
	if upstream == "" || p.cfg.Bridges == nil || p.cfg.Bridges.Get(sessionKey) != nil {
		return nil
	}

	if _, err := p.cfg.Bridges.Create(ctx, sessionKey, upstream); err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	p.cfg.Sandbox.DestroySandbox(ctx, sessionKey)
	_, err = p.cfg.Sandbox.CreateSandbox(ctx, sessionKey, sc, sandbox.CreateOptions{
		Workspace: p.cfg.Daemon.Workspace,
		ExtraArgs: p.cfg.Bridges.MountArgs(sessionKey),
	})
	p.countSandboxOp("create", err)
	if err != nil {
		return fmt.Errorf("recreate with bridge mount: %w", err)
	}
	return nil
}

func (p *Processor) bridgeMounts(sessionKey string) []string {
	if p.cfg.Bridges == nil {
		return nil
	}
	return p.cfg.Bridges.MountArgs(sessionKey)
}

// auditDeny records a policy denial that never reached the hook
// pipeline, honoring the same audit gates the pipeline applies.
func (p *Processor) auditDeny(src *trust.InjectionSource, session, reason string) {
	if p.cfg.Audit == nil || p.cfg.Store == nil {
		return
	}
	ac := p.cfg.Store.Current().Audit
	if !ac.IsEnabled() || !ac.ShouldLogDenied() {
		return
	}
	err := p.cfg.Audit.Record(audit.Entry{
		Event:      audit.EventInjection,
		Session:    session,
		Source:     audit.NewSource(src),
		Decision:   audit.DecisionDeny,
		Reason:     reason,
		ConfigHash: p.cfg.Store.Hash(),
	})
	if err != nil {
		p.log.Warn("audit record failed", "error", err)
	}
}

// alertDeny notifies configured webhooks about a denial. Destinations
// come from the live config so a reload takes effect immediately; the
// logDenied gate applies to the file log only, not to alerts.
func (p *Processor) alertDeny(src *trust.InjectionSource, session, reason string) {
	if p.cfg.Store == nil {
		return
	}
	cur := p.cfg.Store.Current()
	if !cur.Audit.IsEnabled() {
		return
	}
	d := alert.NewDispatcher(cur.Audit.Alerts)
	if d == nil {
		return
	}
	d.Dispatch(alert.Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Type:       audit.EventInjection,
		Session:    session,
		Source:     src.Identity.Display(),
		TrustLevel: string(src.TrustLevel),
		Decision:   audit.DecisionDeny,
		Reason:     reason,
		ConfigHash: p.cfg.Store.Hash(),
	})
}

func (p *Processor) countInjection(decision string) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.InjectionsTotal.WithLabelValues(decision).Inc()
}

func (p *Processor) countSandboxOp(op string, err error) {
	if p.cfg.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	p.cfg.Metrics.SandboxOpsTotal.WithLabelValues(op, outcome).Inc()
}

func (p *Processor) observeHooks(phase string, elapsed time.Duration, allowed bool) {
	if p.cfg.Metrics == nil {
		return
	}
	p.cfg.Metrics.HookDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
	outcome := "ok"
	if !allowed {
		outcome = "block"
	}
	p.cfg.Metrics.HookRunsTotal.WithLabelValues(phase, outcome).Inc()
}

func (p *Processor) denied(id, reason string) *Result {
	return &Result{ID: id, Status: ResultDenied, Reason: reason, CompletedAt: time.Now().UTC()}
}

func (p *Processor) failed(id, reason string) *Result {
	return &Result{ID: id, Status: ResultFailed, Reason: reason, CompletedAt: time.Now().UTC()}
}

// writeResult writes a result to the outbox directory atomically.
func (p *Processor) writeResult(r *Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	filename := r.ID + ".json"
	tmpPath := filepath.Join(p.cfg.Dirs.Outbox(), filename+".tmp")
	finalPath := filepath.Join(p.cfg.Dirs.Outbox(), filename)

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmpPath, finalPath)
}

// writeFailedResult writes a minimal failed result when the job can't be
// parsed or validated.
func (p *Processor) writeFailedResult(id string, errMsg string) error {
	if id == "" {
		id = fmt.Sprintf("unknown-%d", time.Now().UnixNano())
	}
	id = sanitizeResultID(id)
	return p.writeResult(p.failed(id, errMsg))
}

// sanitizeResultID makes an arbitrary filename safe to reuse as a result
// ID. Unparsable jobs report under their inbox filename, which is not
// covered by job validation.
func sanitizeResultID(id string) string {
	var b []byte
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	out := string(b)
	if out == "" || out == "." || out == ".." {
		out = fmt.Sprintf("unknown-%d", time.Now().UnixNano())
	}
	return out
}
