package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/config"
)

// DefaultTimeout bounds each hook subprocess. A hook that has not
// exited by then is killed (whole process group) and counts as an allow.
const DefaultTimeout = 5 * time.Second

// Pipeline runs the configured hooks around injections. Construct one
// per process and share it; it holds no per-injection state.
type Pipeline struct {
	store *config.Store
	audit *audit.Log
	log   *slog.Logger

	// Timeout overrides DefaultTimeout when positive. Exposed for tests.
	Timeout time.Duration
}

// NewPipeline creates a pipeline over the given config store. auditLog
// may be nil to disable audit recording entirely.
func NewPipeline(store *config.Store, auditLog *audit.Log, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{store: store, audit: auditLog, log: log}
}

// RunPreInject executes every enabled pre-inject hook in declaration
// order, threading message and metadata edits from each verdict into the
// next hook's context. The first explicit block short-circuits the chain.
// Hook infrastructure failures (bad command, spawn error, timeout,
// garbage output) are logged and skipped, never treated as blocks.
func (p *Pipeline) RunPreInject(ctx context.Context, hctx *Context) (bool, string) {
	cfg := p.store.Current()

	for _, def := range cfg.Hooks {
		if def.Type != config.HookPreInject || !def.Enabled || def.Command == "" {
			continue
		}

		verdict := p.runCommandHook(ctx, def, hctx)
		if verdict == nil {
			continue
		}
		if !verdict.Allowed() {
			return false, verdict.Reason
		}
		if verdict.Message != "" {
			hctx.Message = verdict.Message
		}
		if len(verdict.Metadata) > 0 {
			if hctx.Metadata == nil {
				hctx.Metadata = make(map[string]any, len(verdict.Metadata))
			}
			for k, v := range verdict.Metadata {
				hctx.Metadata[k] = v
			}
		}
	}
	return true, ""
}

// RunPostInject executes the post-inject hooks. Their output cannot
// change anything: the response has already gone back to the source, so
// verdicts are logged and discarded, and hooks run independently.
func (p *Pipeline) RunPostInject(ctx context.Context, hctx *Context) {
	cfg := p.store.Current()

	for _, def := range cfg.Hooks {
		if def.Type != config.HookPostInject || !def.Enabled || def.Command == "" {
			continue
		}
		verdict := p.runCommandHook(ctx, def, hctx)
		if verdict != nil && !verdict.Allowed() {
			p.log.Warn("post-inject hook verdict ignored (injection already delivered)",
				"hook", def.Name, "reason", verdict.Reason)
		}
	}
}

// runCommandHook validates, spawns, and reads back one hook. It returns
// nil whenever the hook's answer cannot be used, which the callers treat
// as a pass-through allow.
func (p *Pipeline) runCommandHook(ctx context.Context, def config.HookDef, hctx *Context) *Verdict {
	cfg := p.store.Current()

	spec, err := ParseHookCommand(def.Command, cfg.AllowedHookCommands)
	if err != nil {
		p.log.Warn("hook command rejected, treating as pass-through",
			"hook", def.Name, "error", err)
		return nil
	}

	payload, err := json.Marshal(hctx)
	if err != nil {
		p.log.Warn("hook context not serializable, treating as pass-through",
			"hook", def.Name, "error", err)
		return nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Executable, spec.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the entire process group so hook children die with it.
		pgid, err := syscall.Getpgid(cmd.Process.Pid)
		if err == nil {
			return syscall.Kill(-pgid, syscall.SIGKILL)
		}
		return cmd.Process.Kill()
	}

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			p.log.Warn("hook timed out, failing open",
				"hook", def.Name, "timeout", timeout)
		} else {
			p.log.Warn("hook failed, failing open",
				"hook", def.Name, "error", err, "stderr", firstLine(stderr.String()))
		}
		return nil
	}

	var v Verdict
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &v); err != nil {
		p.log.Warn("hook output is not a JSON verdict, failing open",
			"hook", def.Name, "error", err)
		return nil
	}

	p.log.Debug("hook completed",
		"hook", def.Name, "allowed", v.Allowed(), "elapsed", elapsed)
	return &v
}

// firstLine trims hook stderr for log records.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
