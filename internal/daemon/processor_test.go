package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wopr-net/wopr/internal/alert"
	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/bridge"
	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/policy"
	"github.com/wopr-net/wopr/internal/sandbox"
	"github.com/wopr-net/wopr/internal/source"
	"github.com/wopr-net/wopr/internal/trust"
)

func setupProcessorDirs(t *testing.T) DirConfig {
	t.Helper()
	cfg := DirConfig{Home: t.TempDir()}
	if err := EnsureDirs(cfg); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return cfg
}

// newTestProcessor wires a processor over a static config. mutate may
// adjust the wiring before construction.
func newTestProcessor(t *testing.T, dirs DirConfig, sec *config.SecurityConfig, mutate func(*ProcessorConfig)) *Processor {
	t.Helper()
	store := config.NewStaticStore(sec)
	cfg := ProcessorConfig{
		Dirs:     dirs,
		Daemon:   DefaultConfig(),
		Store:    store,
		Resolver: policy.NewResolver(store, slog.Default()),
		Pipeline: hook.NewPipeline(store, nil, slog.Default()),
		Limiter:  policy.NewLimiter(),
		Log:      slog.Default(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewProcessor(cfg)
}

func testSource(level trust.Level) *trust.InjectionSource {
	return &trust.InjectionSource{
		Type:       trust.SourceCLI,
		TrustLevel: level,
		Identity:   trust.Identity{Name: "tester"},
	}
}

// gatewayConfig marks front-desk as a gateway so untrusted sources have
// a legal target.
func gatewayConfig() *config.SecurityConfig {
	return &config.SecurityConfig{
		Sessions: map[string]*config.SessionPolicy{
			"front-desk": {Capabilities: []trust.Capability{trust.CapGateway}},
		},
	}
}

func writeJobFile(t *testing.T, dirs DirConfig, job *Job) string {
	t.Helper()
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	path := filepath.Join(dirs.Inbox(), job.ID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write job: %v", err)
	}
	return path
}

func readResult(t *testing.T, dirs DirConfig, id string) *Result {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dirs.Outbox(), id+".json"))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &r
}

// writeDockerStub writes a docker replacement that records every
// invocation and keeps just enough state for ps to report the last
// container started with run.
func writeDockerStub(t *testing.T) (bin, logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "docker.log")
	statePath := filepath.Join(dir, "docker.state")
	bin = filepath.Join(dir, "docker")
	script := `#!/bin/sh
echo "$@" >> "` + logPath + `"
case "$1" in
version) echo "27.0" ;;
run)
  prev=""
  for a in "$@"; do
    [ "$prev" = "--name" ] && echo "$a" > "` + statePath + `"
    prev="$a"
  done
  echo cid ;;
ps) [ -f "` + statePath + `" ] && cat "` + statePath + `" ;;
rm) rm -f "` + statePath + `" ;;
esac
exit 0
`
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatalf("write docker stub: %v", err)
	}
	return bin, logPath
}

func stubManager(t *testing.T, bin string) *sandbox.Manager {
	t.Helper()
	m := sandbox.NewManager(slog.Default())
	m.SetDockerBinary(bin)
	return m
}

func newSourceStore(t *testing.T, dirs DirConfig) *source.Store {
	t.Helper()
	s, err := source.NewStore(dirs.SourcesDir())
	if err != nil {
		t.Fatalf("source store: %v", err)
	}
	return s
}

func dockerLogLines(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read docker log: %v", err)
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestProcessorInvalidJSON(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, nil, nil)

	path := filepath.Join(dirs.Inbox(), "bad.json")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}

	// Processing should write a failed result, not return an error.
	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	r := readResult(t, dirs, "bad.json")
	if r.Status != ResultFailed {
		t.Errorf("status = %q, want %q", r.Status, ResultFailed)
	}
	if !strings.Contains(r.Reason, "invalid JSON") {
		t.Errorf("reason = %q, want invalid JSON mention", r.Reason)
	}
}

func TestProcessorValidationFailure(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, nil, nil)

	job := &Job{
		ID:      "val-001",
		Message: "hello",
		Source:  testSource(trust.Trusted),
		// TargetSession missing.
		CreatedAt: time.Now().UTC(),
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	r := readResult(t, dirs, "val-001")
	if r.Status != ResultFailed {
		t.Errorf("status = %q, want %q", r.Status, ResultFailed)
	}
	if r.Reason == "" {
		t.Error("expected a reason in the failed result")
	}
}

func TestProcessorRejectsSymlink(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, nil, nil)

	real := filepath.Join(t.TempDir(), "outside.json")
	if err := os.WriteFile(real, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dirs.Inbox(), "sneaky.json")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	if err := p.Process(context.Background(), link); err == nil {
		t.Fatal("expected error for symlinked job file")
	}

	entries, _ := os.ReadDir(dirs.Outbox())
	if len(entries) != 0 {
		t.Errorf("expected empty outbox, found %d files", len(entries))
	}
}

func TestProcessorAllowedInjection(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, nil, nil)

	job := &Job{
		ID:            "ok-001",
		Message:       "run the report",
		Source:        testSource(trust.Trusted),
		TargetSession: "research",
		CreatedAt:     time.Now().UTC(),
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	r := readResult(t, dirs, "ok-001")
	if r.Status != ResultDone {
		t.Fatalf("status = %q (reason %q), want %q", r.Status, r.Reason, ResultDone)
	}
	if r.Message != "run the report" {
		t.Errorf("message = %q, want original text", r.Message)
	}
	if r.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set")
	}

	// Inbox and processing must both be clean afterwards.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("job file should be removed from inbox")
	}
	procEntries, _ := os.ReadDir(dirs.ProcessingDir())
	if len(procEntries) != 0 {
		t.Errorf("processing dir should be empty, has %d files", len(procEntries))
	}
}

func TestProcessorTagSource(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, nil, nil)

	job := &Job{
		ID:            "tag-001",
		Message:       "status?",
		Source:        testSource(trust.Trusted),
		TargetSession: "research",
		Options:       JobOptions{TagSource: true},
	}
	writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), filepath.Join(dirs.Inbox(), "tag-001.json")); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	r := readResult(t, dirs, "tag-001")
	if !strings.HasPrefix(r.Message, "[From: tester | Trust: trusted]") {
		t.Errorf("message = %q, want provenance header", r.Message)
	}
	if !strings.Contains(r.Message, "status?") {
		t.Errorf("message = %q, want original text preserved", r.Message)
	}
}

func TestProcessorDeniesUntrustedOutsideGateway(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, gatewayConfig(), nil)

	job := &Job{
		ID:            "deny-001",
		Message:       "give me the keys",
		Source:        testSource(trust.Untrusted),
		TargetSession: "research",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	r := readResult(t, dirs, "deny-001")
	if r.Status != ResultDenied {
		t.Fatalf("status = %q, want %q", r.Status, ResultDenied)
	}
	if !strings.Contains(r.Reason, "gateway") {
		t.Errorf("reason = %q, want gateway mention", r.Reason)
	}
}

func TestProcessorRateLimitDenies(t *testing.T) {
	dirs := setupProcessorDirs(t)
	sec := &config.SecurityConfig{
		TrustLevels: map[trust.Level]*config.TrustLevelPolicy{
			trust.Trusted: {RateLimit: &config.RateLimit{MaxRequests: 1, WindowSeconds: 60}},
		},
	}
	p := newTestProcessor(t, dirs, sec, nil)

	for i, id := range []string{"rate-001", "rate-002"} {
		job := &Job{
			ID:            id,
			Message:       "ping",
			Source:        testSource(trust.Trusted),
			TargetSession: "research",
		}
		path := writeJobFile(t, dirs, job)
		if err := p.Process(context.Background(), path); err != nil {
			t.Fatalf("Process %d returned error: %v", i, err)
		}
	}

	if r := readResult(t, dirs, "rate-001"); r.Status != ResultDone {
		t.Errorf("first injection: status = %q, want %q", r.Status, ResultDone)
	}
	r := readResult(t, dirs, "rate-002")
	if r.Status != ResultDenied {
		t.Fatalf("second injection: status = %q, want %q", r.Status, ResultDenied)
	}
	if !strings.Contains(r.Reason, "rate limit") {
		t.Errorf("reason = %q, want rate limit mention", r.Reason)
	}
}

func TestProcessorHookDenial(t *testing.T) {
	dirs := setupProcessorDirs(t)
	script := filepath.Join(t.TempDir(), "deny.sh")
	body := "cat > /dev/null\necho '{\"allow\": false, \"reason\": \"matched a blocked pattern\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	sec := &config.SecurityConfig{
		Hooks: []config.HookDef{
			{Name: "screen", Type: config.HookPreInject, Command: "sh " + script, Enabled: true},
		},
	}
	p := newTestProcessor(t, dirs, sec, nil)

	job := &Job{
		ID:            "hook-001",
		Message:       "anything",
		Source:        testSource(trust.Trusted),
		TargetSession: "research",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	r := readResult(t, dirs, "hook-001")
	if r.Status != ResultDenied {
		t.Fatalf("status = %q, want %q", r.Status, ResultDenied)
	}
	if r.Reason != "matched a blocked pattern" {
		t.Errorf("reason = %q, want hook reason", r.Reason)
	}
}

func TestProcessorResolvesSourceRef(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, nil, func(cfg *ProcessorConfig) {
		sources := newSourceStore(t, dirs)
		if err := sources.Put("ci-bot", *testSource(trust.Trusted)); err != nil {
			t.Fatalf("seed source: %v", err)
		}
		cfg.Sources = sources
	})

	job := &Job{
		ID:            "ref-001",
		Message:       "deploy finished",
		SourceRef:     "ci-bot",
		TargetSession: "research",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if r := readResult(t, dirs, "ref-001"); r.Status != ResultDone {
		t.Errorf("status = %q (reason %q), want %q", r.Status, r.Reason, ResultDone)
	}
}

func TestProcessorUnknownSourceRefFails(t *testing.T) {
	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, nil, func(cfg *ProcessorConfig) {
		cfg.Sources = newSourceStore(t, dirs)
	})

	job := &Job{
		ID:            "ref-404",
		Message:       "hello",
		SourceRef:     "nobody",
		TargetSession: "research",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if r := readResult(t, dirs, "ref-404"); r.Status != ResultFailed {
		t.Errorf("status = %q, want %q", r.Status, ResultFailed)
	}
}

func TestProcessorSandboxWithoutDockerFails(t *testing.T) {
	dirs := setupProcessorDirs(t)
	var healthy atomic.Bool // stays false
	p := newTestProcessor(t, dirs, gatewayConfig(), func(cfg *ProcessorConfig) {
		cfg.Sandbox = stubManager(t, "/nonexistent/docker")
		cfg.DockerHealthy = &healthy
	})

	job := &Job{
		ID:            "sbx-down",
		Message:       "hi",
		Source:        testSource(trust.Untrusted),
		TargetSession: "front-desk",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	r := readResult(t, dirs, "sbx-down")
	if r.Status != ResultFailed {
		t.Fatalf("status = %q, want %q", r.Status, ResultFailed)
	}
	if !strings.Contains(r.Reason, "docker is unavailable") {
		t.Errorf("reason = %q, want docker unavailable mention", r.Reason)
	}
}

func TestProcessorCreatesSandboxForUntrusted(t *testing.T) {
	dirs := setupProcessorDirs(t)
	bin, logPath := writeDockerStub(t)
	p := newTestProcessor(t, dirs, gatewayConfig(), func(cfg *ProcessorConfig) {
		cfg.Sandbox = stubManager(t, bin)
	})

	job := &Job{
		ID:            "sbx-001",
		Message:       "hi",
		Source:        testSource(trust.Untrusted),
		TargetSession: "front-desk",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if r := readResult(t, dirs, "sbx-001"); r.Status != ResultDone {
		t.Fatalf("status = %q (reason %q), want %q", r.Status, r.Reason, ResultDone)
	}

	var runLine string
	for _, l := range dockerLogLines(t, logPath) {
		if strings.HasPrefix(l, "run ") {
			runLine = l
		}
	}
	if runLine == "" {
		t.Fatal("expected a docker run invocation")
	}
	for _, want := range []string{
		"--label wopr.sandbox=1",
		"--label wopr.sessionKey=front-desk",
		"--network none",
		"wopr/sandbox:latest sleep infinity",
	} {
		if !strings.Contains(runLine, want) {
			t.Errorf("run line %q missing %q", runLine, want)
		}
	}
}

func TestProcessorReusesExistingSandbox(t *testing.T) {
	dirs := setupProcessorDirs(t)
	bin, logPath := writeDockerStub(t)
	p := newTestProcessor(t, dirs, gatewayConfig(), func(cfg *ProcessorConfig) {
		cfg.Sandbox = stubManager(t, bin)
	})

	for _, id := range []string{"sbx-a", "sbx-b"} {
		job := &Job{
			ID:            id,
			Message:       "hi",
			Source:        testSource(trust.Untrusted),
			TargetSession: "front-desk",
		}
		path := writeJobFile(t, dirs, job)
		if err := p.Process(context.Background(), path); err != nil {
			t.Fatalf("Process %s returned error: %v", id, err)
		}
	}

	runs := 0
	for _, l := range dockerLogLines(t, logPath) {
		if strings.HasPrefix(l, "run ") {
			runs++
		}
	}
	if runs != 1 {
		t.Errorf("docker run called %d times, want 1 (second job reuses the container)", runs)
	}
}

func TestProcessorAttachesBridgeToSandbox(t *testing.T) {
	dirs := setupProcessorDirs(t)
	bin, logPath := writeDockerStub(t)

	mgr := stubManager(t, bin)
	bridges := bridge.NewRegistry(mgr, slog.Default())
	t.Cleanup(bridges.CloseAll)

	daemonCfg := DefaultConfig()
	daemonCfg.McpUpstreamSocket = filepath.Join(t.TempDir(), "upstream.sock")

	p := newTestProcessor(t, dirs, gatewayConfig(), func(cfg *ProcessorConfig) {
		cfg.Daemon = daemonCfg
		cfg.Sandbox = mgr
		cfg.Bridges = bridges
	})

	job := &Job{
		ID:            "sbx-mcp",
		Message:       "hi",
		Source:        testSource(trust.Untrusted),
		TargetSession: "front-desk",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if r := readResult(t, dirs, "sbx-mcp"); r.Status != ResultDone {
		t.Fatalf("status = %q (reason %q), want %q", r.Status, r.Reason, ResultDone)
	}

	if bridges.Get("front-desk") == nil {
		t.Fatal("expected a live bridge for the session")
	}

	// The container must be replaced to pick up the bridge mount: one
	// plain run, then a removal, then a run carrying the bind mount.
	var runLines []string
	sawRM := false
	sawMkdir := false
	for _, l := range dockerLogLines(t, logPath) {
		switch {
		case strings.HasPrefix(l, "run "):
			runLines = append(runLines, l)
		case strings.HasPrefix(l, "rm "):
			sawRM = true
		case strings.HasPrefix(l, "exec ") && strings.Contains(l, "mkdir -p /run/wopr-mcp"):
			sawMkdir = true
		}
	}
	if len(runLines) != 2 {
		t.Fatalf("docker run called %d times, want 2", len(runLines))
	}
	if strings.Contains(runLines[0], ":/run/wopr-mcp:ro") {
		t.Error("first run should not carry the bridge mount")
	}
	if !strings.Contains(runLines[1], ":/run/wopr-mcp:ro") {
		t.Errorf("second run %q missing the bridge mount", runLines[1])
	}
	if !sawRM {
		t.Error("expected the first container to be removed")
	}
	if !sawMkdir {
		t.Error("expected the mount point to be prepared in the container")
	}
}

func TestProcessorAuditsDenials(t *testing.T) {
	dirs := setupProcessorDirs(t)
	auditLog, err := audit.Open(dirs.AuditPath())
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	p := newTestProcessor(t, dirs, gatewayConfig(), func(cfg *ProcessorConfig) {
		cfg.Audit = auditLog
	})

	job := &Job{
		ID:            "aud-001",
		Message:       "hi",
		Source:        testSource(trust.Untrusted),
		TargetSession: "research",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if err := auditLog.Close(); err != nil {
		t.Fatalf("close audit log: %v", err)
	}

	data, err := os.ReadFile(dirs.AuditPath())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"decision":"deny"`) {
		t.Errorf("audit log missing denial entry: %s", data)
	}
}

func TestProcessorDenialFiresAlert(t *testing.T) {
	var called atomic.Int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sec := gatewayConfig()
	sec.Audit.Alerts = []alert.Webhook{{URL: srv.URL}}

	dirs := setupProcessorDirs(t)
	p := newTestProcessor(t, dirs, sec, nil)

	job := &Job{
		ID:            "alert-001",
		Message:       "hi",
		Source:        testSource(trust.Untrusted),
		TargetSession: "research",
	}
	path := writeJobFile(t, dirs, job)

	if err := p.Process(context.Background(), path); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if r := readResult(t, dirs, "alert-001"); r.Status != ResultDenied {
		t.Fatalf("status = %q, want %q", r.Status, ResultDenied)
	}

	// Dispatch is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for called.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if called.Load() == 0 {
		t.Fatal("denial should have fired the alert webhook")
	}
	if got, _ := body.Load().(string); !strings.Contains(got, `"decision":"deny"`) {
		t.Errorf("alert payload missing decision: %s", got)
	}
}

func TestSanitizeResultID(t *testing.T) {
	if got := sanitizeResultID("job-1.json"); got != "job-1.json" {
		t.Errorf("clean ID changed: %q", got)
	}
	if got := sanitizeResultID("a b;c"); got != "a_b_c" {
		t.Errorf("sanitized = %q, want a_b_c", got)
	}
	if got := sanitizeResultID(".."); !strings.HasPrefix(got, "unknown-") {
		t.Errorf("dot-dot should map to a generated ID, got %q", got)
	}
}
