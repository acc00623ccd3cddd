package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wopr-net/wopr/internal/trust"
)

// testDaemonSetup returns dirs and a config that never touches a real
// docker daemon or binds a metrics port.
func testDaemonSetup(t *testing.T) (DirConfig, *Config) {
	t.Helper()
	dirs := DirConfig{Home: t.TempDir()}
	if err := EnsureDirs(dirs); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.MetricsAddr = ""
	cfg.DockerBinary = "/nonexistent/docker"
	cfg.PollMode = true
	cfg.PollInterval = 50 * time.Millisecond
	return dirs, cfg
}

func writeInboxJob(t *testing.T, dirs DirConfig, id string) {
	t.Helper()
	job := &Job{
		ID:            id,
		Message:       "hello",
		Source:        testSource(trust.Trusted),
		TargetSession: "research",
		CreatedAt:     time.Now().UTC(),
	}
	data, _ := json.MarshalIndent(job, "", "  ")
	if err := os.WriteFile(filepath.Join(dirs.Inbox(), id+".json"), data, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestNewDaemonValidation(t *testing.T) {
	_, err := New(DirConfig{}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing home directory")
	}
}

func TestDaemonProcessesExistingFiles(t *testing.T) {
	dirs, cfg := testDaemonSetup(t)
	writeInboxJob(t, dirs, "existing-001")

	d, err := New(dirs, cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	r := readResult(t, dirs, "existing-001")
	if r.Status != ResultDone {
		t.Errorf("status = %q (reason %q), want %q", r.Status, r.Reason, ResultDone)
	}
}

func TestDaemonPicksUpNewJobs(t *testing.T) {
	dirs, cfg := testDaemonSetup(t)

	d, err := New(dirs, cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Let startup finish, then drop a job in.
	deadline := time.Now().Add(2 * time.Second)
	for !d.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("daemon never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	writeInboxJob(t, dirs, "live-001")

	resultPath := filepath.Join(dirs.Outbox(), "live-001.json")
	deadline = time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(resultPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result never appeared in outbox")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop after context cancellation")
	}
	if d.Ready() {
		t.Error("daemon should not report ready after shutdown")
	}
}

func TestDaemonRecoverOrphans(t *testing.T) {
	dirs, cfg := testDaemonSetup(t)

	orphanPath := filepath.Join(dirs.ProcessingDir(), "orphan-001.json")
	if err := os.WriteFile(orphanPath, []byte(`{"id":"orphan-001"}`), 0600); err != nil {
		t.Fatal(err)
	}

	d, err := New(dirs, cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Error("orphan should be removed from processing")
	}

	r := readResult(t, dirs, "orphan-001")
	if r.Status != ResultFailed {
		t.Errorf("orphan result status = %q, want %q", r.Status, ResultFailed)
	}
	if r.Reason == "" {
		t.Error("orphan result should say why it failed")
	}
}

func TestDaemonGracefulShutdown(t *testing.T) {
	dirs, cfg := testDaemonSetup(t)
	d, err := New(dirs, cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on graceful shutdown, got: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop after context cancellation")
	}
}

func TestDaemonPIDLock(t *testing.T) {
	dirs, _ := testDaemonSetup(t)
	pidPath := dirs.PIDPath()

	// First lock should succeed.
	if err := acquirePIDLock(pidPath); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	// Second lock should fail (our process is still running).
	if err := acquirePIDLock(pidPath); err == nil {
		t.Error("expected error for duplicate PID lock")
	}

	_ = os.Remove(pidPath)
}

func TestDaemonPIDLockStaleCleanup(t *testing.T) {
	dirs, _ := testDaemonSetup(t)
	pidPath := dirs.PIDPath()

	// Write a stale PID (very high PID unlikely to be running).
	if err := os.WriteFile(pidPath, []byte("9999999"), 0600); err != nil {
		t.Fatal(err)
	}

	// Lock should succeed after cleaning stale PID.
	if err := acquirePIDLock(pidPath); err != nil {
		t.Fatalf("stale PID cleanup failed: %v", err)
	}

	_ = os.Remove(pidPath)
}
