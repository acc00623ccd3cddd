package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/bridge"
	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/metrics"
	"github.com/wopr-net/wopr/internal/policy"
	"github.com/wopr-net/wopr/internal/sandbox"
	"github.com/wopr-net/wopr/internal/source"
)

// limiterMaxAge is how long an idle rate limiter bucket survives before
// the sweep discards it.
const limiterMaxAge = time.Hour

// shutdownTimeout bounds container and bridge teardown after the run
// context is cancelled.
const shutdownTimeout = 30 * time.Second

// Daemon watches the inbox directory and enforces policy on each job.
type Daemon struct {
	dirs DirConfig
	cfg  *Config
	log  *slog.Logger

	store     *config.Store
	processor *Processor
	sandbox   *sandbox.Manager
	bridges   *bridge.Registry
	limiter   *policy.Limiter
	metrics   *metrics.Metrics
	registry  *prometheus.Registry

	dockerHealthy atomic.Bool
	ready         atomic.Bool
}

// New creates a daemon rooted at dirs.Home.
func New(dirs DirConfig, cfg *Config, log *slog.Logger) (*Daemon, error) {
	if dirs.Home == "" {
		return nil, fmt.Errorf("home directory is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{dirs: dirs, cfg: cfg, log: log}, nil
}

// Ready reports whether startup finished. Used by /readyz.
func (d *Daemon) Ready() bool { return d.ready.Load() }

// Run starts the daemon. Blocks until ctx is cancelled.
// On startup it recovers orphaned processing files and drains any
// existing inbox files before watching for new ones. On shutdown it
// closes all MCP bridges and removes all sandbox containers.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureDirs(d.dirs); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	// Acquire PID file lock to prevent duplicate instances.
	if err := acquirePIDLock(d.dirs.PIDPath()); err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	defer func() { _ = os.Remove(d.dirs.PIDPath()) }()

	auditLog, err := audit.Open(d.dirs.AuditPath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	d.store = config.NewStore(d.dirs.SecurityPath(), d.log)
	d.store.Current() // load now so validation warnings surface at startup

	sources, err := source.NewStore(d.dirs.SourcesDir())
	if err != nil {
		return fmt.Errorf("open source registry: %w", err)
	}

	d.registry = prometheus.NewRegistry()
	d.metrics = metrics.NewMetrics(d.registry)
	d.sandbox = sandbox.NewManager(d.log)
	d.sandbox.SetDockerBinary(d.cfg.DockerBinary)
	d.bridges = bridge.NewRegistry(d.sandbox, d.log)
	d.limiter = policy.NewLimiter()

	d.processor = NewProcessor(ProcessorConfig{
		Dirs:          d.dirs,
		Daemon:        d.cfg,
		Store:         d.store,
		Resolver:      policy.NewResolver(d.store, d.log),
		Pipeline:      hook.NewPipeline(d.store, auditLog, d.log),
		Limiter:       d.limiter,
		Sources:       sources,
		Sandbox:       d.sandbox,
		Bridges:       d.bridges,
		Audit:         auditLog,
		Metrics:       d.metrics,
		Log:           d.log,
		DockerHealthy: &d.dockerHealthy,
	})

	// Sandboxes are only usable when docker answers. The queue still
	// runs without it; only sandbox-requiring injections fail.
	if d.sandbox.IsDockerAvailable(ctx) {
		d.dockerHealthy.Store(true)
		d.metrics.DockerHealthy.Set(1)
	} else {
		d.log.Warn("docker unavailable; sandbox-requiring injections will fail until it returns")
		d.metrics.DockerHealthy.Set(0)
	}

	// Recovery: report orphaned processing files as failed results.
	if err := d.recoverOrphans(); err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}

	if d.cfg.MetricsAddr != "" {
		go startObservabilityServer(ctx, d.cfg.MetricsAddr, d.registry, d, d.log)
	}

	if reloader, err := NewConfigReloader(d.store, d.dirs.SecurityPath(), d.log); err != nil {
		d.log.Warn("config hot-reload disabled", "error", err)
	} else {
		go func() {
			if err := reloader.Run(ctx); err != nil {
				d.log.Warn("config reloader stopped", "error", err)
			}
		}()
	}

	go d.runSweeper(ctx)

	handler := func(path string) {
		if err := d.processor.Process(ctx, path); err != nil {
			d.log.Error("job processing failed", "file", filepath.Base(path), "error", err)
		}
	}

	// Process any existing inbox files.
	if err := ScanExisting(d.dirs.Inbox(), handler); err != nil {
		return fmt.Errorf("scan existing: %w", err)
	}

	d.ready.Store(true)
	d.log.Info("daemon started",
		"home", d.dirs.Home,
		"config_hash", d.store.Hash(),
		"docker", d.dockerHealthy.Load())

	var runErr error
	if d.cfg.PollMode {
		pw := NewPollWatcher(d.dirs.Inbox(), handler, d.cfg.PollInterval)
		runErr = pw.Run(ctx)
	} else {
		w := NewInboxWatcher(d.dirs.Inbox(), handler)
		runErr = w.Run(ctx)
	}

	d.ready.Store(false)
	d.shutdown()
	return runErr
}

// shutdown tears down bridges and sandbox containers. The run context is
// already cancelled at this point so teardown gets its own deadline.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.bridges.CloseAll()
	if d.dockerHealthy.Load() {
		if n := d.sandbox.CleanupAllSandboxes(ctx); n > 0 {
			d.log.Info("removed sandbox containers", "count", n)
		}
	}
	d.log.Info("daemon stopped")
}

// runSweeper periodically re-probes docker, prunes idle rate limiter
// buckets, and refreshes gauges.
func (d *Daemon) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.probeDocker(ctx)
			if n := d.limiter.Prune(limiterMaxAge); n > 0 {
				d.log.Debug("pruned idle rate limiter buckets", "count", n)
			}
			d.metrics.BridgesActive.Set(float64(d.bridges.Count()))
		}
	}
}

// probeDocker refreshes the docker health flag, logging transitions.
func (d *Daemon) probeDocker(ctx context.Context) {
	ok := d.sandbox.IsDockerAvailable(ctx)
	prev := d.dockerHealthy.Swap(ok)
	if ok != prev {
		if ok {
			d.log.Info("docker became available")
		} else {
			d.log.Warn("docker unavailable; sandbox-requiring injections will fail until it returns")
		}
	}
	if ok {
		d.metrics.DockerHealthy.Set(1)
	} else {
		d.metrics.DockerHealthy.Set(0)
	}
}

// recoverOrphans reports files left in state/processing/ as failed
// results. These are jobs that were interrupted by a crash or restart.
func (d *Daemon) recoverOrphans() error {
	procDir := d.dirs.ProcessingDir()
	entries, err := os.ReadDir(procDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() || !isJobFile(e.Name()) {
			continue
		}
		id := e.Name()[:len(e.Name())-5] // strip .json
		result := &Result{
			ID:          id,
			Status:      ResultFailed,
			Reason:      "interrupted: job was processing when daemon stopped",
			CompletedAt: time.Now().UTC(),
		}
		if err := d.processor.writeResult(result); err != nil {
			d.log.Error("orphan recovery failed", "job", id, "error", err)
		}
		_ = os.Remove(filepath.Join(procDir, e.Name()))
	}
	return nil
}

// acquirePIDLock writes the current PID to the file and checks for stale locks.
func acquirePIDLock(path string) error {
	// Check for existing PID file.
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(string(data))
		if err == nil {
			// Check if the process is still running.
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another daemon is running (PID %d)", pid)
				}
			}
		}
		// Stale PID file — remove it.
		_ = os.Remove(path)
	}

	// Write our PID.
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
