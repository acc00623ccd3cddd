package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"syscall"
)

// ExecResult carries a finished subprocess's output and mapped exit code.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts subprocess execution so tests can script docker
// outputs without a daemon. The production implementation is osRunner.
type commandRunner interface {
	run(ctx context.Context, name string, args ...string) (ExecResult, error)
}

type osRunner struct {
	log *slog.Logger
}

// run executes name with args (argv style, never a shell) and returns
// the captured output. A non-zero exit is a result, not an error; the
// error return is reserved for spawn failures.
func (r osRunner) run(ctx context.Context, name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid, err := syscall.Getpgid(cmd.Process.Pid)
		if err == nil {
			return syscall.Kill(-pgid, syscall.SIGKILL)
		}
		return cmd.Process.Kill()
	}

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			code, anomalous := mapWaitStatus(ws)
			if anomalous {
				r.log.Warn("child process neither exited nor was signaled, treating as failure",
					"command", name, "status", uint32(ws))
			}
			res.ExitCode = code
			return res, nil
		}
		res.ExitCode = 1
		return res, nil
	}
	return res, err
}

// mapWaitStatus converts a raw wait status to a shell-style exit code:
// a normal exit keeps its code, a signal kill becomes 128+N, and a
// status that is neither (anomalous=true) maps to a generic failure.
// The anomalous case must never read as success.
func mapWaitStatus(ws syscall.WaitStatus) (code int, anomalous bool) {
	switch {
	case ws.Exited():
		return ws.ExitStatus(), false
	case ws.Signaled():
		return 128 + int(ws.Signal()), false
	default:
		return 1, true
	}
}
