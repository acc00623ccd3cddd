package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/wopr-net/wopr/internal/config"
)

// fakeRunner records every invocation and answers from a scripted
// response function, so manager behavior can be tested without Docker.
type fakeCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls   []fakeCall
	respond func(args []string) (ExecResult, error)
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (ExecResult, error) {
	f.calls = append(f.calls, fakeCall{name: name, args: args})
	if f.respond == nil {
		return ExecResult{}, nil
	}
	return f.respond(args)
}

func newTestManager(f *fakeRunner) *Manager {
	return &Manager{runner: f, log: slog.Default(), docker: "docker"}
}

func isPS(args []string) bool { return len(args) > 0 && args[0] == "ps" }
func isRM(args []string) bool { return len(args) > 0 && args[0] == "rm" }

func rmCalls(calls []fakeCall) []fakeCall {
	var out []fakeCall
	for _, c := range calls {
		if isRM(c.args) {
			out = append(out, c)
		}
	}
	return out
}

func TestDestroyRemovesEachListedContainer(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		if isPS(args) {
			return ExecResult{Stdout: "a\nb\nc\n"}, nil
		}
		return ExecResult{}, nil
	}}
	m := newTestManager(f)

	removed := m.DestroySandbox(context.Background(), "sess-1")
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	rms := rmCalls(f.calls)
	if len(rms) != 3 {
		t.Fatalf("rm invocations = %d, want 3", len(rms))
	}
	for i, want := range []string{"a", "b", "c"} {
		got := rms[i].args
		if len(got) != 3 || got[1] != "-f" || got[2] != want {
			t.Errorf("rm[%d] args = %v, want [rm -f %s]", i, got, want)
		}
	}
}

func TestDestroySkipsBlankLines(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		if isPS(args) {
			return ExecResult{Stdout: "a\n\n\nb\n\n"}, nil
		}
		return ExecResult{}, nil
	}}
	m := newTestManager(f)

	removed := m.DestroySandbox(context.Background(), "sess-1")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if rms := rmCalls(f.calls); len(rms) != 2 {
		t.Errorf("rm invocations = %d, want 2 (blank lines must not become containers)", len(rms))
	}
}

func TestDestroyContinuesPastFailedRemovals(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		if isPS(args) {
			return ExecResult{Stdout: "a\nb\nc\n"}, nil
		}
		if isRM(args) && args[2] == "b" {
			return ExecResult{ExitCode: 1, Stderr: "removal in progress"}, nil
		}
		return ExecResult{}, nil
	}}
	m := newTestManager(f)

	removed := m.DestroySandbox(context.Background(), "sess-1")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if rms := rmCalls(f.calls); len(rms) != 3 {
		t.Errorf("rm invocations = %d, want 3 (one failure must not stop the rest)", len(rms))
	}
}

func TestDestroyToleratesListFailure(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		return ExecResult{}, fmt.Errorf("docker daemon unreachable")
	}}
	m := newTestManager(f)

	if removed := m.DestroySandbox(context.Background(), "sess-1"); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if rms := rmCalls(f.calls); len(rms) != 0 {
		t.Errorf("rm invocations = %d, want 0", len(rms))
	}
}

func TestDestroyScopesLookupBySessionLabel(t *testing.T) {
	f := &fakeRunner{}
	m := newTestManager(f)
	m.DestroySandbox(context.Background(), "sess-1")

	if len(f.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.calls))
	}
	got := strings.Join(f.calls[0].args, " ")
	want := "ps -a --filter label=wopr.sessionKey=sess-1 --format {{.Names}}"
	if got != want {
		t.Errorf("ps args = %q, want %q", got, want)
	}
}

func TestCleanupScopesLookupBySandboxLabel(t *testing.T) {
	f := &fakeRunner{}
	m := newTestManager(f)
	m.CleanupAllSandboxes(context.Background())

	got := strings.Join(f.calls[0].args, " ")
	want := "ps -a --filter label=wopr.sandbox=1 --format {{.Names}}"
	if got != want {
		t.Errorf("ps args = %q, want %q", got, want)
	}
}

func TestDestroyRejectsInvalidSessionKey(t *testing.T) {
	f := &fakeRunner{}
	m := newTestManager(f)

	for _, key := range []string{"", "../etc", "a b", "-leading", "k;ey"} {
		if removed := m.DestroySandbox(context.Background(), key); removed != 0 {
			t.Errorf("DestroySandbox(%q) removed %d, want 0", key, removed)
		}
	}
	if len(f.calls) != 0 {
		t.Errorf("docker invoked %d times for invalid keys, want 0", len(f.calls))
	}
}

func boolPtr(b bool) *bool { return &b }

func TestCreateSandboxBuildsRunArgs(t *testing.T) {
	f := &fakeRunner{}
	m := newTestManager(f)
	sc := &config.SandboxConfig{
		Enabled:         boolPtr(true),
		WorkspaceAccess: config.WorkspaceRO,
		Image:           "custom:v2",
		Network:         config.NetworkBridge,
	}
	opts := CreateOptions{
		Workspace: "/srv/proj",
		ExtraArgs: []string{"-v", "/tmp/mcp:/run/wopr-mcp:ro"},
	}

	name, err := m.CreateSandbox(context.Background(), "sess-1", sc, opts)
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if !strings.HasPrefix(name, "wopr-sbx-sess-1-") {
		t.Errorf("container name = %q, want wopr-sbx-sess-1-<suffix>", name)
	}

	args := f.calls[0].args
	got := strings.Join(args, " ")
	want := "run -d --name " + name +
		" --label wopr.sandbox=1 --label wopr.sessionKey=sess-1" +
		" --network bridge" +
		" -v /srv/proj:/workspace:ro" +
		" -v /tmp/mcp:/run/wopr-mcp:ro" +
		" custom:v2 sleep infinity"
	if got != want {
		t.Errorf("run args:\n got %q\nwant %q", got, want)
	}
}

func TestCreateSandboxDefaultsToIsolated(t *testing.T) {
	f := &fakeRunner{}
	m := newTestManager(f)

	_, err := m.CreateSandbox(context.Background(), "s", &config.SandboxConfig{}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	got := strings.Join(f.calls[0].args, " ")
	if !strings.Contains(got, "--network none") {
		t.Errorf("args %q missing --network none default", got)
	}
	if !strings.Contains(got, " "+config.DefaultImage+" sleep infinity") {
		t.Errorf("args %q missing default image", got)
	}
	if strings.Contains(got, "-v ") {
		t.Errorf("args %q mount a workspace without one configured", got)
	}
}

func TestCreateSandboxWorkspaceModes(t *testing.T) {
	tests := []struct {
		access    string
		wantMount string
	}{
		{config.WorkspaceRO, "-v /ws:/workspace:ro"},
		{config.WorkspaceRW, "-v /ws:/workspace:rw"},
		{config.WorkspaceNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.access, func(t *testing.T) {
			f := &fakeRunner{}
			m := newTestManager(f)
			sc := &config.SandboxConfig{WorkspaceAccess: tt.access}
			if _, err := m.CreateSandbox(context.Background(), "s", sc, CreateOptions{Workspace: "/ws"}); err != nil {
				t.Fatalf("CreateSandbox: %v", err)
			}
			got := strings.Join(f.calls[0].args, " ")
			if tt.wantMount == "" {
				if strings.Contains(got, "/workspace") {
					t.Errorf("args %q mount workspace despite access=none", got)
				}
			} else if !strings.Contains(got, tt.wantMount) {
				t.Errorf("args %q missing %q", got, tt.wantMount)
			}
		})
	}
}

func TestCreateSandboxSurfacesDockerFailure(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		return ExecResult{ExitCode: 125, Stderr: "Unable to find image 'custom:v2'\nmore detail"}, nil
	}}
	m := newTestManager(f)

	_, err := m.CreateSandbox(context.Background(), "s", &config.SandboxConfig{Image: "custom:v2"}, CreateOptions{})
	if err == nil {
		t.Fatal("expected error from failed docker run")
	}
	if !strings.Contains(err.Error(), "125") || !strings.Contains(err.Error(), "Unable to find image") {
		t.Errorf("error %q should carry exit code and stderr", err)
	}
}

func TestCreateSandboxRejectsInvalidKey(t *testing.T) {
	f := &fakeRunner{}
	m := newTestManager(f)
	if _, err := m.CreateSandbox(context.Background(), "bad key", &config.SandboxConfig{}, CreateOptions{}); err == nil {
		t.Fatal("expected error for session key with a space")
	}
	if len(f.calls) != 0 {
		t.Error("docker must not be invoked for an invalid key")
	}
}

func TestContainerForSession(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		return ExecResult{Stdout: "wopr-sbx-s-ab12\n"}, nil
	}}
	m := newTestManager(f)

	name, err := m.ContainerForSession(context.Background(), "s")
	if err != nil {
		t.Fatalf("ContainerForSession: %v", err)
	}
	if name != "wopr-sbx-s-ab12" {
		t.Errorf("name = %q", name)
	}
	got := strings.Join(f.calls[0].args, " ")
	if strings.Contains(got, " -a ") {
		t.Errorf("lookup must only consider running containers, got %q", got)
	}
	if !strings.Contains(got, "label=wopr.sessionKey=s") {
		t.Errorf("lookup not scoped to session, got %q", got)
	}
}

func TestContainerForSessionNone(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		return ExecResult{Stdout: "\n"}, nil
	}}
	m := newTestManager(f)

	name, err := m.ContainerForSession(context.Background(), "s")
	if err != nil {
		t.Fatalf("ContainerForSession: %v", err)
	}
	if name != "" {
		t.Errorf("name = %q, want empty for no container", name)
	}
}

func TestListSandboxes(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		return ExecResult{Stdout: "wopr-sbx-a-1\talpha\tUp 2 minutes\nwopr-sbx-b-2\tbeta\tUp 5 seconds\n"}, nil
	}}
	m := newTestManager(f)

	infos, err := m.ListSandboxes(context.Background())
	if err != nil {
		t.Fatalf("ListSandboxes: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %d, want 2", len(infos))
	}
	if infos[0].Name != "wopr-sbx-a-1" || infos[0].SessionKey != "alpha" || infos[0].Status != "Up 2 minutes" {
		t.Errorf("infos[0] = %+v", infos[0])
	}
	if infos[1].SessionKey != "beta" {
		t.Errorf("infos[1] = %+v", infos[1])
	}
}

func TestIsDockerAvailable(t *testing.T) {
	tests := []struct {
		name    string
		respond func(args []string) (ExecResult, error)
		want    bool
	}{
		{"clean exit", func(args []string) (ExecResult, error) {
			return ExecResult{Stdout: "27.0.1\n"}, nil
		}, true},
		{"nonzero exit", func(args []string) (ExecResult, error) {
			return ExecResult{ExitCode: 1, Stderr: "Cannot connect to the Docker daemon"}, nil
		}, false},
		{"spawn error", func(args []string) (ExecResult, error) {
			return ExecResult{}, fmt.Errorf("executable not found")
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(&fakeRunner{respond: tt.respond})
			if got := m.IsDockerAvailable(context.Background()); got != tt.want {
				t.Errorf("IsDockerAvailable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecInContainer(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		return ExecResult{Stdout: "hi\n"}, nil
	}}
	m := newTestManager(f)

	res, err := m.ExecInContainer(context.Background(), "wopr-sbx-s-1", "echo", "hi")
	if err != nil {
		t.Fatalf("ExecInContainer: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	got := strings.Join(f.calls[0].args, " ")
	if got != "exec wopr-sbx-s-1 echo hi" {
		t.Errorf("args = %q", got)
	}
}

func TestExecInContainerValidation(t *testing.T) {
	m := newTestManager(&fakeRunner{})
	if _, err := m.ExecInContainer(context.Background(), "", "echo"); err == nil {
		t.Error("expected error for empty container")
	}
	if _, err := m.ExecInContainer(context.Background(), "c"); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestExecResolvesSessionContainer(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		if isPS(args) {
			return ExecResult{Stdout: "wopr-sbx-s-9f\n"}, nil
		}
		return ExecResult{Stdout: "ok\n"}, nil
	}}
	m := newTestManager(f)

	res, err := m.Exec(context.Background(), "s", []string{"ls", "/"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	last := strings.Join(f.calls[len(f.calls)-1].args, " ")
	if last != "exec wopr-sbx-s-9f ls /" {
		t.Errorf("exec args = %q", last)
	}
}

func TestExecWithoutSandboxErrors(t *testing.T) {
	f := &fakeRunner{respond: func(args []string) (ExecResult, error) {
		return ExecResult{Stdout: ""}, nil
	}}
	m := newTestManager(f)

	if _, err := m.Exec(context.Background(), "s", []string{"ls"}); err == nil {
		t.Fatal("expected error when session has no container")
	}
}

func TestNamesFromPS(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"a\nb\nc\n", 3},
		{"a\n\n\nb\n\n", 2},
		{"", 0},
		{"\n\n", 0},
		{"  padded  \n", 1},
	}
	for _, tt := range tests {
		if got := namesFromPS(tt.in); len(got) != tt.want {
			t.Errorf("namesFromPS(%q) = %v, want %d names", tt.in, got, tt.want)
		}
	}
}
