package harness

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/weiihann/depbench/procmon"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func shell(script string) CommandConfig {
	return CommandConfig{Binary: "sh", Args: []string{"-c", script}}
}

type countingKiller struct {
	mu    sync.Mutex
	pids  []int
	inner procmon.TreeKiller
}

func (k *countingKiller) KillTree(ctx context.Context, pid int) error {
	k.mu.Lock()
	k.pids = append(k.pids, pid)
	k.mu.Unlock()

	return k.inner.KillTree(ctx, pid)
}

func (k *countingKiller) Calls() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.pids)
}

func TestInvokeEchoesOutput(t *testing.T) {
	requireShell(t)

	var echo bytes.Buffer
	iv := NewInvoker(0, procmon.SamplerConfig{}, &echo, testLogger())

	m, err := iv.Invoke(context.Background(), Invocation{
		Tool:    ToolDepends,
		Project: "demo",
		Command: shell("echo hello; echo world >&2"),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if m.Status != StatusSuccess {
		t.Errorf("status = %q, want success", m.Status)
	}
	if m.Cause != CauseNormal {
		t.Errorf("cause = %q, want normal", m.Cause)
	}
	if m.Seconds() < 0 {
		t.Errorf("time cell = %v, want non-negative", m.Seconds())
	}
	// Sampling is disabled in this invoker.
	if m.MemoryMiB() != Failed {
		t.Errorf("memory cell = %v, want -1", m.MemoryMiB())
	}

	out := echo.String()
	if !strings.Contains(out, "hello\n") || !strings.Contains(out, "world\n") {
		t.Errorf("echo = %q, want both streams", out)
	}
}

func TestInvokeSamplesMemory(t *testing.T) {
	requireShell(t)

	iv := NewInvoker(0, procmon.SamplerConfig{
		Interval: 10 * time.Millisecond,
		Reader:   procmon.ProcessTree{},
	}, nil, testLogger())

	m, err := iv.Invoke(context.Background(), Invocation{
		Tool:    ToolENRE,
		Project: "demo",
		Command: shell("sleep 0.3"),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if m.PeakBytes <= 0 {
		t.Errorf("peak = %d, want a positive sample", m.PeakBytes)
	}
	if m.MemoryMiB() <= 0 {
		t.Errorf("memory cell = %v, want positive", m.MemoryMiB())
	}
}

func TestInvokeShortLivedChildIsNeverNotMeasured(t *testing.T) {
	requireShell(t)

	iv := NewInvoker(0, procmon.SamplerConfig{
		Interval: 10 * time.Millisecond,
		Reader:   procmon.ProcessTree{},
	}, nil, testLogger())

	for i := 0; i < 20; i++ {
		m, err := iv.Invoke(context.Background(), Invocation{
			Tool:    ToolENRE,
			Project: "demo",
			Command: CommandConfig{Binary: "true"},
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}

		if m.Status != StatusSuccess {
			t.Fatalf("run %d: status = %q, want success", i, m.Status)
		}
		if m.MemoryMiB() == 0 {
			t.Fatalf("run %d: memory cell = 0 for a measured run, peak = %d", i, m.PeakBytes)
		}
	}
}

func TestInvokeTimeoutKillsTree(t *testing.T) {
	requireShell(t)

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	killer := &countingKiller{inner: procmon.ProcessTree{}}
	iv := NewInvoker(300*time.Millisecond, procmon.SamplerConfig{}, nil, testLogger())
	iv.Killer = killer

	start := time.Now()
	m, err := iv.Invoke(context.Background(), Invocation{
		Tool:    ToolUnderstand,
		Project: "slow",
		Command: shell("sleep 30 & echo $! > " + pidFile + "; wait"),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if time.Since(start) > 10*time.Second {
		t.Fatal("timed-out invocation was not cut short")
	}
	if m.Status != StatusTimeout {
		t.Errorf("status = %q, want timeout", m.Status)
	}
	if m.Seconds() != Failed {
		t.Errorf("time cell = %v, want -1", m.Seconds())
	}
	if killer.Calls() != 1 {
		t.Errorf("kill calls = %d, want 1", killer.Calls())
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}

	childPID, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse child pid: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !processEnded(childPID) {
		if time.Now().After(deadline) {
			t.Fatalf("child %d survived the timeout", childPID)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// processEnded treats zombies as ended: in containers the orphan may never
// be reaped.
func processEnded(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}

	status, err := p.Status()
	if err != nil {
		return true
	}

	for _, s := range status {
		if s == process.Zombie {
			return true
		}
	}

	return false
}

func TestInvokeNonZeroExitKeepsTiming(t *testing.T) {
	requireShell(t)

	iv := NewInvoker(0, procmon.SamplerConfig{}, nil, testLogger())

	m, err := iv.Invoke(context.Background(), Invocation{
		Tool:    ToolDepends,
		Project: "broken",
		Command: shell("exit 3"),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if m.Status != StatusSuccess || m.Cause != CauseCrashed {
		t.Errorf("status/cause = %q/%q, want success/crashed", m.Status, m.Cause)
	}
	if m.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", m.ExitCode)
	}
	if m.Seconds() < 0 {
		t.Errorf("time cell = %v, want measured", m.Seconds())
	}
}

func TestInvokeToleratesInvalidUTF8(t *testing.T) {
	requireShell(t)

	var echo bytes.Buffer
	iv := NewInvoker(0, procmon.SamplerConfig{}, &echo, testLogger())

	m, err := iv.Invoke(context.Background(), Invocation{
		Tool:    ToolENRE,
		Project: "latin1",
		Command: shell(`printf 'caf\351\n'; echo after`),
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if m.Status != StatusSuccess {
		t.Errorf("status = %q, want success", m.Status)
	}
	if !strings.Contains(echo.String(), "caf�\n") {
		t.Errorf("echo = %q, want replacement character", echo.String())
	}
	if !strings.Contains(echo.String(), "after") {
		t.Error("output after the bad line was not drained")
	}
}

func TestInvokeMissingBinary(t *testing.T) {
	iv := NewInvoker(0, procmon.SamplerConfig{}, nil, testLogger())

	m, err := iv.Invoke(context.Background(), Invocation{
		Tool:    ToolDepends,
		Project: "demo",
		Command: CommandConfig{Binary: filepath.Join(t.TempDir(), "no-such-tool")},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if m.Status != StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	if m.Seconds() != Failed || m.MemoryMiB() != Failed {
		t.Errorf("cells = %v/%v, want -1/-1", m.Seconds(), m.MemoryMiB())
	}
}

func TestInvokeMissingPrerequisite(t *testing.T) {
	iv := NewInvoker(0, procmon.SamplerConfig{}, nil, testLogger())

	m, err := iv.Invoke(context.Background(), Invocation{
		Tool:    ToolSourceTrail,
		Project: "demo",
		Command: CommandConfig{
			Binary:       "sourcetrail",
			Prerequisite: filepath.Join(t.TempDir(), "demo.srctrlprj"),
		},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if m.Status != StatusMissingPrerequisite {
		t.Errorf("status = %q, want missing_prerequisite", m.Status)
	}
	if m.Seconds() != NotMeasured || m.MemoryMiB() != NotMeasured {
		t.Errorf("cells = %v/%v, want 0/0", m.Seconds(), m.MemoryMiB())
	}
}

func TestInvokeContextCanceled(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	iv := NewInvoker(0, procmon.SamplerConfig{}, nil, testLogger())

	_, err := iv.Invoke(ctx, Invocation{
		Tool:    ToolDepends,
		Project: "demo",
		Command: shell("sleep 30"),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestInvokeCreatesScratchDir(t *testing.T) {
	requireShell(t)

	dir := filepath.Join(t.TempDir(), "out", "enre-java")
	iv := NewInvoker(0, procmon.SamplerConfig{}, nil, testLogger())

	cmd := shell("pwd > where.txt")
	cmd.Dir = dir

	if _, err := iv.Invoke(context.Background(), Invocation{
		Tool: ToolENRE, Project: "demo", Command: cmd,
	}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "where.txt")); err != nil {
		t.Errorf("tool did not run inside its scratch dir: %v", err)
	}
}

func TestInvokeRelativeLayoutReachesRepository(t *testing.T) {
	requireShell(t)

	root := t.TempDir()
	prevWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevWD) })

	for _, dir := range []string{filepath.Join("repo", "proj"), "tools"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join("tools", "depends.jar"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// Stands in for java: fails unless the jar and the repository resolve
	// from the tool's working directory.
	java := filepath.Join(root, "java")
	script := "#!/bin/sh\n[ -f \"$2\" ] || exit 4\n[ -d \"$4\" ] || exit 3\n"
	if err := os.WriteFile(java, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	l := Layout{
		RepoDir:    "repo",
		OutDir:     "out",
		ToolsDir:   "tools",
		Java:       java,
		DependsJar: "depends.jar",
	}

	cmd, err := BuildCommand(l, ToolDepends, LangJava, "proj")
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	iv := NewInvoker(0, procmon.SamplerConfig{}, nil, testLogger())

	m, err := iv.Invoke(context.Background(), Invocation{Tool: ToolDepends, Project: "proj", Command: cmd})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if m.Cause != CauseNormal || m.ExitCode != 0 {
		t.Errorf("cause = %q exit = %d, want normal exit 0 (args %q, dir %q)",
			m.Cause, m.ExitCode, cmd.Args, cmd.Dir)
	}
}
