package harness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/weiihann/depbench/procmon"
)

// Invocation identifies one measured tool run on one project.
type Invocation struct {
	Tool    Tool
	Project string
	Command CommandConfig
}

// Invoker runs tool commands under a memory sampler and an optional
// timeout guard.
type Invoker struct {
	Timeout time.Duration
	Sampler procmon.SamplerConfig
	Killer  procmon.TreeKiller
	Echo    io.Writer
	Env     []string
	Logger  *slog.Logger
}

// NewInvoker creates an Invoker. A zero timeout disables the guard; a nil
// echo discards tool output.
func NewInvoker(
	timeout time.Duration,
	sampler procmon.SamplerConfig,
	echo io.Writer,
	logger *slog.Logger,
) *Invoker {
	if echo == nil {
		echo = io.Discard
	}

	if sampler.Logger == nil {
		sampler.Logger = logger
	}

	return &Invoker{
		Timeout: timeout,
		Sampler: sampler,
		Killer:  procmon.ProcessTree{},
		Echo:    echo,
		Logger:  logger,
	}
}

// Invoke runs one tool to completion and returns its measurement. Tool
// failures are reported through the measurement; the error is non-nil only
// when ctx was canceled while the tool ran.
func (iv *Invoker) Invoke(ctx context.Context, inv Invocation) (Measurement, error) {
	logger := iv.Logger.With(
		slog.String("project", inv.Project),
		slog.String("tool", inv.Tool.Label()),
	)

	if p := inv.Command.Prerequisite; p != "" {
		if _, err := os.Stat(p); err != nil {
			logger.WarnContext(ctx, "prerequisite missing, skipped",
				slog.String("path", p),
			)

			return Skipped(inv.Tool, StatusMissingPrerequisite), nil
		}
	}

	m := Measurement{Tool: inv.Tool, PeakBytes: procmon.PeakUnavailable}

	if dir := inv.Command.Dir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.ErrorContext(ctx, "create scratch dir",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)

			return failed(m), nil
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		logger.ErrorContext(ctx, "create output pipe",
			slog.String("error", err.Error()),
		)

		return failed(m), nil
	}
	defer pr.Close()

	cmd := exec.Command(inv.Command.Binary, inv.Command.Args...)
	cmd.Dir = inv.Command.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw

	if len(iv.Env) > 0 {
		cmd.Env = append(os.Environ(), iv.Env...)
	}

	logger.InfoContext(ctx, "starting tool",
		slog.String("binary", inv.Command.Binary),
		slog.String("args", strings.Join(inv.Command.Args, " ")),
		slog.String("dir", inv.Command.Dir),
	)

	m.Start = time.Now()

	if err := cmd.Start(); err != nil {
		pw.Close()
		logger.ErrorContext(ctx, "start tool",
			slog.String("error", err.Error()),
		)

		return failed(m), nil
	}

	// The child holds its own copy of the write end.
	pw.Close()

	pid := cmd.Process.Pid
	killer := iv.Killer
	if killer == nil {
		killer = procmon.ProcessTree{}
	}

	kill := func(reason string) {
		if err := killer.KillTree(context.WithoutCancel(ctx), pid); err != nil {
			logger.Error("kill process tree",
				slog.String("reason", reason),
				slog.Int("pid", pid),
				slog.String("error", err.Error()),
			)
		}
	}

	sampler := procmon.StartSampler(ctx, pid, iv.Sampler)
	guard := Arm(iv.Timeout, func() {
		logger.Warn("tool timed out, killing process tree",
			slog.Duration("timeout", iv.Timeout),
			slog.Int("pid", pid),
		)
		kill("timeout")
	})
	stopInterrupt := context.AfterFunc(ctx, func() { kill("interrupt") })

	iv.drain(ctx, logger, pr)

	m.End = time.Now()
	m.Elapsed = m.End.Sub(m.Start)

	if guard.Cancel() {
		logger.DebugContext(ctx, "tool finished before timeout, guard canceled")
	}

	waitErr := cmd.Wait()
	stopInterrupt()
	m.PeakBytes = sampler.Stop()

	switch {
	case guard.Fired():
		m.Status, m.Cause = StatusTimeout, CauseTimedOut

	case sampler.Exceeded():
		m.Status, m.Cause = StatusFailed, CauseMemoryCeiling

	case ctx.Err() != nil:
		m.Status, m.Cause = StatusFailed, CauseCrashed

		return m, fmt.Errorf("run %s on %s: %w",
			inv.Tool.Label(), inv.Project, ctx.Err())

	case waitErr != nil:
		m.Status, m.Cause = StatusSuccess, CauseCrashed
		m.ExitCode = -1

		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			m.ExitCode = exitErr.ExitCode()
		}

		logger.WarnContext(ctx, "tool exited abnormally",
			slog.Int("exit_code", m.ExitCode),
			slog.String("error", waitErr.Error()),
		)

	default:
		m.Status, m.Cause = StatusSuccess, CauseNormal
	}

	logger.InfoContext(ctx, "tool finished",
		slog.String("status", string(m.Status)),
		slog.Duration("wall_time", m.Elapsed),
		slog.Float64("time_s", m.Seconds()),
		slog.Float64("memory_mib", m.MemoryMiB()),
	)

	return m, nil
}

// drain echoes the merged output stream line by line until it closes.
// Invalid UTF-8 is replaced and reported once.
func (iv *Invoker) drain(ctx context.Context, logger *slog.Logger, r io.Reader) {
	br := bufio.NewReader(r)
	warned, echoFailed := false, false

	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if !utf8.ValidString(line) {
				if !warned {
					logger.WarnContext(ctx, "suppressing an encoding error in tool output")
					warned = true
				}

				line = strings.ToValidUTF8(line, "�")
			}

			if _, werr := io.WriteString(iv.Echo, line); werr != nil && !echoFailed {
				logger.WarnContext(ctx, "echo tool output",
					slog.String("error", werr.Error()),
				)
				echoFailed = true
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.WarnContext(ctx, "read tool output",
					slog.String("error", err.Error()),
				)
			}

			return
		}
	}
}

func failed(m Measurement) Measurement {
	m.Status = StatusFailed
	m.Cause = CauseCrashed
	m.PeakBytes = procmon.PeakUnavailable

	if !m.Start.IsZero() {
		m.End = time.Now()
		m.Elapsed = m.End.Sub(m.Start)
	}

	return m
}
