package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/weiihann/depbench/harness"
	"github.com/weiihann/depbench/loc"
	"github.com/weiihann/depbench/projectlist"
	"github.com/weiihann/depbench/vcs"
)

// ToolRunner runs one measured tool invocation.
type ToolRunner interface {
	Invoke(ctx context.Context, inv harness.Invocation) (harness.Measurement, error)
}

// Materializer makes a project repository available locally.
type Materializer interface {
	Ensure(ctx context.Context, name, url, dest string) (vcs.Outcome, error)
}

// Recorder persists finished rows.
type Recorder interface {
	Append(rec *harness.RunRecord) error
	Commit() error
}

// Journal receives every measurement taken.
type Journal interface {
	RecordInvocation(ctx context.Context, project string, m harness.Measurement) error
}

// State is a step of the per-project state machine.
type State int

const (
	StateNeedsClone State = iota
	StateCloning
	StateReady
	StateMeasuringLoC
	StateMeasuringTool
	StateRecorded
	StateAbandoned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNeedsClone:
		return "needs_clone"
	case StateCloning:
		return "cloning"
	case StateReady:
		return "ready"
	case StateMeasuringLoC:
		return "measuring_loc"
	case StateMeasuringTool:
		return "measuring_tool"
	case StateRecorded:
		return "recorded"
	case StateAbandoned:
		return "abandoned"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is reported after each project.
type Progress struct {
	Done    int
	Total   int
	Project string
	State   State
}

// Summary describes a finished batch.
type Summary struct {
	Run         Run
	Total       int
	Recorded    int
	Abandoned   int
	Failed      int
	Committed   bool
	Interrupted bool
}

// Driver runs a batch sequentially, one project and one tool at a time.
type Driver struct {
	Layout  harness.Layout
	Runner  ToolRunner
	Counter loc.Counter
	Repos   Materializer
	Records Recorder
	// Journal is optional.
	Journal Journal
	// Tools in execution order; defaults to harness.KnownTools.
	Tools []harness.Tool
	// LoCTimeout bounds line counting when every tool runs. Zero disables it.
	LoCTimeout time.Duration
	OnProgress func(Progress)
	Logger     *slog.Logger
}

// Run processes projects in order. Per-project failures are logged and
// isolated. When ctx ends the loop stops, the pending file is left in place
// and ctx's error is returned. Otherwise the output is committed; a commit
// failure is logged and reported through Summary.Committed.
func (d *Driver) Run(ctx context.Context, run Run, projects []projectlist.Project) (Summary, error) {
	logger := d.Logger.With(slog.String("run", run.ID))

	logger.InfoContext(ctx, "starting batch",
		slog.String("language", string(run.Lang)),
		slog.String("range", run.Range.String()),
		slog.String("filter", run.Filter.String()),
		slog.Int("projects", len(projects)),
	)

	sum := Summary{Run: run, Total: len(projects)}

	for i, p := range projects {
		if ctx.Err() != nil {
			break
		}

		state, err := d.runProject(ctx, logger.With(slog.String("project", p.Name)), run, p)
		if err != nil && ctx.Err() != nil {
			break
		}

		switch state {
		case StateRecorded:
			sum.Recorded++
		case StateAbandoned:
			sum.Abandoned++
		default:
			sum.Failed++
		}

		if d.OnProgress != nil {
			d.OnProgress(Progress{Done: i + 1, Total: len(projects), Project: p.Name, State: state})
		}
	}

	if err := ctx.Err(); err != nil {
		sum.Interrupted = true

		logger.WarnContext(ctx, "batch interrupted, leaving pending output in place",
			slog.Int("recorded", sum.Recorded),
		)

		return sum, err
	}

	if err := d.Records.Commit(); err != nil {
		logger.ErrorContext(ctx, "lost output file", slog.String("error", err.Error()))
	} else {
		sum.Committed = true
	}

	logger.InfoContext(ctx, "run has completed",
		slog.Int("recorded", sum.Recorded),
		slog.Int("abandoned", sum.Abandoned),
		slog.Int("failed", sum.Failed),
	)

	return sum, nil
}

func (d *Driver) tools() []harness.Tool {
	if len(d.Tools) > 0 {
		return d.Tools
	}

	return harness.KnownTools()
}

// runProject walks one project through the state machine and returns the
// terminal state. The error is non-nil only when ctx ended.
func (d *Driver) runProject(
	ctx context.Context,
	logger *slog.Logger,
	run Run,
	p projectlist.Project,
) (State, error) {
	dir := d.Layout.RepoPath(p.Name)
	rec := harness.NewRunRecord(p.Name)
	tools := d.tools()
	next := 0

	state := StateNeedsClone

	for {
		switch state {
		case StateNeedsClone:
			state = StateCloning

		case StateCloning:
			if _, err := d.Repos.Ensure(ctx, p.Name, p.CloneURL, dir); err != nil {
				if ctx.Err() != nil {
					return state, ctx.Err()
				}

				return StateAbandoned, nil
			}

			state = StateReady

		case StateReady:
			switch {
			case run.Filter == FilterClone:
				return d.record(logger, rec), nil
			case run.Filter.CountsLoC():
				state = StateMeasuringLoC
			default:
				state = StateMeasuringTool
			}

		case StateMeasuringLoC:
			n, err := d.countLoC(ctx, logger, run, dir)
			if err != nil {
				return state, err
			}

			rec.LoC = n
			state = StateMeasuringTool

		case StateMeasuringTool:
			for next < len(tools) && !run.Filter.Runs(tools[next]) {
				next++
			}

			if next == len(tools) {
				return d.record(logger, rec), nil
			}

			tool := tools[next]
			next++

			m, err := d.measure(ctx, logger, run, p, tool)
			if err != nil {
				return state, err
			}

			rec.Tools[tool] = m
		}
	}
}

func (d *Driver) countLoC(ctx context.Context, logger *slog.Logger, run Run, dir string) (int64, error) {
	countCtx := ctx

	if run.Filter == FilterAll && d.LoCTimeout > 0 {
		var cancel context.CancelFunc
		countCtx, cancel = context.WithTimeout(ctx, d.LoCTimeout)
		defer cancel()
	}

	logger.InfoContext(ctx, "counting lines of code")

	n, err := d.Counter.Count(countCtx, dir, run.Lang)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if errors.Is(err, loc.ErrTimeout) {
			logger.ErrorContext(ctx, "counting lines of code timed out",
				slog.Duration("timeout", d.LoCTimeout),
			)
		} else {
			logger.ErrorContext(ctx, "failed counting lines of code",
				slog.String("error", err.Error()),
			)
		}

		return -1, nil
	}

	logger.InfoContext(ctx, "lines of code counted", slog.Int64("loc", n))

	return n, nil
}

func (d *Driver) measure(
	ctx context.Context,
	logger *slog.Logger,
	run Run,
	p projectlist.Project,
	tool harness.Tool,
) (harness.Measurement, error) {
	cmd, err := harness.BuildCommand(d.Layout, tool, run.Lang, p.Name)
	if err != nil {
		logger.ErrorContext(ctx, "cannot build tool command",
			slog.String("tool", tool.Label()),
			slog.String("error", err.Error()),
		)

		return harness.Measurement{
			Tool:      tool,
			Status:    harness.StatusFailed,
			Cause:     harness.CauseNone,
			PeakBytes: -1,
			ExitCode:  -1,
		}, nil
	}

	m, err := d.Runner.Invoke(ctx, harness.Invocation{Tool: tool, Project: p.Name, Command: cmd})
	if err != nil {
		return m, err
	}

	if d.Journal != nil {
		if jerr := d.Journal.RecordInvocation(ctx, p.Name, m); jerr != nil {
			logger.WarnContext(ctx, "failed to journal invocation",
				slog.String("tool", tool.Label()),
				slog.String("error", jerr.Error()),
			)
		}
	}

	return m, nil
}

func (d *Driver) record(logger *slog.Logger, rec *harness.RunRecord) State {
	if err := d.Records.Append(rec); err != nil {
		logger.Error("failed to append row", slog.String("error", err.Error()))

		return StateFailed
	}

	return StateRecorded
}
