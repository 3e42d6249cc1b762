// Package harness runs dependency extraction tools as measured child
// processes.
package harness

import (
	"math"
	"time"
)

// Status is the terminal outcome of one tool measurement.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusTimeout             Status = "timeout"
	StatusFailed              Status = "failed"
	StatusSkipped             Status = "skipped"
	StatusMissingPrerequisite Status = "missing_prerequisite"
)

// Cause is how the measured process ended.
type Cause string

const (
	CauseNone          Cause = "none"
	CauseNormal        Cause = "normal"
	CauseTimedOut      Cause = "timed_out"
	CauseCrashed       Cause = "crashed"
	CauseMemoryCeiling Cause = "memory_ceiling"
)

// Sentinel cell values of the result table.
const (
	NotMeasured float64 = 0
	Failed      float64 = -1
)

// Measurement is the record of one (tool, project) invocation.
type Measurement struct {
	Tool      Tool
	Status    Status
	Cause     Cause
	Start     time.Time
	End       time.Time
	Elapsed   time.Duration
	PeakBytes int64
	ExitCode  int
}

// Skipped returns the neutral measurement of a tool that did not run.
func Skipped(tool Tool, status Status) Measurement {
	return Measurement{Tool: tool, Status: status, Cause: CauseNone}
}

// Seconds is the time cell: elapsed seconds, 0 when not run, -1 when the
// run failed or timed out.
func (m Measurement) Seconds() float64 {
	switch m.Status {
	case StatusSuccess:
		return round3(m.Elapsed.Seconds())
	case StatusTimeout, StatusFailed:
		return Failed
	default:
		return NotMeasured
	}
}

// MemoryMiB is the memory cell: peak MiB, 0 when not run, -1 when no
// peak is available.
func (m Measurement) MemoryMiB() float64 {
	switch m.Status {
	case StatusSkipped, StatusMissingPrerequisite:
		return NotMeasured
	}

	if m.PeakBytes < 0 {
		return Failed
	}

	return round3(float64(m.PeakBytes) / (1 << 20))
}

// RunRecord is one output row: a project's LoC plus one measurement per
// tool.
type RunRecord struct {
	Project string
	LoC     int64
	Tools   map[Tool]Measurement
}

// NewRunRecord returns an empty record for project.
func NewRunRecord(project string) *RunRecord {
	return &RunRecord{
		Project: project,
		Tools:   make(map[Tool]Measurement),
	}
}

// Measurement returns the entry for tool, or a neutral skip when the tool
// has no entry.
func (r *RunRecord) Measurement(tool Tool) Measurement {
	if m, ok := r.Tools[tool]; ok {
		return m
	}

	return Skipped(tool, StatusSkipped)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
