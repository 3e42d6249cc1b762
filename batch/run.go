// Package batch drives a benchmark run over a range of projects: clone,
// count lines, run each selected tool, and persist one row per project.
package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weiihann/depbench/harness"
	"github.com/weiihann/depbench/projectlist"
)

// TimestampLayout formats run timestamps as yyMMddHHmm.
const TimestampLayout = "0601021504"

// Filter narrows a run to one step. The zero value runs everything.
type Filter string

const (
	FilterAll   Filter = ""
	FilterClone Filter = "clone"
	FilterLoC   Filter = "loc"
)

// ParseFilter accepts "", "clone", "loc" or a tool name, case-insensitively.
func ParseFilter(s string) (Filter, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	switch Filter(s) {
	case FilterAll, FilterClone, FilterLoC:
		return Filter(s), nil
	}

	tool, err := harness.ParseTool(s)
	if err != nil {
		return "", fmt.Errorf("invalid filter %q, only clone / loc or a tool name is supported", s)
	}

	return Filter(tool), nil
}

// CountsLoC reports whether the filter includes line counting.
func (f Filter) CountsLoC() bool { return f == FilterAll || f == FilterLoC }

// Runs reports whether the filter includes tool.
func (f Filter) Runs(tool harness.Tool) bool {
	return f == FilterAll || f == Filter(tool)
}

func (f Filter) String() string {
	if f == FilterAll {
		return "all"
	}

	return string(f)
}

// Run identifies one batch invocation.
type Run struct {
	ID        string
	Timestamp string
	Lang      harness.Language
	Range     projectlist.Range
	Filter    Filter
	StartedAt time.Time
}

// NewRun stamps a run started at now with a fresh ID.
func NewRun(lang harness.Language, rng projectlist.Range, filter Filter, now time.Time) Run {
	return Run{
		ID:        uuid.NewString(),
		Timestamp: now.Format(TimestampLayout),
		Lang:      lang,
		Range:     rng,
		Filter:    filter,
		StartedAt: now,
	}
}
