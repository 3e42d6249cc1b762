package record

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/depbench/harness"
	"github.com/weiihann/depbench/procmon"
)

func TestHeader(t *testing.T) {
	got := strings.Join(Header([]harness.Tool{harness.ToolENRE, harness.ToolDepends}), ",")
	assert.Equal(t, "project_name,LoC,ENRE-time,ENRE-memory,Depends-time,Depends-memory", got)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "2410141530-java-0-1.csv", FileName("2410141530", "java", 0, 1))
}

func TestWriterPendingThenCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records", FileName("2410141530", "java", 0, 1))

	w, err := Create(path, []harness.Tool{harness.ToolENRE})
	require.NoError(t, err)

	assert.FileExists(t, w.PendingPath())
	assert.NoFileExists(t, path)

	rec := harness.NewRunRecord("fastjson")
	rec.LoC = 1200
	rec.Tools[harness.ToolENRE] = harness.Measurement{
		Tool:      harness.ToolENRE,
		Status:    harness.StatusSuccess,
		Elapsed:   1234567 * time.Microsecond,
		PeakBytes: 3 << 20,
	}
	require.NoError(t, w.Append(rec))

	data, err := os.ReadFile(w.PendingPath())
	require.NoError(t, err)
	assert.Equal(t, "project_name,LoC,ENRE-time,ENRE-memory\nfastjson,1200,1.235,3\n", string(data))

	require.NoError(t, w.Commit())
	assert.FileExists(t, path)
	assert.NoFileExists(t, w.PendingPath())
}

func TestWriterSentinels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.csv")
	tools := []harness.Tool{harness.ToolENRE, harness.ToolDepends, harness.ToolUnderstand}

	w, err := Create(path, tools)
	require.NoError(t, err)

	rec := harness.NewRunRecord("p")
	rec.Tools[harness.ToolENRE] = harness.Measurement{
		Tool:      harness.ToolENRE,
		Status:    harness.StatusTimeout,
		PeakBytes: 1 << 20,
	}
	rec.Tools[harness.ToolDepends] = harness.Measurement{
		Tool:      harness.ToolDepends,
		Status:    harness.StatusFailed,
		PeakBytes: procmon.PeakUnavailable,
	}
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Commit())

	rows, got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, tools, got)

	assert.Equal(t, Cell{Seconds: -1, MemoryMiB: 1}, rows[0].Cells[harness.ToolENRE])
	assert.Equal(t, Cell{Seconds: -1, MemoryMiB: -1}, rows[0].Cells[harness.ToolDepends])
	assert.Equal(t, Cell{}, rows[0].Cells[harness.ToolUnderstand])
}

func TestCreateAppendsToExistingPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.csv")
	tools := []harness.Tool{harness.ToolSourceTrail}

	w, err := Create(path, tools)
	require.NoError(t, err)
	require.NoError(t, w.Append(harness.NewRunRecord("first")))

	w, err = Create(path, tools)
	require.NoError(t, err)
	require.NoError(t, w.Append(harness.NewRunRecord("second")))

	rows, _, err := ReadFile(w.PendingPath())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].Project)
	assert.Equal(t, "second", rows[1].Project)
}

func TestReadRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"empty":        "",
		"bad header":   "name,loc\n",
		"unknown tool": "project_name,LoC,Foo-time,Foo-memory\n",
		"short row":    "project_name,LoC,ENRE-time,ENRE-memory\np,1,2\n",
		"bad number":   "project_name,LoC,ENRE-time,ENRE-memory\np,1,x,2\n",
	}

	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Read(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestReadQuotedProjectName(t *testing.T) {
	in := "project_name,LoC,ENRE-time,ENRE-memory\n\"a,b\",10,0.5,12.25\n"

	rows, _, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a,b", rows[0].Project)
	assert.Equal(t, Cell{Seconds: 0.5, MemoryMiB: 12.25}, rows[0].Cells[harness.ToolENRE])
}
