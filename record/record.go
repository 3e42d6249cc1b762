// Package record persists benchmark rows as CSV. Rows go to a ".pending"
// file, one durable append per project, and the file is renamed to its
// final name only when the whole run completes.
package record

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/weiihann/depbench/harness"
)

// PendingSuffix marks an output file whose run has not completed.
const PendingSuffix = ".pending"

// FileName returns the result file name of a run.
func FileName(timestamp, lang string, from, to int) string {
	return fmt.Sprintf("%s-%s-%d-%d.csv", timestamp, lang, from, to)
}

// Header returns the column names for a tool set.
func Header(tools []harness.Tool) []string {
	cols := make([]string, 0, 2+2*len(tools))
	cols = append(cols, "project_name", "LoC")

	for _, t := range tools {
		cols = append(cols, t.Label()+"-time", t.Label()+"-memory")
	}

	return cols
}

// Writer appends rows to a pending result file.
type Writer struct {
	path  string
	tools []harness.Tool
}

// Create starts a pending file for path and writes the header. An existing
// pending file is appended to, never truncated.
func Create(path string, tools []harness.Tool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}

	w := &Writer{path: path, tools: append([]harness.Tool(nil), tools...)}
	if err := w.appendRow(Header(tools)); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	return w, nil
}

// Path is the final path of the result file.
func (w *Writer) Path() string { return w.path }

// PendingPath is where rows are written until Commit.
func (w *Writer) PendingPath() string { return w.path + PendingSuffix }

// Append durably writes one row.
func (w *Writer) Append(rec *harness.RunRecord) error {
	row := make([]string, 0, 2+2*len(w.tools))
	row = append(row, rec.Project, strconv.FormatInt(rec.LoC, 10))

	for _, t := range w.tools {
		m := rec.Measurement(t)
		row = append(row, formatCell(m.Seconds()), formatCell(m.MemoryMiB()))
	}

	if err := w.appendRow(row); err != nil {
		return fmt.Errorf("append row for %s: %w", rec.Project, err)
	}

	return nil
}

// Commit renames the pending file to its final name.
func (w *Writer) Commit() error {
	if err := os.Rename(w.PendingPath(), w.path); err != nil {
		return fmt.Errorf("rename %s: %w", w.PendingPath(), err)
	}

	return nil
}

func (w *Writer) appendRow(row []string) error {
	f, err := os.OpenFile(w.PendingPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(row); err != nil {
		f.Close()
		return err
	}

	cw.Flush()

	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func formatCell(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Cell is one tool's pair of values as read back from a file.
type Cell struct {
	Seconds   float64 `json:"time_s"`
	MemoryMiB float64 `json:"memory_mib"`
}

// Row is one parsed result row.
type Row struct {
	Project string                `json:"project"`
	LoC     int64                 `json:"loc"`
	Cells   map[harness.Tool]Cell `json:"tools"`
}

// ReadFile parses a result file, pending or final.
func ReadFile(path string) ([]Row, []harness.Tool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open results: %w", err)
	}
	defer f.Close()

	return Read(f)
}

// Read parses result rows. Additional header lines, as left by a resumed
// pending file, are skipped.
func Read(r io.Reader) ([]Row, []harness.Tool, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	tools, err := toolsFromHeader(header)
	if err != nil {
		return nil, nil, err
	}

	var rows []Row

	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}

		if len(rec) > 0 && rec[0] == "project_name" {
			continue
		}

		if len(rec) != len(header) {
			return nil, nil, fmt.Errorf("line %d: got %d columns, want %d",
				line, len(rec), len(header))
		}

		row, err := parseRow(rec, tools)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}

		rows = append(rows, row)
	}

	return rows, tools, nil
}

func toolsFromHeader(header []string) ([]harness.Tool, error) {
	if len(header) < 2 || header[0] != "project_name" || header[1] != "LoC" ||
		len(header)%2 != 0 {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(header, ","))
	}

	var tools []harness.Tool

	for i := 2; i < len(header); i += 2 {
		label, ok := strings.CutSuffix(header[i], "-time")
		if !ok || header[i+1] != label+"-memory" {
			return nil, fmt.Errorf("unexpected tool columns %q, %q", header[i], header[i+1])
		}

		tool, ok := harness.ToolByLabel(label)
		if !ok {
			return nil, fmt.Errorf("unknown tool %q in header", label)
		}

		tools = append(tools, tool)
	}

	return tools, nil
}

func parseRow(rec []string, tools []harness.Tool) (Row, error) {
	loc, err := strconv.ParseInt(rec[1], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("parse LoC %q: %w", rec[1], err)
	}

	row := Row{
		Project: rec[0],
		LoC:     loc,
		Cells:   make(map[harness.Tool]Cell, len(tools)),
	}

	for i, t := range tools {
		secs, err := strconv.ParseFloat(rec[2+2*i], 64)
		if err != nil {
			return Row{}, fmt.Errorf("parse %s time: %w", t.Label(), err)
		}

		mem, err := strconv.ParseFloat(rec[3+2*i], 64)
		if err != nil {
			return Row{}, fmt.Errorf("parse %s memory: %w", t.Label(), err)
		}

		row.Cells[t] = Cell{Seconds: secs, MemoryMiB: mem}
	}

	return row, nil
}
