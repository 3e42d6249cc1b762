// Package report formats benchmark results into comparison tables.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/weiihann/depbench/harness"
	"github.com/weiihann/depbench/record"
)

// Bucket is a LoC size class. Max is exclusive; zero means unbounded.
type Bucket struct {
	Label string `json:"label"`
	Min   int64  `json:"min_loc"`
	Max   int64  `json:"max_loc,omitempty"`
}

// Buckets are the size classes used in summaries.
var Buckets = []Bucket{
	{Label: "0-10K", Min: 0, Max: 10_000},
	{Label: "10K-100K", Min: 10_000, Max: 100_000},
	{Label: "100K-200K", Min: 100_000, Max: 200_000},
	{Label: "200K-300K", Min: 200_000, Max: 300_000},
	{Label: "300K+", Min: 300_000},
}

func (b Bucket) contains(loc int64) bool {
	return loc >= b.Min && (b.Max == 0 || loc < b.Max)
}

// Stats summarizes the successful run times of one tool in one bucket.
type Stats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_s"`
	Max   float64 `json:"max_s"`
	Avg   float64 `json:"avg_s"`
}

// BucketSummary holds per-tool stats for one bucket.
type BucketSummary struct {
	Bucket   Bucket                 `json:"bucket"`
	Projects int                    `json:"projects"`
	Tools    map[harness.Tool]Stats `json:"tools"`
}

// Summarize groups rows by LoC bucket. Rows without a LoC count are left
// out, as are failed or skipped tool cells.
func Summarize(rows []record.Row, tools []harness.Tool) []BucketSummary {
	out := make([]BucketSummary, len(Buckets))
	totals := make([]map[harness.Tool]float64, len(Buckets))

	for i, b := range Buckets {
		out[i] = BucketSummary{Bucket: b, Tools: make(map[harness.Tool]Stats, len(tools))}
		totals[i] = make(map[harness.Tool]float64, len(tools))
	}

	for _, r := range rows {
		if r.LoC <= 0 {
			continue
		}

		i := bucketIndex(r.LoC)
		out[i].Projects++

		for _, t := range tools {
			secs := r.Cells[t].Seconds
			if secs <= 0 {
				continue
			}

			s := out[i].Tools[t]
			if s.Count == 0 || secs < s.Min {
				s.Min = secs
			}
			if secs > s.Max {
				s.Max = secs
			}
			s.Count++

			totals[i][t] += secs
			out[i].Tools[t] = s
		}
	}

	for i := range out {
		for t, s := range out[i].Tools {
			s.Avg = totals[i][t] / float64(s.Count)
			out[i].Tools[t] = s
		}
	}

	return out
}

func bucketIndex(loc int64) int {
	for i, b := range Buckets {
		if b.contains(loc) {
			return i
		}
	}

	return len(Buckets) - 1
}

// Generate writes a markdown comparison table for the given rows.
func Generate(w io.Writer, rows []record.Row, tools []harness.Tool) error {
	if len(rows) == 0 {
		return fmt.Errorf("no results to report")
	}

	fmt.Fprintln(w, "## Benchmark Results")
	fmt.Fprintln(w)

	// Table header.
	header := []string{"Project", "LoC"}
	for _, t := range tools {
		header = append(header, t.Label()+" Time", t.Label()+" Mem")
	}
	header = append(header, "Fastest")
	writeRow(w, header)
	writeSeparator(w, len(header))

	for _, r := range rows {
		cells := []string{r.Project, formatLoC(r.LoC)}
		for _, t := range tools {
			c := r.Cells[t]
			cells = append(cells, formatSeconds(c.Seconds), formatMiB(c.MemoryMiB))
		}
		cells = append(cells, findFastest(r, tools))
		writeRow(w, cells)
	}

	fmt.Fprintln(w)

	// Bucket summary.
	fmt.Fprintln(w, "## Time by LoC")
	fmt.Fprintln(w)

	header = []string{"LoC", "Projects"}
	for _, t := range tools {
		header = append(header, t.Label()+" Min", t.Label()+" Max", t.Label()+" Avg")
	}
	writeRow(w, header)
	writeSeparator(w, len(header))

	for _, b := range Summarize(rows, tools) {
		cells := []string{b.Bucket.Label, fmt.Sprintf("%d", b.Projects)}
		for _, t := range tools {
			s, ok := b.Tools[t]
			if !ok {
				cells = append(cells, "-", "-", "-")

				continue
			}

			cells = append(cells, formatSeconds(s.Min), formatSeconds(s.Max), formatSeconds(s.Avg))
		}
		writeRow(w, cells)
	}

	return nil
}

// GenerateJSON writes rows as JSON to w.
func GenerateJSON(w io.Writer, rows []record.Row) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(rows)
}

func writeRow(w io.Writer, cells []string) {
	fmt.Fprintf(w, "| %s |\n", strings.Join(cells, " | "))
}

func writeSeparator(w io.Writer, n int) {
	fmt.Fprintln(w, "|"+strings.Repeat("---|", n))
}

// findFastest returns the label of the quickest successful tool, or "-".
func findFastest(r record.Row, tools []harness.Tool) string {
	fastest := math.MaxFloat64
	label := "-"

	for _, t := range tools {
		secs := r.Cells[t].Seconds
		if secs > 0 && secs < fastest {
			fastest = secs
			label = t.Label()
		}
	}

	return label
}

func formatLoC(n int64) string {
	switch {
	case n < 0:
		return "failed"
	case n == 0:
		return "-"
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatSeconds(s float64) string {
	switch {
	case s < 0:
		return "failed"
	case s == 0:
		return "-"
	case s < 1:
		return fmt.Sprintf("%dms", int64(math.Round(s*1000)))
	default:
		return fmt.Sprintf("%.2fs", s)
	}
}

func formatMiB(mib float64) string {
	if mib < 0 {
		return "failed"
	}

	return formatBytes(uint64(mib * (1 << 20)))
}

func formatBytes(b uint64) string {
	if b == 0 {
		return "-"
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(b)
	unit := 0

	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	formatted := fmt.Sprintf("%.1f", size)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")

	return formatted + " " + units[unit]
}
