// Package projectlist reads the per-language table of benchmark projects.
package projectlist

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

// Range is an inclusive range of table rows, counted from 0.
type Range struct {
	From int
	To   int
}

// ParseRange parses "N" or "N-M".
func ParseRange(s string) (Range, error) {
	parts := strings.Split(s, "-")
	if len(parts) > 2 {
		return Range{}, fmt.Errorf("invalid range format %q, only N or N-M is supported", s)
	}

	from, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || from < 0 {
		return Range{}, fmt.Errorf("invalid range start in %q", s)
	}

	to := from
	if len(parts) == 2 {
		to, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || to < 0 {
			return Range{}, fmt.Errorf("invalid range end in %q", s)
		}
	}

	if to < from {
		return Range{}, fmt.Errorf("invalid range %q: end before start", s)
	}

	return Range{From: from, To: to}, nil
}

// Contains reports whether row i is in the range.
func (r Range) Contains(i int) bool { return i >= r.From && i <= r.To }

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.From, r.To) }

// Project is one codebase to benchmark.
type Project struct {
	Row      int
	Name     string
	Stars    int
	WebURL   string
	CloneURL string
	Language harness.Language
}

// SkippedRow is a row in range that could not be turned into a Project.
type SkippedRow struct {
	Row    int
	Reason string
}

// DefaultPath returns the conventional list location for lang.
func DefaultPath(listsDir string, lang harness.Language) string {
	return filepath.Join(listsDir, fmt.Sprintf("%s project list final.csv", lang))
}

// ReadFile opens path and calls Read.
func ReadFile(path string, lang harness.Language, rng Range) ([]Project, []SkippedRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open project list: %w", err)
	}
	defer f.Close()

	return Read(f, lang, rng)
}

// Read returns the projects in rows rng of the table. Columns are display
// name (owner/name), stars, web URL, and an optional clone URL; when the
// clone URL is empty the web URL is cloned instead.
func Read(r io.Reader, lang harness.Language, rng Range) ([]Project, []SkippedRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var (
		projects []Project
		skipped  []SkippedRow
	)

	for i := 0; i <= rng.To; i++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if rng.Contains(i) {
				skipped = append(skipped, SkippedRow{Row: i, Reason: err.Error()})
			}

			continue
		}

		if !rng.Contains(i) {
			continue
		}

		p, reason := parseRow(i, row, lang)
		if reason != "" {
			skipped = append(skipped, SkippedRow{Row: i, Reason: reason})

			continue
		}

		projects = append(projects, p)
	}

	return projects, skipped, nil
}

func parseRow(i int, row []string, lang harness.Language) (Project, string) {
	if len(row) < 3 {
		return Project{}, fmt.Sprintf("expected at least 3 columns, got %d", len(row))
	}

	display := strings.TrimSpace(row[0])
	name := display[strings.LastIndex(display, "/")+1:]
	if name == "" {
		return Project{}, "empty project name"
	}

	p := Project{
		Row:      i,
		Name:     name,
		WebURL:   strings.TrimSpace(row[2]),
		Language: lang,
	}

	if stars, err := strconv.Atoi(strings.TrimSpace(row[1])); err == nil {
		p.Stars = stars
	}

	p.CloneURL = p.WebURL
	if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
		p.CloneURL = strings.TrimSpace(row[3])
	}

	if p.CloneURL == "" {
		return Project{}, "no clone URL"
	}

	return p, ""
}
