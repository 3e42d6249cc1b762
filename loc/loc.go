// Package loc counts lines of code of a repository, restricted to the
// file categories of one language.
package loc

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/weiihann/depbench/harness"
)

// ErrTimeout is returned when counting exceeds its deadline.
var ErrTimeout = errors.New("line counting timed out")

// Counter counts the lines of code of one language under a directory.
type Counter interface {
	Count(ctx context.Context, dir string, lang harness.Language) (int64, error)
}

// Categories returns the language names, as reported by cloc and enry,
// that make up a language's LoC.
func Categories(lang harness.Language) []string {
	switch lang {
	case harness.LangCPP:
		return []string{"C++", "C/C++ Header"}
	case harness.LangJava:
		return []string{"Java"}
	case harness.LangTS:
		return []string{"TypeScript"}
	default:
		return []string{"Python"}
	}
}

// Cloc runs the external cloc counter.
type Cloc struct {
	Binary string
}

// Count runs `cloc <dir> --csv --quiet` and sums the code column of the
// language's categories.
func (c Cloc) Count(ctx context.Context, dir string, lang harness.Language) (int64, error) {
	bin := c.Binary
	if bin == "" {
		bin = "cloc"
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, bin, dir, "--csv", "--quiet")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %s", ErrTimeout, dir)
		}

		return 0, fmt.Errorf("cloc %s: %w\nstderr: %s", dir, err, stderr.String())
	}

	return parseCloc(&stdout, Categories(lang))
}

// parseCloc reads cloc's "files,language,blank,comment,code" rows. Rows of
// any other shape (notes, blank lines) are ignored.
func parseCloc(r io.Reader, categories []string) (int64, error) {
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var total int64

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("parse cloc output: %w", err)
		}

		if len(row) != 5 || !want[row[1]] {
			continue
		}

		code, err := strconv.ParseInt(strings.TrimSpace(row[4]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse cloc code count %q: %w", row[4], err)
		}

		total += code
	}

	return total, nil
}
