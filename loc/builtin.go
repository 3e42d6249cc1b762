package loc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/src-d/enry/v2"

	"github.com/weiihann/depbench/harness"
)

// Builtin counts lines in-process, classifying files with enry. It counts
// non-blank lines, so unlike cloc it includes comments.
type Builtin struct{}

var headerExts = map[string]bool{
	".h": true, ".hh": true, ".hpp": true, ".hxx": true, ".h++": true,
}

// Count walks dir, skipping .git and vendored paths.
func (Builtin) Count(ctx context.Context, dir string, lang harness.Language) (int64, error) {
	want := make(map[string]bool)
	for _, c := range Categories(lang) {
		want[c] = true
	}

	var total int64

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if d.Name() == ".git" || enry.IsVendor(rel+"/") {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() || enry.IsVendor(rel) {
			return nil
		}

		if !candidate(d.Name(), lang, want) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}

		if enry.IsBinary(data) || !matches(d.Name(), data, lang, want) {
			return nil
		}

		total += countLines(data)

		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %s", ErrTimeout, dir)
		}

		return 0, fmt.Errorf("count lines in %s: %w", dir, err)
	}

	return total, nil
}

// candidate cheaply filters by extension before any file is read.
func candidate(name string, lang harness.Language, want map[string]bool) bool {
	if lang == harness.LangCPP && headerExts[strings.ToLower(filepath.Ext(name))] {
		return true
	}

	for _, l := range enry.GetLanguagesByExtension(name, nil, nil) {
		if want[l] {
			return true
		}
	}

	return false
}

func matches(name string, data []byte, lang harness.Language, want map[string]bool) bool {
	detected := enry.GetLanguage(name, data)
	if want[detected] {
		return true
	}

	// enry reports headers as C or Objective-C where cloc says C/C++ Header.
	return lang == harness.LangCPP &&
		headerExts[strings.ToLower(filepath.Ext(name))] &&
		(detected == "C" || detected == "C++" || detected == "Objective-C")
}

func countLines(data []byte) int64 {
	var n int64

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}

	return n
}
