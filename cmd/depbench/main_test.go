package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func TestRunRejectsInvalidArguments(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "missing.toml")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"language", []string{"run", "rust", "0-1"}, "rust"},
		{"range", []string{"run", "java", "3-1"}, "range"},
		{"filter", []string{"run", "java", "0", "doxygen"}, "doxygen"},
		{"timeout", []string{"run", "java", "0", "-t", "4000"}, "timeout"},
		{"negative timeout", []string{"run", "java", "0", "--timeout=-5"}, "timeout"},
		{"arity", []string{"run", "java"}, "arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append(tt.args, "--config", cfg)...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestReportCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.csv")
	content := "project_name,LoC,Depends-time,Depends-memory,ENRE-time,ENRE-memory\n" +
		"fastjson,1200,3,128,1.5,64\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "report", path)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if !strings.Contains(out, "| fastjson | 1200 | 3.00s | 128 MB | 1.50s | 64 MB | ENRE |") {
		t.Errorf("unexpected report:\n%s", out)
	}

	out, err = execute(t, "report", "--json", path)
	if err != nil {
		t.Fatalf("report --json failed: %v", err)
	}
	if !strings.Contains(out, `"project": "fastjson"`) {
		t.Errorf("unexpected JSON report:\n%s", out)
	}
}

func TestReportMissingFile(t *testing.T) {
	if _, err := execute(t, "report", filepath.Join(t.TempDir(), "none.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}
