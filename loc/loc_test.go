package loc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/depbench/harness"
)

const clocOutput = `files,language,blank,comment,code,"github.com/AlDanial/cloc v 1.92  T=0.05 s"
12,C++,100,50,1200
4,C/C++ Header,20,10,300
3,Python,5,2,40
19,SUM,125,62,1540
`

func TestParseCloc(t *testing.T) {
	tests := []struct {
		lang harness.Language
		want int64
	}{
		{harness.LangCPP, 1500},
		{harness.LangPython, 40},
		{harness.LangJava, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.lang), func(t *testing.T) {
			got, err := parseCloc(strings.NewReader(clocOutput), Categories(tt.lang))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseClocBadCount(t *testing.T) {
	_, err := parseCloc(strings.NewReader("1,Java,0,0,lots\n"), []string{"Java"})
	assert.Error(t, err)
}

func TestClocMissingBinary(t *testing.T) {
	c := Cloc{Binary: filepath.Join(t.TempDir(), "no-cloc")}
	_, err := c.Count(context.Background(), t.TempDir(), harness.LangJava)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()

	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestBuiltinCountsLanguageFiles(t *testing.T) {
	root := t.TempDir()

	writeFile(t, root, "src/Main.java", "class Main {\n\n  void run() {}\n}\n")
	writeFile(t, root, "src/util.py", "import os\nprint(os.name)\n")
	writeFile(t, root, "vendor/lib/Dep.java", "class Dep {}\n")
	writeFile(t, root, ".git/objects/Fake.java", "class Fake {}\n")

	java, err := Builtin{}.Count(context.Background(), root, harness.LangJava)
	require.NoError(t, err)
	assert.Equal(t, int64(3), java)

	py, err := Builtin{}.Count(context.Background(), root, harness.LangPython)
	require.NoError(t, err)
	assert.Equal(t, int64(2), py)
}

func TestBuiltinCountsHeadersForCPP(t *testing.T) {
	root := t.TempDir()

	writeFile(t, root, "a.cpp", "#include \"a.h\"\nint main() { return 0; }\n")
	writeFile(t, root, "a.h", "#pragma once\nint f();\n")
	writeFile(t, root, "b.c", "int g(void) { return 1; }\n")

	n, err := Builtin{}.Count(context.Background(), root, harness.LangCPP)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestBuiltinHonorsDeadline(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.py", "x = 1\n")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := Builtin{}.Count(ctx, root, harness.LangPython)
	assert.ErrorIs(t, err, ErrTimeout)
}
