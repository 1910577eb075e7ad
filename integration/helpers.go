//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// FixturesDir returns the path to the fixtures directory
func FixturesDir(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Join(filepath.Dir(filename), "fixtures")
}

// SamplePlansDir returns the path to the sample-plans fixtures
func SamplePlansDir(t *testing.T) string {
	t.Helper()
	return filepath.Join(FixturesDir(t), "sample-plans")
}

// SamplePlan returns the path to one plan document fixture
func SamplePlan(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(SamplePlansDir(t), name)
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// shellScripts maps each action to a small shell stand-in for the real
// analysis script. Together they write the artifact set a full run leaves
// behind, and the statistics script checks that the load artifact is
// visible, which only holds when steps share the run directory.
var shellScripts = map[string]string{
	"load": `echo "loading {{ .Dataset }}"
printf 'region,revenue\nnorth,100\nsouth,80\n' > loaded.csv
`,
	"compute-statistics": `test -f loaded.csv || { echo "loaded.csv missing" >&2; exit 1; }
echo "computing statistics"
printf '{"rows": 2}\n' > statistics.json
`,
	"plot": `echo "plotting {{ param .Params "column" "value" }}"
: > "plot_{{ param .Params "column" "value" }}.png"
`,
	"compute-correlations": `printf '{"revenue": {"revenue": 1.0}}\n' > correlations.json
echo "correlations written"
`,
	"generate-report": `echo "# Report" > report.md
echo "report written"
`,
}

// writeShellScripts installs the shell stand-ins as script template
// overrides under dir, using the same layout the prompt loader expects.
func writeShellScripts(t *testing.T, dir string) {
	t.Helper()
	for action, script := range shellScripts {
		overrideScript(t, dir, action, script)
	}
}

// overrideScript replaces one action's script template under dir.
func overrideScript(t *testing.T, dir, action, script string) {
	t.Helper()
	path := filepath.Join(dir, "codegen", action+".py.tmpl")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create template dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		t.Fatalf("Failed to write template %s: %v", action, err)
	}
}

// copyFile copies one fixture into dst, creating parent directories.
func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		t.Fatalf("Failed to create dir for %s: %v", dst, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", dst, err)
	}
}
