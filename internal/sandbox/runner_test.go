package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testBudget() Budget {
	return Budget{Timeout: 10 * time.Second}
}

func shRequest(t *testing.T, code string) Request {
	t.Helper()
	return Request{
		Code:        code,
		Interpreter: []string{"/bin/sh"},
		WorkDir:     t.TempDir(),
	}
}

func TestExecute_Succeeded(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "echo hello\necho world >&2\necho data > result.txt\n")

	res, err := r.Execute(context.Background(), req, testBudget(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind != OutcomeSucceeded {
		t.Fatalf("Kind = %q, want succeeded (stderr: %s)", res.Kind, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("Stdout = %q, want to contain hello", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "world") {
		t.Errorf("Stderr = %q, want to contain world", res.Stderr)
	}
	if len(res.ProducedFiles) != 1 || res.ProducedFiles[0] != "result.txt" {
		t.Errorf("ProducedFiles = %v, want [result.txt]", res.ProducedFiles)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestExecute_Failed(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "echo broken >&2\nexit 3\n")

	res, err := r.Execute(context.Background(), req, testBudget(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind != OutcomeFailed {
		t.Fatalf("Kind = %q, want failed", res.Kind)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "broken") {
		t.Errorf("Stderr = %q, want to contain broken", res.Stderr)
	}
}

func TestExecute_TimedOut(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "sleep 30\n")

	start := time.Now()
	res, err := r.Execute(context.Background(), req, Budget{Timeout: 200 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %q, want timed_out", res.Kind)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %v, want prompt termination", elapsed)
	}
}

func TestExecute_KillsProcessGroup(t *testing.T) {
	r := NewRunner(nil)
	// The background child would create late.txt after outliving the
	// timeout if only the direct child were killed.
	req := shRequest(t, "( sleep 1; echo x > late.txt ) &\nsleep 30\n")

	res, err := r.Execute(context.Background(), req, Budget{Timeout: 200 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %q, want timed_out", res.Kind)
	}

	time.Sleep(1200 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(req.WorkDir, "late.txt")); !os.IsNotExist(err) {
		t.Error("background child survived the kill and wrote late.txt")
	}
}

func TestExecute_CallerCancel(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := r.Execute(ctx, req, testBudget(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind != OutcomeFailed {
		t.Errorf("Kind = %q, want failed on caller cancel", res.Kind)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancel took %v, want prompt termination", elapsed)
	}
}

func TestExecute_ResourceExceededFromStderr(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "echo 'MemoryError: unable to allocate array' >&2\nexit 1\n")

	res, err := r.Execute(context.Background(), req, testBudget(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind != OutcomeResourceExceeded {
		t.Errorf("Kind = %q, want resource_exceeded", res.Kind)
	}
}

func TestExecute_MemoryLimitApplied(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "ulimit -v\n")

	res, err := r.Execute(context.Background(), req, Budget{Timeout: 10 * time.Second, MemoryLimitMB: 64}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Kind != OutcomeSucceeded {
		t.Fatalf("Kind = %q, want succeeded (stderr: %s)", res.Kind, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "65536") {
		t.Errorf("ulimit -v output = %q, want 65536 KB in effect", res.Stdout)
	}
}

func TestExecute_EnvScoping(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "echo HOME=$HOME\necho PROXY=$HTTP_PROXY\necho EXTRA=$STEP_INDEX\n")
	req.Env = map[string]string{"STEP_INDEX": "2"}

	res, err := r.Execute(context.Background(), req, testBudget(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(res.Stdout, "HOME="+req.WorkDir) {
		t.Errorf("HOME not scoped to work dir: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "PROXY=http://127.0.0.1:1") {
		t.Errorf("proxy blackhole not set: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "EXTRA=2") {
		t.Errorf("request env not passed: %q", res.Stdout)
	}
}

func TestExecute_OutputCallback(t *testing.T) {
	r := NewRunner(nil)
	req := shRequest(t, "echo out-line\necho err-line >&2\n")

	var mu sync.Mutex
	got := map[string]string{}
	callback := func(stream, line string) {
		mu.Lock()
		got[stream] = line
		mu.Unlock()
	}

	if _, err := r.Execute(context.Background(), req, testBudget(), callback); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got["stdout"] != "out-line" {
		t.Errorf("stdout callback = %q, want out-line", got["stdout"])
	}
	if got["stderr"] != "err-line" {
		t.Errorf("stderr callback = %q, want err-line", got["stderr"])
	}
}

func TestExecute_SetupErrors(t *testing.T) {
	r := NewRunner(nil)

	_, err := r.Execute(context.Background(), shRequest(t, "true"), Budget{}, nil)
	if !errors.Is(err, ErrSetup) {
		t.Errorf("zero timeout error = %v, want ErrSetup", err)
	}

	_, err = r.Execute(context.Background(), shRequest(t, ""), testBudget(), nil)
	if !errors.Is(err, ErrSetup) {
		t.Errorf("empty code error = %v, want ErrSetup", err)
	}

	req := Request{Code: "true", Interpreter: []string{"/bin/sh"}, WorkDir: "/nonexistent-workdir"}
	_, err = r.Execute(context.Background(), req, testBudget(), nil)
	if !errors.Is(err, ErrSetup) {
		t.Errorf("missing work dir error = %v, want ErrSetup", err)
	}
}

func TestLooksLikeMemoryExhaustion(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{"MemoryError: unable to allocate", true},
		{"fork: Cannot allocate memory", true},
		{"terminate called after throwing an instance of 'std::bad_alloc'", true},
		{"ValueError: bad input", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := looksLikeMemoryExhaustion(tt.stderr); got != tt.want {
			t.Errorf("looksLikeMemoryExhaustion(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestBoundedBuffer_KeepsTail(t *testing.T) {
	var b boundedBuffer
	long := strings.Repeat("x", 1024)
	for i := 0; i < 200; i++ {
		b.WriteLine(long)
	}
	b.WriteLine("final-line")

	out := b.String()
	if len(out) > maxCaptureBytes+1100 {
		t.Errorf("buffer holds %d bytes, want bounded near %d", len(out), maxCaptureBytes)
	}
	if !strings.HasSuffix(out, "final-line") {
		t.Error("newest line was dropped, want oldest-first eviction")
	}
}

func TestScriptExt(t *testing.T) {
	tests := []struct {
		interp string
		want   string
	}{
		{"/usr/bin/python3", ".py"},
		{"python", ".py"},
		{"/bin/sh", ".sh"},
		{"bash", ".sh"},
		{"node", ""},
	}
	for _, tt := range tests {
		if got := scriptExt(tt.interp); got != tt.want {
			t.Errorf("scriptExt(%q) = %q, want %q", tt.interp, got, tt.want)
		}
	}
}
