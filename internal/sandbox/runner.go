// Package sandbox executes generated step code in isolated, resource-bounded
// child processes. The runner never reports an ambiguous result: every
// attempt ends in exactly one outcome kind, and only unrecoverable
// environment defects surface as errors.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrSetup marks defects in the execution environment itself (cannot create
// a directory, cannot start a process). These are not step failures and are
// never retried.
var ErrSetup = errors.New("sandbox setup")

// OutcomeKind classifies how one execution attempt ended.
type OutcomeKind string

const (
	OutcomeSucceeded        OutcomeKind = "succeeded"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeTimedOut         OutcomeKind = "timed_out"
	OutcomeResourceExceeded OutcomeKind = "resource_exceeded"
)

// Budget bounds one execution attempt. A finite wall-clock timeout is
// mandatory; there is no "no timeout" mode.
type Budget struct {
	Timeout       time.Duration
	MemoryLimitMB int
	AllowNetwork  bool
}

// Request describes one attempt: the code to run and where to run it. The
// working directory is the run's directory, shared forward between steps so
// later steps can read earlier artifacts.
type Request struct {
	Code        string
	Interpreter []string
	WorkDir     string
	Env         map[string]string
}

// Result is the single, unambiguous outcome of one attempt. Stdout and
// Stderr hold a bounded tail of the captured streams.
type Result struct {
	Kind          OutcomeKind
	ExitCode      int
	Stdout        string
	Stderr        string
	ProducedFiles []string
	Duration      time.Duration
}

// Summary returns a short human-readable description for step logs.
func (r *Result) Summary() string {
	switch r.Kind {
	case OutcomeSucceeded:
		return fmt.Sprintf("succeeded in %.1fs", r.Duration.Seconds())
	case OutcomeFailed:
		return fmt.Sprintf("failed with exit code %d after %.1fs", r.ExitCode, r.Duration.Seconds())
	case OutcomeTimedOut:
		return fmt.Sprintf("timed out after %.1fs", r.Duration.Seconds())
	case OutcomeResourceExceeded:
		return fmt.Sprintf("exceeded resource budget after %.1fs", r.Duration.Seconds())
	}
	return string(r.Kind)
}

// OutputCallback is invoked for each line the child writes, tagged with the
// stream it came from ("stdout" or "stderr").
type OutputCallback func(stream, line string)

// maxCaptureBytes bounds how much of each stream a Result retains. Older
// lines are dropped first so the tail survives for diagnosis.
const maxCaptureBytes = 64 * 1024

// Runner executes attempts. Safe for concurrent use; each Execute call is
// fully independent.
type Runner struct {
	log *slog.Logger
}

// NewRunner creates a runner. A nil logger falls back to slog.Default.
func NewRunner(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Execute runs one attempt to completion. The child runs in its own process
// group and the whole group is killed on timeout or context cancellation;
// the call always reaps the process before returning, so no zombies remain.
func (r *Runner) Execute(ctx context.Context, req Request, budget Budget, onOutput OutputCallback) (*Result, error) {
	if budget.Timeout <= 0 {
		return nil, fmt.Errorf("%w: wall-clock timeout must be positive", ErrSetup)
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: no code to execute", ErrSetup)
	}
	if _, err := os.Stat(req.WorkDir); err != nil {
		return nil, fmt.Errorf("%w: work dir %s: %v", ErrSetup, req.WorkDir, err)
	}

	scratch, err := os.MkdirTemp(req.WorkDir, ".attempt-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating attempt scratch dir: %v", ErrSetup, err)
	}
	defer os.RemoveAll(scratch)

	interp := req.Interpreter
	if len(interp) == 0 {
		interp = []string{"/bin/sh"}
	}
	scriptPath := filepath.Join(scratch, "script"+scriptExt(interp[0]))
	if err := os.WriteFile(scriptPath, []byte(req.Code), 0700); err != nil {
		return nil, fmt.Errorf("%w: writing script: %v", ErrSetup, err)
	}

	ctx, cancel := context.WithTimeout(ctx, budget.Timeout)
	defer cancel()

	cmd := buildCommand(interp, scriptPath, budget)
	cmd.Dir = req.WorkDir
	cmd.Env = childEnv(req, budget, scratch)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSetup, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSetup, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting process: %v", ErrSetup, err)
	}
	pid := cmd.Process.Pid
	r.log.Debug("sandbox process started", "pid", pid, "dir", req.WorkDir, "timeout", budget.Timeout)

	// Kill the whole process group when the deadline passes or the caller
	// cancels. Killing closes the pipes, which unblocks the readers below.
	var killed atomic.Bool
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killed.Store(true)
			killGroup(pid)
		case <-watchdogDone:
		}
	}()

	var stdoutBuf, stderrBuf boundedBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, "stdout", &stdoutBuf, onOutput)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, "stderr", &stderrBuf, onOutput)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(watchdogDone)
	duration := time.Since(start)

	res := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}
	if files, err := ListArtifacts(req.WorkDir); err == nil {
		res.ProducedFiles = files
	}

	switch {
	case waitErr == nil:
		res.Kind = OutcomeSucceeded
	case killed.Load() && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Kind = OutcomeTimedOut
		res.ExitCode = exitCode(waitErr)
	case killed.Load():
		// Caller cancelled; report the kill as a plain failure and leave
		// the cancellation detail to the caller.
		res.Kind = OutcomeFailed
		res.ExitCode = exitCode(waitErr)
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: waiting for process: %v", ErrSetup, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if oomKilled(exitErr) || looksLikeMemoryExhaustion(res.Stderr) {
			res.Kind = OutcomeResourceExceeded
		} else {
			res.Kind = OutcomeFailed
		}
	}

	r.log.Debug("sandbox process finished", "pid", pid, "outcome", res.Kind, "exit_code", res.ExitCode, "duration", duration)
	return res, nil
}

// buildCommand wraps the interpreter invocation with an address-space rlimit
// when a memory ceiling is set. The wrapper shell applies ulimit -v and then
// execs the interpreter, so the limit covers the generated code itself.
func buildCommand(interp []string, scriptPath string, budget Budget) *exec.Cmd {
	if budget.MemoryLimitMB > 0 {
		wrapper := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", budget.MemoryLimitMB*1024)
		args := append([]string{"-c", wrapper, "sh"}, interp...)
		args = append(args, scriptPath)
		return exec.Command("/bin/sh", args...)
	}
	args := append(interp[1:len(interp):len(interp)], scriptPath)
	return exec.Command(interp[0], args...)
}

// childEnv builds a minimal environment. HOME and TMPDIR point inside the
// sandbox so stray writes stay scoped; without network access, proxy
// variables route to a closed local port (process-level best effort, in line
// with single-tenant isolation).
func childEnv(req Request, budget Budget, scratch string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + req.WorkDir,
		"TMPDIR=" + scratch,
		"LANG=" + os.Getenv("LANG"),
	}
	if !budget.AllowNetwork {
		for _, k := range []string{"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY"} {
			env = append(env, k+"=http://127.0.0.1:1")
		}
		env = append(env, "NO_PROXY=", "no_proxy=")
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func streamLines(r io.Reader, stream string, buf *boundedBuffer, callback OutputCallback) {
	scanner := bufio.NewScanner(r)
	b := make([]byte, 0, 64*1024)
	scanner.Buffer(b, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if callback != nil {
			callback(stream, line)
		}
	}
}

func killGroup(pid int) {
	// Negative pid addresses the whole process group, so children spawned
	// by the generated code die with it.
	syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCode(waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// oomKilled reports whether the process died from a SIGKILL we did not send,
// which on Linux is the kernel's out-of-memory killer.
func oomKilled(exitErr *exec.ExitError) bool {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}

var memoryExhaustionMarkers = []string{
	"memoryerror",
	"cannot allocate memory",
	"out of memory",
	"std::bad_alloc",
}

func looksLikeMemoryExhaustion(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range memoryExhaustionMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func scriptExt(interpreter string) string {
	base := filepath.Base(interpreter)
	switch {
	case strings.HasPrefix(base, "python"):
		return ".py"
	case strings.HasSuffix(base, "sh"):
		return ".sh"
	}
	return ""
}

// boundedBuffer captures stream output keeping at most maxCaptureBytes,
// dropping the oldest lines first.
type boundedBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
}

func (b *boundedBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > maxCaptureBytes && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
