package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// maxStderrBytes bounds captured diagnostics; stderr is for operators,
// not callers.
const maxStderrBytes = 8 << 10

// RunResult is what one tool process produced. A non-zero ExitCode or
// TimedOut is a failed run; err from Run is reserved for problems
// launching the process at all.
type RunResult struct {
	Output    []byte
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Failed reports whether the run must settle as a release.
func (r *RunResult) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// Runner executes manifest tools in subprocesses with a wall-clock TTL
// and clamped output. Arguments arrive on stdin as one JSON document.
type Runner struct {
	env    []string
	dir    string
	logger *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithEnv replaces the subprocess environment.
func WithEnv(env []string) RunnerOption {
	return func(r *Runner) { r.env = env }
}

// NewRunner builds a runner. Tool processes see a minimal environment
// and run from the system temp directory; whatever they need beyond
// that must come in through arguments.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		env:    []string{"PATH=/usr/local/bin:/usr/bin:/bin"},
		dir:    os.TempDir(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one tool with the given arguments. The context bounds
// the run on top of the tool's own TTL.
func (r *Runner) Run(ctx context.Context, tool Tool, args map[string]any) (*RunResult, error) {
	if tool.SHA256 != "" {
		if err := verifyEntrypoint(tool.Entrypoint[0], tool.SHA256); err != nil {
			return nil, err
		}
	}

	stdin, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tools: encode arguments: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, tool.TTL)
	defer cancel()

	stdout := &clampedBuffer{max: tool.MaxOutputBytes}
	stderr := &clampedBuffer{max: maxStderrBytes}

	cmd := exec.CommandContext(runCtx, tool.Entrypoint[0], tool.Entrypoint[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = r.env
	cmd.Dir = r.dir
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	res := &RunResult{
		Output:    stdout.bytes(),
		Stderr:    string(stderr.bytes()),
		Duration:  time.Since(start),
		Truncated: stdout.truncated,
	}

	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("tools: run %s: %w", tool.Name, runErr)
		}
	}

	r.logger.Debug("tool run finished",
		"tool", tool.Name,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"truncated", res.Truncated,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// verifyEntrypoint compares the executable's content hash against the
// manifest pin, so a swapped binary cannot ride an old manifest.
func verifyEntrypoint(path, wantHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("tools: open entrypoint: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("tools: hash entrypoint: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != wantHex {
		return fmt.Errorf("tools: entrypoint %s hash mismatch: manifest %s, file %s", path, wantHex, got)
	}
	return nil
}

// clampedBuffer keeps the first max bytes and drops the rest, so a
// runaway tool cannot buffer the gateway into the ground.
type clampedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *clampedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *clampedBuffer) bytes() []byte { return b.buf.Bytes() }
