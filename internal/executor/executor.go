package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"admitq/internal/scheduler"
)

const (
	defaultMaxLogSize = 1024 * 1024
	defaultKillGrace  = 2 * time.Second
)

// Result is what a command job returns when its stdout does not end in a
// JSON document.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// limitedBuffer caps the total captured size.
type limitedBuffer struct {
	mu sync.Mutex
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		l.Buffer.Write(p[:left])
		return len(p), nil
	}
	return l.Buffer.Write(p)
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Buffer.String()
}

// Executor turns configured commands into scheduler jobs.
type Executor struct {
	MaxLogSize int

	// KillGrace is the time between SIGTERM and SIGKILL on cancellation.
	KillGrace time.Duration
}

func New() *Executor {
	return &Executor{MaxLogSize: defaultMaxLogSize, KillGrace: defaultKillGrace}
}

// Job returns a job that runs argv. Each stdout line is reported as the
// task description. A zero timeout lets the command run to completion.
func (e *Executor) Job(argv []string, timeout time.Duration) scheduler.Job {
	argv = append([]string(nil), argv...)
	return func(ctx context.Context, p scheduler.Progress) (any, error) {
		return e.run(ctx, argv, timeout, p)
	}
}

func (e *Executor) run(ctx context.Context, argv []string, timeout time.Duration, p scheduler.Progress) (any, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	grace := e.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	isolate(cmd, grace)

	maxLog := e.MaxLogSize
	if maxLog <= 0 {
		maxLog = defaultMaxLogSize
	}
	stdoutBuf := &limitedBuffer{cap: maxLog}
	stderrBuf := &limitedBuffer{cap: maxLog}
	cmd.Stderr = stderrBuf
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	last := streamLines(io.TeeReader(stdout, stdoutBuf), p)
	waitErr := cmd.Wait()

	result := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		return nil, fmt.Errorf("command exited with code %d: %s", result.ExitCode, tail(result.Stderr, 512))
	}

	// A trailing JSON line is the job's structured result.
	if json.Valid([]byte(last)) {
		return json.RawMessage(last), nil
	}
	return result, nil
}

// streamLines reports every non-empty line and returns the last one.
func streamLines(r io.Reader, p scheduler.Progress) string {
	var last string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		last = line
		if p != nil && !strings.HasPrefix(line, "{") {
			_ = p.Describe(line)
		}
	}
	// Drain so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return last
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
