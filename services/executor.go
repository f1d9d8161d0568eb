package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxStderrLines = 64
	killGrace      = 5 * time.Second
)

// Runner runs external tools with an argument vector. Implementations must
// never pass arguments through a shell.
type Runner interface {
	// Run waits for the command and returns its trimmed stdout.
	Run(ctx context.Context, name string, args ...string) (string, error)
	// Stream is Run with every stderr line also handed to onStderr as it arrives.
	Stream(ctx context.Context, onStderr func(line string), name string, args ...string) (string, error)
}

type timeoutKey struct{}

// WithTimeout overrides the executor's default deadline for calls made with
// the returned context.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, timeoutKey{}, d)
}

// CommandExecutor runs commands in their own process group so a deadline or
// a canceled request kills the tool and everything it spawned.
type CommandExecutor struct {
	timeout time.Duration
	logger  *zap.Logger
}

func NewCommandExecutor(timeout time.Duration, logger *zap.Logger) *CommandExecutor {
	return &CommandExecutor{timeout: timeout, logger: logger}
}

func (e *CommandExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	return e.execute(ctx, nil, name, args)
}

func (e *CommandExecutor) Stream(ctx context.Context, onStderr func(line string), name string, args ...string) (string, error) {
	return e.execute(ctx, onStderr, name, args)
}

func (e *CommandExecutor) execute(ctx context.Context, onStderr func(string), name string, args []string) (string, error) {
	tool := filepath.Base(name)
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCanceled, tool, err)
	}

	timeout := e.timeout
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok && d > 0 {
		timeout = d
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("setup stderr pipe for %s: %w", tool, err)
	}

	e.logger.Debug("starting external tool", zap.String("tool", tool), zap.Strings("args", args))
	start := time.Now()

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%w: %s: %v", ErrToolNotFound, tool, err)
		}
		return "", fmt.Errorf("start %s: %w", tool, err)
	}

	tail := &stderrTail{max: maxStderrLines}
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := scanner.Text()
		tail.add(line)
		if onStderr != nil {
			onStderr(line)
		}
	}
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, stderrPipe)
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if waitErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("external tool canceled", zap.String("tool", tool), zap.Duration("elapsed", elapsed))
			return "", fmt.Errorf("%w: %s", ErrCanceled, tool)
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("external tool timed out", zap.String("tool", tool), zap.Duration("timeout", timeout))
			return "", &TimeoutError{Tool: tool, Timeout: timeout}
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return "", &ExternalToolError{Tool: tool, ExitCode: exitErr.ExitCode(), Stderr: tail.String()}
		}
		return "", fmt.Errorf("run %s: %w", tool, waitErr)
	}

	e.logger.Debug("external tool finished", zap.String("tool", tool), zap.Duration("elapsed", elapsed))
	return strings.TrimSpace(stdout.String()), nil
}

// stderrTail keeps the last lines a tool printed; ffmpeg and yt-dlp put the
// reason for a failure at the end.
type stderrTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *stderrTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// splitByNewlineOrCR treats \r as a line end too, which is how ffmpeg and
// yt-dlp redraw progress lines.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
