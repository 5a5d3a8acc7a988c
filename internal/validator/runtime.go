package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/papercast/internal/logger"
)

// RuntimeChecker executes scene code with a Python interpreter to surface
// import, name and type errors that static checks cannot see. Only module
// level statements run; scenes are not rendered.
type RuntimeChecker struct {
	python  string
	timeout time.Duration
}

// NewRuntimeChecker returns nil when python is empty or cannot be found, so
// the check is skipped on hosts without an interpreter.
func NewRuntimeChecker(python string, timeout time.Duration) *RuntimeChecker {
	if python == "" {
		return nil
	}
	path, err := exec.LookPath(python)
	if err != nil {
		logger.Warn("Runtime check disabled: interpreter %q not found", python)
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RuntimeChecker{python: path, timeout: timeout}
}

// Check runs code in a scratch directory and returns a message describing
// the failure, or an empty string on success.
func (rc *RuntimeChecker) Check(ctx context.Context, code string) string {
	dir, err := os.MkdirTemp("", "papercast-scene-*")
	if err != nil {
		return fmt.Sprintf("Runtime error during import: failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "scene.py")
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return fmt.Sprintf("Runtime error during import: failed to write scene: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, rc.python, script)
	cmd.Dir = dir
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Debug(ctx, "Runtime check finished")
	if err == nil {
		return ""
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Runtime error during import: timed out after %s", rc.timeout)
	}
	return describeTraceback(stderr.String(), err)
}

// describeTraceback turns the last line of a Python traceback into an issue
// message.
func describeTraceback(stderr string, runErr error) string {
	last := ""
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			last = s
		}
	}
	if last == "" {
		return fmt.Sprintf("Runtime error during import: %v", runErr)
	}
	kind, detail, found := strings.Cut(last, ":")
	detail = strings.TrimSpace(detail)
	if !found {
		return "Runtime error during import: " + last
	}
	switch kind {
	case "ImportError", "ModuleNotFoundError":
		return "Import error: " + detail
	case "NameError":
		return "Name error (undefined variable): " + detail
	case "TypeError":
		return "Type error: " + detail
	default:
		return fmt.Sprintf("Runtime error during import: %s: %s", kind, detail)
	}
}
