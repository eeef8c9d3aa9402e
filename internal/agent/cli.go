package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/orchestra/internal/config"
)

// waitDelay bounds how long a killed agent's children may hold its output
// pipes open.
const waitDelay = 2 * time.Second

// CLIDriver spawns a command-line agent (claude, codex, gemini, ...) with the
// prompt as its last argument, running in the request's working directory.
type CLIDriver struct {
	name string
	cfg  config.Agent
}

func NewCLIDriver(name string, cfg config.Agent) *CLIDriver {
	return &CLIDriver{name: name, cfg: cfg}
}

func (d *CLIDriver) Mode() string { return config.DriverCLI }

// Complete runs cmd + args + prompt and returns stdout. A non-zero exit is an
// error carrying stderr.
func (d *CLIDriver) Complete(ctx context.Context, req Request) (string, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(d.cfg.Args)+1)
	args = append(args, d.cfg.Args...)
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, d.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("agent %s: %w", d.name, ctxErr)
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("agent %s exited with code %d: %s", d.name, code, msg)
		}
		return "", fmt.Errorf("agent %s exited with code %d: %w", d.name, code, err)
	}
	return stdout.String(), nil
}
