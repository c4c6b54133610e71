package tools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// CommandRunner abstracts command execution for the sync and probe adapters.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
	RunStreaming(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int32, error)
}

// ExecRunner executes commands on the local host. Cancelling the context sends
// an interrupt first and kills the process after WaitDelay.
type ExecRunner struct {
	Dir       string
	Env       []string
	WaitDelay time.Duration
}

func (r ExecRunner) command(ctx context.Context, name string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}
	return cmd
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code, err := r.RunStreaming(ctx, name, args, &stdout, &stderr)
	return stdout.Bytes(), stderr.Bytes(), code, err
}

func (r ExecRunner) RunStreaming(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int32, error) {
	cmd := r.command(ctx, name, args)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return exitCode(cmd.Run())
}

func exitCode(err error) (int32, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode()), err
	}

	code := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		code = 127
	}
	return code, err
}
