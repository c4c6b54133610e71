package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/migratectl/internal/logging"
	"github.com/danmuck/migratectl/internal/migration"
)

func main() {
	logging.ConfigureRuntime()
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code. An
// interrupt cancels the run context; the orchestrators record it and return.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.CloseFile()
	return run(ctx, newOptions(stdout, stderr), args)
}

func run(ctx context.Context, opts *options, args []string) int {
	root := newRootCmd(opts)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return migration.ExitComplete
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(opts.stderr, "migratectl: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(opts.stderr, "migratectl: %v\n", err)
	return migration.ExitFatal
}

// exitError carries a non-zero exit code out of a command. A nil err means the
// command already reported its failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}
