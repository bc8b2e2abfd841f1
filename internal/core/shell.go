package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

const terminationGrace = 5 * time.Second

// ShellTask runs a shell command as a scheduled task. On cancellation the
// process gets SIGTERM and is killed if it is still alive after a grace period.
type ShellTask struct {
	Command    string
	WorkingDir string
}

// Run executes the command, streaming stdout and stderr into w.
func (t ShellTask) Run(ctx context.Context, w io.Writer) error {
	cmd := commandForTask(ctx, t.Command)
	if t.WorkingDir != "" {
		cmd.Dir = t.WorkingDir
	}
	out := &syncWriter{w: w}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		sendTermination(cmd.Process)
		return nil
	}
	cmd.WaitDelay = terminationGrace

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}

func commandForTask(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
