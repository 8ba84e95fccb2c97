package background

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Dispatcher starts queued jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []Job) error
}

// CommandName is the hidden subcommand that runs a job file.
const CommandName = "background"

// ExecDispatcher re-executes the binary as a detached child that runs the
// jobs. Dispatch returns once the child has started.
type ExecDispatcher struct {
	// Executable defaults to os.Executable.
	Executable string
	StateDir   string
	// Args precede the job file argument; default is the background
	// subcommand.
	Args []string
	Env  []string
}

// Dispatch implements Dispatcher.
func (d *ExecDispatcher) Dispatch(_ context.Context, jobs []Job) error {
	exe := d.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}
	path, err := WriteJobs(filepath.Join(d.StateDir, JobsDir), jobs)
	if err != nil {
		return fmt.Errorf("write jobs: %w", err)
	}

	args := d.Args
	if len(args) == 0 {
		args = []string{CommandName}
	}
	// the child must outlive this process, so it is not tied to ctx
	cmd := exec.Command(exe, append(append([]string{}, args...), path)...)
	cmd.Env = d.Env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	detach(cmd)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("start background: %w", err)
	}
	return cmd.Process.Release()
}

// InlineDispatcher runs jobs in-process and waits for them.
type InlineDispatcher struct {
	Runner *Runner
}

// Dispatch implements Dispatcher.
func (d *InlineDispatcher) Dispatch(ctx context.Context, jobs []Job) error {
	return d.Runner.Run(ctx, jobs)
}
