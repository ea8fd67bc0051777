package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"syscall"
	"time"
)

// Runner abstracts process execution so command resources can be tested
// without spawning real processes.
type Runner interface {
	Run(ctx context.Context, spec CommandSpec) (*CommandResult, error)
}

type CommandSpec struct {
	Command string
	// Interpreter is the argv prefix the command is appended to.
	// Empty means ["sh", "-c"].
	Interpreter []string
	WorkingDir  string
	Environment map[string]string
}

// CommandResult is the outcome of a finished or killed process. ExitCode
// is -1 when the process was killed or never started.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// systemRunner runs commands through the shell in their own process
// group, so a timeout kills the whole tree rather than just the shell.
type systemRunner struct{}

func (systemRunner) Run(ctx context.Context, spec CommandSpec) (*CommandResult, error) {
	argv := spec.Interpreter
	if len(argv) == 0 {
		argv = []string{"sh", "-c"}
	}
	argv = append(argv[:len(argv):len(argv)], spec.Command)

	cmd := osexec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range spec.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("command killed: %w", ctxErr)
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		// Ran to completion with a nonzero status; the caller reads
		// ExitCode and decides.
		return result, nil
	}
	if err != nil {
		return result, err
	}
	return result, nil
}
