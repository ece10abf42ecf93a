package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/muxworks/muxd/internal/config"
)

// ExecResult is the outcome of a buffered command run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Process is a started command with live pipes, for hook scripts and MCP
// stdio servers.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// Runtime executes commands in a workspace's environment: local shell,
// git worktree, or remote SSH host.
type Runtime interface {
	// Exec runs a shell command to completion. A non-zero exit is not an
	// error; callers read ExitCode.
	Exec(ctx context.Context, command string, env []string) (*ExecResult, error)
	// Start launches a shell command with live pipes.
	Start(ctx context.Context, command string, env []string) (Process, error)
	// WorkDir is the directory commands run in.
	WorkDir() string
	// TempDir is where oversized tool inputs and other scratch files go.
	TempDir() string
}

// New builds a runtime from a workspace's runtime config. Worktree
// workspaces run locally inside the worktree path.
func New(rc *config.RuntimeConfig, workDir string) (Runtime, error) {
	if rc == nil {
		return NewLocal(workDir), nil
	}
	switch rc.Type {
	case "", config.RuntimeLocal, config.RuntimeWorktree:
		return NewLocal(workDir), nil
	case config.RuntimeSSH:
		if rc.Host == "" {
			return nil, fmt.Errorf("ssh runtime requires a host")
		}
		return NewSSH(rc.Host, workDir), nil
	default:
		return nil, fmt.Errorf("unknown runtime type %q", rc.Type)
	}
}

// Local runs commands through the local shell.
type Local struct {
	workDir string
}

func NewLocal(workDir string) *Local { return &Local{workDir: workDir} }

func (l *Local) WorkDir() string { return l.workDir }
func (l *Local) TempDir() string { return os.TempDir() }

func (l *Local) Exec(ctx context.Context, command string, env []string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = l.workDir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("exec %q: %w", command, err)
	}
	return res, nil
}

func (l *Local) Start(ctx context.Context, command string, env []string) (Process, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = l.workDir
	cmd.Env = append(os.Environ(), env...)
	return startProcess(cmd)
}

// osProcess adapts exec.Cmd to the Process interface.
type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func startProcess(cmd *exec.Cmd) (*osProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Stderr() io.Reader     { return p.stderr }
func (p *osProcess) Wait() error           { return p.cmd.Wait() }

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
