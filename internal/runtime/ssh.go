package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// SSH runs commands on a remote host through the ssh binary. Interactive
// credential prompts are handled out of band by the ssh prompt service;
// BatchMode keeps background calls from hanging on one.
type SSH struct {
	host    string
	workDir string
}

func NewSSH(host, workDir string) *SSH { return &SSH{host: host, workDir: workDir} }

func (s *SSH) WorkDir() string { return s.workDir }
func (s *SSH) TempDir() string { return "/tmp" }

// remoteCommand wraps the command with a cd and env exports, since ssh
// does not forward local env or cwd.
func (s *SSH) remoteCommand(command string, env []string) string {
	var b strings.Builder
	if s.workDir != "" {
		b.WriteString("cd " + shellQuote(s.workDir) + " && ")
	}
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			b.WriteString("export " + k + "=" + shellQuote(v) + " && ")
		}
	}
	b.WriteString(command)
	return b.String()
}

func (s *SSH) Exec(ctx context.Context, command string, env []string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", s.host, "--", s.remoteCommand(command, env))

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
		return nil, fmt.Errorf("ssh exec %q on %s: %w", command, s.host, err)
	}
	return res, nil
}

func (s *SSH) Start(ctx context.Context, command string, env []string) (Process, error) {
	cmd := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", s.host, "--", s.remoteCommand(command, env))
	cmd.Env = os.Environ()
	return startProcess(cmd)
}

// shellQuote single-quotes a value for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
