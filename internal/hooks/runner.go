package hooks

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxworks/muxd/internal/runtime"
)

const (
	// ToolInputEnvLimit is the largest tool input passed inline in env;
	// anything bigger spills to a temp file.
	ToolInputEnvLimit = 8000
	// inputFileSentinel replaces MUX_TOOL_INPUT when the input spilled.
	inputFileSentinel = "__MUX_TOOL_INPUT_FILE__"

	defaultPhaseTimeout = 10 * time.Second
	slowHookThreshold   = 2 * time.Second
)

// ToolExec runs the wrapped tool. Streaming tools report streaming=true;
// the hook then receives {"streaming":true} instead of the result.
type ToolExec func(ctx context.Context) (output json.RawMessage, streaming bool, err error)

// Runner wraps tool executions with the workspace's hook scripts.
type Runner struct {
	rt          runtime.Runtime
	workspaceID string
	projectDir  string
	paths       Paths

	// PhaseTimeout bounds each hook phase (pre: start to marker, post:
	// result write to exit). Zero means the default.
	PhaseTimeout time.Duration

	// OnSlowHook fires when the pre phase exceeds the slow threshold.
	OnSlowHook func(phase string, elapsed time.Duration)
}

func NewRunner(rt runtime.Runtime, workspaceID, projectDir string) *Runner {
	return &Runner{
		rt:          rt,
		workspaceID: workspaceID,
		projectDir:  projectDir,
		paths:       Discover(projectDir),
	}
}

func (r *Runner) phaseTimeout() time.Duration {
	if r.PhaseTimeout > 0 {
		return r.PhaseTimeout
	}
	return defaultPhaseTimeout
}

// Run executes the tool under whichever hook protocol is configured. With
// no hooks present the tool runs bare.
func (r *Runner) Run(ctx context.Context, toolName string, input json.RawMessage, exec ToolExec, emit func(string)) (json.RawMessage, error) {
	switch {
	case r.paths.Combined != "":
		return r.runWithCombinedHook(ctx, toolName, input, exec, emit)
	case r.paths.Pre != "" || r.paths.Post != "":
		return r.runWithSplitHooks(ctx, toolName, input, exec)
	default:
		out, _, err := exec(ctx)
		return out, err
	}
}

// buildEnv assembles the hook env, spilling oversized inputs to a temp
// file. Returns the env and a cleanup func.
func (r *Runner) buildEnv(toolName string, input json.RawMessage, extra map[string]string) ([]string, func(), error) {
	env := []string{
		"MUX_TOOL=" + toolName,
		"MUX_WORKSPACE_ID=" + r.workspaceID,
		"MUX_PROJECT_DIR=" + r.projectDir,
	}
	cleanup := func() {}

	if len(input) > ToolInputEnvLimit {
		name := fmt.Sprintf("mux-tool-input-%d-%s.json", time.Now().UnixMilli(), uuid.NewString())
		path := filepath.Join(r.rt.TempDir(), name)
		if err := os.WriteFile(path, input, 0o600); err != nil {
			return nil, cleanup, fmt.Errorf("spill tool input: %w", err)
		}
		cleanup = func() { _ = os.Remove(path) }
		env = append(env, "MUX_TOOL_INPUT="+inputFileSentinel, "MUX_TOOL_INPUT_PATH="+path)
	} else {
		env = append(env, "MUX_TOOL_INPUT="+string(input))
	}

	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env, cleanup, nil
}

// runWithCombinedHook implements the marker protocol: the hook runs its
// pre phase, prints the MUX_EXEC marker when it is ready for the tool,
// receives the tool result on stdin, then runs its post phase.
func (r *Runner) runWithCombinedHook(ctx context.Context, toolName string, input json.RawMessage, exec ToolExec, emit func(string)) (json.RawMessage, error) {
	marker, err := newMarker()
	if err != nil {
		return nil, err
	}

	env, cleanup, err := r.buildEnv(toolName, input, map[string]string{"MUX_EXEC": marker})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	hookCtx, cancelHook := context.WithCancel(ctx)
	defer cancelHook()

	proc, err := r.rt.Start(hookCtx, shellQuote(r.paths.Combined), env)
	if err != nil {
		return nil, fmt.Errorf("start tool hook: %w", err)
	}

	// Drain stderr so the hook never blocks on a full pipe; it also
	// carries the reason when the pre phase blocks the tool.
	var stderrMu sync.Mutex
	var stderrBuf strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(proc.Stderr())
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			stderrMu.Lock()
			stderrBuf.WriteString(sc.Text() + "\n")
			stderrMu.Unlock()
		}
	}()

	var timedOutPhase string
	var timeoutMu sync.Mutex
	preTimer := time.AfterFunc(r.phaseTimeout(), func() {
		timeoutMu.Lock()
		timedOutPhase = "pre"
		timeoutMu.Unlock()
		_ = proc.Kill()
	})

	phaseStart := time.Now()
	var (
		output  json.RawMessage
		toolErr error
		ranTool bool
	)

	var stdoutAfterMarker strings.Builder
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sawMarker := false
	for scanner.Scan() {
		line := scanner.Text()
		if sawMarker {
			stdoutAfterMarker.WriteString(line + "\n")
			continue
		}
		// Line-buffered substring match; the marker may share its line
		// with shell tracing noise.
		if strings.Contains(line, marker) {
			sawMarker = true
			preTimer.Stop()

			preElapsed := time.Since(phaseStart)
			if preElapsed > slowHookThreshold && r.OnSlowHook != nil {
				r.OnSlowHook("pre", preElapsed)
			}

			output, toolErr = r.execAndFeed(ctx, proc, exec)
			ranTool = true

			time.AfterFunc(r.phaseTimeout(), func() {
				timeoutMu.Lock()
				timedOutPhase = "post"
				timeoutMu.Unlock()
				_ = proc.Kill()
			})
			continue
		}
		if emit != nil {
			emit(line)
		}
	}

	waitErr := proc.Wait()
	<-stderrDone

	timeoutMu.Lock()
	phase := timedOutPhase
	timeoutMu.Unlock()
	if phase != "" {
		slog.Warn("hook.phase_timeout", "workspace", r.workspaceID, "tool", toolName, "phase", phase)
		if !ranTool {
			return nil, fmt.Errorf("tool hook timed out in %s phase", phase)
		}
	}

	if !ranTool {
		// The hook exited without printing the marker: the pre phase
		// blocked the tool, and its stderr goes back to the model.
		stderrMu.Lock()
		detail := strings.TrimSpace(stderrBuf.String())
		stderrMu.Unlock()
		if detail == "" && waitErr != nil {
			detail = waitErr.Error()
		}
		if detail == "" {
			detail = "hook exited before requesting tool execution"
		}
		return nil, fmt.Errorf("tool blocked by hook: %s", detail)
	}

	if post := strings.TrimSpace(stdoutAfterMarker.String()); post != "" {
		slog.Debug("hook.post_output", "workspace", r.workspaceID, "tool", toolName, "output", post)
	}

	// Tool failures win over hook teardown noise.
	if toolErr != nil {
		return nil, toolErr
	}
	return output, nil
}

// execAndFeed runs the tool and writes its serialized result (or error,
// or a streaming notice) plus newline to the hook's stdin.
func (r *Runner) execAndFeed(ctx context.Context, proc runtime.Process, exec ToolExec) (json.RawMessage, error) {
	output, streaming, toolErr := exec(ctx)

	var payload []byte
	switch {
	case streaming:
		payload = []byte(`{"streaming":true}`)
	case toolErr != nil:
		payload, _ = json.Marshal(map[string]string{"error": toolErr.Error()})
	case len(output) > 0:
		payload = output
	default:
		payload = []byte("null")
	}

	stdin := proc.Stdin()
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		slog.Warn("hook.result_write_failed", "workspace", r.workspaceID, "err", err)
	}
	_ = stdin.Close()
	return output, toolErr
}

// runWithSplitHooks is the simpler buffered protocol: tool_pre exit 0
// allows the tool, non-zero blocks it with its stderr as the reason;
// tool_post observes the result.
func (r *Runner) runWithSplitHooks(ctx context.Context, toolName string, input json.RawMessage, exec ToolExec) (json.RawMessage, error) {
	if r.paths.Pre != "" {
		env, cleanup, err := r.buildEnv(toolName, input, nil)
		if err != nil {
			return nil, err
		}
		preCtx, cancel := context.WithTimeout(ctx, r.phaseTimeout())
		res, err := r.rt.Exec(preCtx, shellQuote(r.paths.Pre), env)
		cancel()
		cleanup()
		if err != nil {
			return nil, fmt.Errorf("tool_pre: %w", err)
		}
		if res.ExitCode != 0 {
			reason := strings.TrimSpace(res.Stderr)
			if reason == "" {
				reason = fmt.Sprintf("tool_pre exited %d", res.ExitCode)
			}
			return nil, fmt.Errorf("tool blocked by hook: %s", reason)
		}
	}

	output, _, toolErr := exec(ctx)

	if r.paths.Post != "" {
		result := output
		if toolErr != nil {
			result, _ = json.Marshal(map[string]string{"error": toolErr.Error()})
		}
		extra := map[string]string{}
		if len(result) > ToolInputEnvLimit {
			name := fmt.Sprintf("mux-tool-result-%d-%s.json", time.Now().UnixMilli(), uuid.NewString())
			path := filepath.Join(r.rt.TempDir(), name)
			if werr := os.WriteFile(path, result, 0o600); werr == nil {
				extra["MUX_TOOL_RESULT"] = inputFileSentinel
				extra["MUX_TOOL_RESULT_PATH"] = path
				defer os.Remove(path)
			}
		} else {
			extra["MUX_TOOL_RESULT"] = string(result)
		}

		env, cleanup, err := r.buildEnv(toolName, input, extra)
		if err == nil {
			postCtx, cancel := context.WithTimeout(ctx, r.phaseTimeout())
			if _, perr := r.rt.Exec(postCtx, shellQuote(r.paths.Post), env); perr != nil {
				slog.Warn("hook.post_failed", "workspace", r.workspaceID, "err", perr)
			}
			cancel()
			cleanup()
		}
	}

	return output, toolErr
}

func newMarker() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate hook marker: %w", err)
	}
	return "MUX_EXEC_" + hex.EncodeToString(b[:]), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
