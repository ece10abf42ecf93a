package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxworks/muxd/internal/bus"
	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/flags"
	"github.com/muxworks/muxd/internal/history"
	"github.com/muxworks/muxd/internal/providers"
	"github.com/muxworks/muxd/internal/runtime"
	"github.com/muxworks/muxd/internal/session"
	"github.com/muxworks/muxd/internal/timing"
	"github.com/muxworks/muxd/internal/tools"
	"github.com/muxworks/muxd/pkg/protocol"
)

const (
	defaultMaxParallel = 3
	defaultMaxDepth    = 4
)

// Dispatcher is the session surface the scheduler drives.
type Dispatcher interface {
	SendMessage(ctx context.Context, workspaceID, text string, opts session.SendOptions) error
	Resume(ctx context.Context, workspaceID string, choice *providers.ToolChoice) error
	StopStream(workspaceID string, abandon bool) error
}

// ActiveChecker reports whether a workspace is currently streaming.
type ActiveChecker interface {
	Active(workspaceID string) bool
}

// Deps wires the task scheduler.
type Deps struct {
	Config   *config.Service
	Store    *history.Store
	Partials *history.PartialStore
	Dispatch Dispatcher
	Streams  ActiveChecker
	Events   bus.Publisher
	Timing   *timing.Service
	Flags    *flags.Service
}

// Service schedules sub-agent tasks: bounded parallelism with a queue,
// report delivery to the parent, patch artifacts and cleanup. All status
// mutations happen under one mutex; per-workspace event handling is
// additionally serialized so a stream-end cannot race the agent_report
// flip.
type Service struct {
	cfg      *config.Service
	store    *history.Store
	partials *history.PartialStore
	dispatch Dispatcher
	streams  ActiveChecker
	events   bus.Publisher
	timing   *timing.Service
	flags    *flags.Service

	mu              sync.Mutex
	foregroundAwait map[string]int
	startWaiters    map[string][]chan struct{}
	reportWaiters   map[string][]chan tools.Report
	reminded        map[string]bool
	delivered       map[string]bool
	cache           *reportCache

	wsLocks sync.Map // workspaceID -> *sync.Mutex
}

func New(d Deps) *Service {
	s := &Service{
		cfg:             d.Config,
		store:           d.Store,
		partials:        d.Partials,
		dispatch:        d.Dispatch,
		streams:         d.Streams,
		events:          d.Events,
		timing:          d.Timing,
		flags:           d.Flags,
		foregroundAwait: make(map[string]int),
		startWaiters:    make(map[string][]chan struct{}),
		reportWaiters:   make(map[string][]chan tools.Report),
		reminded:        make(map[string]bool),
		delivered:       make(map[string]bool),
		cache:           newReportCache(),
	}
	d.Events.Subscribe("task", s.onEvent)
	return s
}

var _ tools.Tasks = (*Service)(nil)

func (s *Service) wsLock(workspaceID string) *sync.Mutex {
	m, _ := s.wsLocks.LoadOrStore(workspaceID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Create validates and schedules a sub-agent task. Over-capacity tasks
// persist as queued without a worktree or init hook; the prompt lives in
// config, not chat history, so UIs cannot auto-retry it.
func (s *Service) Create(ctx context.Context, p tools.TaskCreateParams) (tools.TaskCreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg.Get()
	parent := cfg.Workspaces[p.ParentWorkspaceID]
	if parent == nil {
		return tools.TaskCreateResult{}, fmt.Errorf("parent workspace %s not found", p.ParentWorkspaceID)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return tools.TaskCreateResult{}, fmt.Errorf("task prompt is required")
	}

	agentID := config.NormalizeAgentID(p.AgentID)
	def := cfg.Agents[agentID]
	if def == nil || !def.Subagent.Runnable {
		ids := cfg.RunnableAgentIDs()
		sort.Strings(ids)
		return tools.TaskCreateResult{}, fmt.Errorf("agent %q cannot run as a subagent; runnable agents are: %s",
			agentID, strings.Join(ids, ", "))
	}

	maxDepth := cfg.Tasks.MaxTaskNestingDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	if cfg.WorkspaceDepth(p.ParentWorkspaceID)+1 > maxDepth {
		return tools.TaskCreateResult{}, fmt.Errorf("max task nesting depth %d exceeded", maxDepth)
	}

	taskID := uuid.NewString()

	if s.countActiveLocked(cfg) >= s.maxParallel(cfg) {
		err := s.cfg.Mutate(func(c *config.Config) error {
			if c.Workspaces == nil {
				c.Workspaces = make(map[string]*config.WorkspaceEntry)
			}
			c.Workspaces[taskID] = &config.WorkspaceEntry{
				ID:                taskID,
				Name:              "task:" + agentID,
				ProjectPath:       parent.ProjectPath,
				ParentWorkspaceID: p.ParentWorkspaceID,
				Runtime:           parent.Runtime,
				AgentID:           agentID,
				TaskStatus:        config.TaskQueued,
				TaskPrompt:        p.Prompt,
				TaskQueuedAt:      time.Now().UnixMilli(),
				TaskModelString:   p.Model,
				TaskThinkingLevel: p.ThinkingLevel,
			}
			return nil
		})
		if err != nil {
			return tools.TaskCreateResult{}, err
		}
		s.publishTask(protocol.EventTaskCreated, taskID, p.ParentWorkspaceID, agentID, config.TaskQueued)
		return tools.TaskCreateResult{TaskID: taskID, Status: "queued"}, nil
	}

	if err := s.startTaskLocked(ctx, parent, taskID, agentID, p.Prompt, p.Model, p.ThinkingLevel); err != nil {
		return tools.TaskCreateResult{}, err
	}
	s.publishTask(protocol.EventTaskCreated, taskID, p.ParentWorkspaceID, agentID, config.TaskRunning)
	return tools.TaskCreateResult{TaskID: taskID, Status: "running"}, nil
}

// startTaskLocked creates the workspace (worktree when the project is a
// git repo), runs the init hook, persists the running entry and
// dispatches the first send. Any send failure rolls everything back.
func (s *Service) startTaskLocked(ctx context.Context, parent *config.WorkspaceEntry, taskID, agentID, prompt, model, thinking string) error {
	cfg := s.cfg.Get()
	def := cfg.Agents[agentID]

	workPath := parent.ProjectPath
	rtType := parent.Runtime.Type
	baseSha := ""
	worktree := ""

	parentRT, err := runtime.New(&parent.Runtime, parent.ProjectPath)
	if err == nil {
		if sha, gitErr := runtime.HeadCommit(ctx, parentRT); gitErr == nil {
			baseSha = sha
			worktree = filepath.Join(parent.ProjectPath, ".mux-worktrees", taskID)
			if wtErr := runtime.CreateWorktree(ctx, parent.ProjectPath, worktree, "mux/task-"+taskID[:8]); wtErr != nil {
				slog.Warn("task.worktree_failed", "task", taskID, "err", wtErr)
				worktree = ""
			} else {
				workPath = worktree
				rtType = config.RuntimeWorktree
			}
		}
	}

	entry := &config.WorkspaceEntry{
		ID:                taskID,
		Name:              "task:" + agentID,
		ProjectPath:       workPath,
		ParentWorkspaceID: parent.ID,
		Runtime:           config.RuntimeConfig{Type: rtType, Host: parent.Runtime.Host, User: parent.Runtime.User},
		AgentID:           agentID,
		TaskStatus:        config.TaskRunning,
		TaskBaseCommitSha: baseSha,
		TaskModelString:   model,
		TaskThinkingLevel: thinking,
	}
	if err := s.cfg.Mutate(func(c *config.Config) error {
		if c.Workspaces == nil {
			c.Workspaces = make(map[string]*config.WorkspaceEntry)
		}
		c.Workspaces[taskID] = entry
		return nil
	}); err != nil {
		return err
	}

	if def == nil || !def.Subagent.SkipInitHook {
		go s.runInitHook(taskID, workPath, entry.Runtime)
	}

	prompt = taskPreamble(agentID) + prompt
	if err := s.dispatch.SendMessage(context.WithoutCancel(ctx), taskID, prompt, session.SendOptions{AgentID: agentID}); err != nil {
		s.rollbackLocked(ctx, taskID, parent.ProjectPath, worktree)
		return fmt.Errorf("dispatch task prompt: %w", err)
	}

	s.publishStatus(taskID, parent.ID, agentID, config.TaskRunning)
	return nil
}

func (s *Service) rollbackLocked(ctx context.Context, taskID, repoPath, worktree string) {
	_ = s.cfg.Mutate(func(c *config.Config) error {
		delete(c.Workspaces, taskID)
		return nil
	})
	if worktree != "" {
		if err := runtime.RemoveWorktree(ctx, repoPath, worktree); err != nil {
			slog.Warn("task.rollback_worktree_failed", "task", taskID, "err", err)
		}
	}
	_ = os.RemoveAll(s.store.Dir(taskID))
}

// runInitHook executes .mux/task_init in the task's working directory.
func (s *Service) runInitHook(taskID, workPath string, rc config.RuntimeConfig) {
	script := filepath.Join(workPath, ".mux", "task_init")
	if info, err := os.Stat(script); err != nil || info.Mode()&0o111 == 0 {
		return
	}
	rt, err := runtime.New(&rc, workPath)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := rt.Exec(ctx, script, []string{"MUX_WORKSPACE_ID=" + taskID})
	if err != nil || res.ExitCode != 0 {
		slog.Warn("task.init_hook_failed", "task", taskID, "err", err)
	}
}

// maybeStartQueuedTasks drains the queue oldest-first while capacity
// allows.
func (s *Service) maybeStartQueuedTasks(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg.Get()
	var queued []*config.WorkspaceEntry
	for _, ws := range cfg.Workspaces {
		if ws.TaskStatus == config.TaskQueued {
			queued = append(queued, ws)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].TaskQueuedAt < queued[j].TaskQueuedAt })

	for _, ws := range queued {
		cfg = s.cfg.Get()
		if s.countActiveLocked(cfg) >= s.maxParallel(cfg) {
			return
		}
		parent := cfg.Workspaces[ws.ParentWorkspaceID]
		if parent == nil {
			continue
		}
		prompt := ws.TaskPrompt
		taskID := ws.ID

		// Re-create as running; the queued row carried no worktree.
		_ = s.cfg.Mutate(func(c *config.Config) error {
			delete(c.Workspaces, taskID)
			return nil
		})
		if err := s.startTaskLocked(ctx, parent, taskID, ws.AgentID, prompt, ws.TaskModelString, ws.TaskThinkingLevel); err != nil {
			slog.Warn("task.queue_start_failed", "task", taskID, "err", err)
			continue
		}
		s.resolveStartWaitersLocked(taskID)
	}
}

func (s *Service) resolveStartWaitersLocked(taskID string) {
	for _, ch := range s.startWaiters[taskID] {
		close(ch)
	}
	delete(s.startWaiters, taskID)
}

// countActiveLocked counts live tasks, excluding those whose workspace
// is foreground-awaiting a child (their slot is logically lent to the
// child; counting them would deadlock nested chains).
func (s *Service) countActiveLocked(cfg *config.Config) int {
	n := 0
	for id, ws := range cfg.Workspaces {
		switch ws.TaskStatus {
		case config.TaskRunning, config.TaskAwaitingReport:
			if s.foregroundAwait[id] == 0 {
				n++
			}
		}
	}
	return n
}

func (s *Service) maxParallel(cfg *config.Config) int {
	if cfg.Tasks.MaxParallelAgentTasks > 0 {
		return cfg.Tasks.MaxParallelAgentTasks
	}
	return defaultMaxParallel
}

// HasActiveDescendants reports live tasks anywhere under a workspace.
func (s *Service) HasActiveDescendants(workspaceID string) bool {
	cfg := s.cfg.Get()
	return s.hasActiveDescendants(cfg, workspaceID, 0)
}

func (s *Service) hasActiveDescendants(cfg *config.Config, workspaceID string, depth int) bool {
	if depth > 32 {
		slog.Warn("task.tree_cycle_detected", "workspace", workspaceID)
		return false
	}
	for _, child := range cfg.ChildrenByParent()[workspaceID] {
		switch child.TaskStatus {
		case config.TaskQueued, config.TaskRunning, config.TaskAwaitingReport:
			return true
		}
		if s.hasActiveDescendants(cfg, child.ID, depth+1) {
			return true
		}
	}
	return false
}

// Terminate tears down a task subtree, leaves first.
func (s *Service) Terminate(ctx context.Context, taskID string) error {
	cfg := s.cfg.Get()
	ws := cfg.Workspaces[taskID]
	if ws == nil || ws.ParentWorkspaceID == "" {
		return fmt.Errorf("task %s not found", taskID)
	}
	s.terminateSubtree(ctx, cfg, taskID, 0)

	s.publishTask(protocol.EventTaskTerminated, taskID, ws.ParentWorkspaceID, ws.AgentID, "terminated")

	go s.maybeStartQueuedTasks(context.Background())
	return nil
}

func (s *Service) terminateSubtree(ctx context.Context, cfg *config.Config, workspaceID string, depth int) {
	if depth > 32 {
		return
	}
	for _, child := range cfg.ChildrenByParent()[workspaceID] {
		s.terminateSubtree(ctx, cfg, child.ID, depth+1)
	}

	_ = s.dispatch.StopStream(workspaceID, true)

	s.mu.Lock()
	for _, ch := range s.reportWaiters[workspaceID] {
		close(ch)
	}
	delete(s.reportWaiters, workspaceID)
	s.resolveStartWaitersLocked(workspaceID)
	s.mu.Unlock()

	ws := cfg.Workspaces[workspaceID]
	_ = s.cfg.Mutate(func(c *config.Config) error {
		delete(c.Workspaces, workspaceID)
		return nil
	})
	if ws != nil && ws.Runtime.Type == config.RuntimeWorktree {
		if parent := cfg.Workspaces[ws.ParentWorkspaceID]; parent != nil {
			_ = runtime.RemoveWorktree(ctx, parent.ProjectPath, ws.ProjectPath)
		}
	}
	_ = os.RemoveAll(s.store.Dir(workspaceID))
}

func (s *Service) publishStatus(taskID, parentID, agentID string, status config.TaskStatus) {
	s.publishTask(protocol.EventTaskStatusChanged, taskID, parentID, agentID, status)
}

func (s *Service) publishTask(t protocol.EventType, taskID, parentID, agentID string, status config.TaskStatus) {
	s.events.Publish(protocol.Event{
		Type:        t,
		WorkspaceID: parentID,
		Payload: protocol.TaskEvent{
			TaskWorkspaceID:   taskID,
			ParentWorkspaceID: parentID,
			AgentID:           agentID,
			Status:            string(status),
		},
	})
}

// Info is one row of a task listing.
type Info struct {
	TaskID            string            `json:"taskId"`
	ParentWorkspaceID string            `json:"parentWorkspaceId"`
	AgentID           string            `json:"agentId"`
	Status            config.TaskStatus `json:"status"`
	QueuedAt          int64             `json:"queuedAt,omitempty"`
	ReportedAt        int64             `json:"reportedAt,omitempty"`
	BaseCommitSha     string            `json:"baseCommitSha,omitempty"`
}

// List returns the task subtree under a workspace, stable-ordered by id.
func (s *Service) List(rootWorkspaceID string) []Info {
	cfg := s.cfg.Get()
	byParent := cfg.ChildrenByParent()
	var out []Info
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		if depth > 32 {
			return
		}
		children := byParent[id]
		sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
		for _, c := range children {
			if c.TaskStatus == "" {
				continue
			}
			out = append(out, Info{
				TaskID:            c.ID,
				ParentWorkspaceID: c.ParentWorkspaceID,
				AgentID:           c.AgentID,
				Status:            c.TaskStatus,
				QueuedAt:          c.TaskQueuedAt,
				ReportedAt:        c.ReportedAt,
				BaseCommitSha:     c.TaskBaseCommitSha,
			})
			walk(c.ID, depth+1)
		}
	}
	walk(rootWorkspaceID, 0)
	return out
}

// taskPreamble frames the sub-agent's contract.
func taskPreamble(agentID string) string {
	return "You are running as sub-agent \"" + agentID + "\". Work the task below to completion, then call agent_report exactly once with your findings.\n\n"
}
