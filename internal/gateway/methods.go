package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/muxworks/muxd/internal/session"
	"github.com/muxworks/muxd/internal/stream"
	"github.com/muxworks/muxd/internal/tools"
	"github.com/muxworks/muxd/pkg/protocol"
)

// dispatch routes one method frame. Sends run on a detached context:
// a dropped websocket must never abort an in-flight stream.
func (s *Server) dispatch(req protocol.Request) protocol.Response {
	result, err := s.call(req.Method, req.Params)
	if err != nil {
		return protocol.Response{ID: req.ID, Error: err.Error()}
	}
	return protocol.Response{ID: req.ID, Result: result}
}

func (s *Server) call(method string, params map[string]any) (any, error) {
	switch method {
	case protocol.MethodPing:
		return "pong", nil

	case protocol.MethodChatSend:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		text, err := strParam(params, "text")
		if err != nil {
			return nil, err
		}
		opts := session.SendOptions{AgentID: optStr(params, "agentId")}
		if err := s.deps.Session.SendMessage(context.Background(), ws, text, opts); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.MethodChatStop:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		if err := s.deps.Session.StopStream(ws, optBool(params, "abandon")); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.MethodChatHistory:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": s.deps.Store.GetHistory(ws)}, nil

	case protocol.MethodChatClear:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		if err := s.deps.Store.ClearHistory(ws); err != nil {
			return nil, err
		}
		s.deps.Timing.ClearTimingFile(ws)
		s.deps.Events.Publish(protocol.Event{Type: protocol.EventHistoryCleared, WorkspaceID: ws})
		return map[string]any{"ok": true}, nil

	case protocol.MethodChatTruncate:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		after, err := strParam(params, "afterMessageId")
		if err != nil {
			return nil, err
		}
		if err := s.deps.Store.TruncateAfterMessage(ws, after); err != nil {
			return nil, err
		}
		s.deps.Events.Publish(protocol.Event{
			Type:        protocol.EventHistoryTruncated,
			WorkspaceID: ws,
			Payload:     protocol.HistoryTruncated{AfterMessageID: after},
		})
		return map[string]any{"ok": true}, nil

	case protocol.MethodChatCompact:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		if err := s.deps.Session.Compact(context.Background(), ws); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.MethodStreamReplay:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		active := s.deps.Streams.Replay(ws, stream.ReplayOptions{AfterTimestamp: optInt64(params, "afterTimestamp")})
		return map[string]any{"active": active}, nil

	case protocol.MethodTaskCreate:
		parent, err := strParam(params, "parentWorkspaceId")
		if err != nil {
			return nil, err
		}
		prompt, err := strParam(params, "prompt")
		if err != nil {
			return nil, err
		}
		res, err := s.deps.Tasks.Create(context.Background(), tools.TaskCreateParams{
			ParentWorkspaceID: parent,
			Prompt:            prompt,
			AgentID:           optStr(params, "agentId"),
			Model:             optStr(params, "model"),
			ThinkingLevel:     optStr(params, "thinkingLevel"),
		})
		if err != nil {
			return nil, err
		}
		return res, nil

	case protocol.MethodTaskList:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": s.deps.Tasks.List(ws)}, nil

	case protocol.MethodTaskTerminate:
		id, err := strParam(params, "taskId")
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.deps.Tasks.Terminate(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.MethodToolAnswer:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		callID, err := strParam(params, "toolCallId")
		if err != nil {
			return nil, err
		}
		output, err := json.Marshal(params["output"])
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		if err := s.deps.Delegated.Answer(ws, callID, output); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.MethodToolCancel:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		callID, err := strParam(params, "toolCallId")
		if err != nil {
			return nil, err
		}
		reason := optStr(params, "reason")
		if reason == "" {
			reason = "cancelled by user"
		}
		if err := s.deps.Delegated.Cancel(ws, callID, reason); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case protocol.MethodToolPending:
		ws, err := strParam(params, "workspaceId")
		if err != nil {
			return nil, err
		}
		callID, toolName, ok := s.deps.Delegated.GetLatestPending(ws)
		return map[string]any{"toolCallId": callID, "toolName": toolName, "pending": ok}, nil

	case protocol.MethodSSHPromptReply:
		id, err := strParam(params, "promptId")
		if err != nil {
			return nil, err
		}
		s.deps.SSH.Respond(id, optStr(params, "response"))
		return map[string]any{"ok": true}, nil

	case protocol.MethodSSHPromptList:
		return map[string]any{"prompts": s.deps.SSH.PendingPrompts()}, nil

	case protocol.MethodWorkspaceList:
		cfg := s.deps.Config.Get()
		type row struct {
			ID                string `json:"id"`
			Name              string `json:"name,omitempty"`
			ProjectPath       string `json:"projectPath"`
			ParentWorkspaceID string `json:"parentWorkspaceId,omitempty"`
			AgentID           string `json:"agentId,omitempty"`
			TaskStatus        string `json:"taskStatus,omitempty"`
			Streaming         bool   `json:"streaming"`
		}
		var out []row
		for _, ws := range cfg.Workspaces {
			out = append(out, row{
				ID:                ws.ID,
				Name:              ws.Name,
				ProjectPath:       ws.ProjectPath,
				ParentWorkspaceID: ws.ParentWorkspaceID,
				AgentID:           ws.AgentID,
				TaskStatus:        string(ws.TaskStatus),
				Streaming:         s.deps.Streams.Active(ws.ID),
			})
		}
		return map[string]any{"workspaces": out}, nil

	case protocol.MethodConfigReload:
		// Flag invalidation and the reload event ride the service's
		// OnReload hook, shared with the fsnotify watcher.
		if err := s.deps.Config.Reload(); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func strParam(params map[string]any, key string) (string, error) {
	v, _ := params[key].(string)
	if v == "" {
		return "", fmt.Errorf("missing param %q", key)
	}
	return v, nil
}

func optStr(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func optBool(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func optInt64(params map[string]any, key string) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
