package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/pkg/protocol"
)

func attachCmd() *cobra.Command {
	var (
		workspaceID string
		gatewayURL  string
		token       string
	)
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach an interactive terminal to a running daemon",
		Long:  "Connects to the gateway websocket, streams assistant output for one workspace and sends each stdin line as a chat message.",
		Run: func(cmd *cobra.Command, args []string) {
			runAttach(workspaceID, gatewayURL, token)
		},
	}
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "workspace id to attach to (required)")
	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway websocket URL (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default from config)")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

// inFrame mirrors the gateway's multiplexed output frame.
type inFrame struct {
	Event *struct {
		Type        protocol.EventType `json:"type"`
		WorkspaceID string             `json:"workspaceId"`
		Payload     json.RawMessage    `json:"payload"`
	} `json:"event,omitempty"`
	Response *struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	} `json:"response,omitempty"`
}

func runAttach(workspaceID, gatewayURL, token string) {
	cfg := config.LoadOrDefault(resolveConfigPath())
	if gatewayURL == "" {
		gatewayURL = fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if token == "" {
		token = cfg.Gateway.Token
	}
	if token != "" {
		sep := "?"
		if strings.Contains(gatewayURL, "?") {
			sep = "&"
		}
		gatewayURL += sep + "token=" + token
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, gatewayURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %s\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 22)

	var reqID atomic.Int64
	send := func(method string, params map[string]any) {
		req := protocol.Request{ID: reqID.Add(1), Method: method, Params: params}
		if err := wsjson.Write(ctx, conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "send: %s\n", err)
		}
	}

	// Replay any in-flight stream so we join mid-response cleanly.
	send(protocol.MethodStreamReplay, map[string]any{"workspaceId": workspaceID})

	go func() {
		for {
			var fr inFrame
			if err := wsjson.Read(ctx, conn, &fr); err != nil {
				if ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "\nconnection lost: %s\n", err)
				}
				stop()
				return
			}
			printFrame(workspaceID, fr)
		}
	}()

	fmt.Printf("attached to %s — type a message, ctrl-d to quit\n", workspaceID)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		send(protocol.MethodChatSend, map[string]any{
			"workspaceId": workspaceID,
			"text":        line,
		})
	}
	stop()
}

func printFrame(workspaceID string, fr inFrame) {
	if fr.Response != nil && fr.Response.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", fr.Response.Error)
		return
	}
	ev := fr.Event
	if ev == nil || (ev.WorkspaceID != "" && ev.WorkspaceID != workspaceID) {
		return
	}

	switch ev.Type {
	case protocol.EventStreamDelta:
		var d protocol.StreamDelta
		if json.Unmarshal(ev.Payload, &d) == nil && d.Text != "" {
			fmt.Print(d.Text)
		}
	case protocol.EventStreamEnd:
		fmt.Println()
	case protocol.EventStreamError:
		var e protocol.StreamError
		if json.Unmarshal(ev.Payload, &e) == nil {
			fmt.Fprintf(os.Stderr, "\nstream error (%s): %s\n", e.Kind, e.Message)
		}
	case protocol.EventToolCallStart:
		fmt.Print("\n[tool] ")
	case protocol.EventTaskReported:
		fmt.Println("\n[task reported]")
	case protocol.EventSSHPromptRequest:
		fmt.Fprintln(os.Stderr, "\n[ssh prompt pending — answer from the workstation UI]")
	}
}
