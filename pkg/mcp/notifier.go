package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

// NotificationSender pushes a notification to one MCP session.
// *server.MCPServer satisfies it.
type NotificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// RunNotifier forwards run events from the hub to the sessions watching
// each run. Delivery is best-effort.
type RunNotifier struct {
	sender   NotificationSender
	sessions *SessionRegistry
	hub      *streaming.Hub
	logger   *slog.Logger
}

// NewRunNotifier creates a notifier.
func NewRunNotifier(sender NotificationSender, sessions *SessionRegistry, hub *streaming.Hub, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{sender: sender, sessions: sessions, hub: hub, logger: logger}
}

// Run forwards events until ctx is done.
func (n *RunNotifier) Run(ctx context.Context) error {
	ch, cancel, err := n.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for ev := range ch {
		n.Deliver(ev)
	}
	return ctx.Err()
}

// Deliver sends one event to the run's watchers. Watchers are forgotten
// once the run finishes.
func (n *RunNotifier) Deliver(ev *store.RunEvent) {
	sessions := n.sessions.SessionsFor(ev.RunID)
	if len(sessions) == 0 {
		return
	}

	params := map[string]any{
		"run_id":     ev.RunID,
		"event_type": ev.Type,
		"sequence":   ev.Sequence,
		"timestamp":  ev.Timestamp,
	}
	if ev.NodeID != "" {
		params["node_id"] = ev.NodeID
	}
	if len(ev.Payload) > 0 {
		params["payload"] = json.RawMessage(ev.Payload)
	}

	for _, sid := range sessions {
		err := n.sender.SendNotificationToSpecificClient(sid, "notifications/message", params)
		switch {
		case err == nil:
		case errors.Is(err, server.ErrSessionNotFound):
			n.sessions.Remove(sid)
		default:
			n.logger.Warn("run notification failed",
				slog.String("session_id", sid), slog.String("run_id", ev.RunID), slog.String("error", err.Error()))
		}
	}

	switch ev.Type {
	case schema.EventRunCompleted, schema.EventRunErrored, schema.EventRunCancelled:
		n.sessions.Forget(ev.RunID)
	}
}
