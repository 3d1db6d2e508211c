package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// MessageExecutor sends the text, media, buttons or list of a node to the
// run's chat. It serves message and interactive nodes, and the prompt of
// wait_for_response nodes.
type MessageExecutor struct {
	nodeType  schema.NodeType
	messenger Messenger
	renderer  *Renderer
	logger    *slog.Logger
}

// NewMessageExecutor creates a message sender registered under nodeType.
func NewMessageExecutor(nodeType schema.NodeType, c Collaborators, logger *slog.Logger) *MessageExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageExecutor{
		nodeType:  nodeType,
		messenger: c.Messenger,
		renderer:  NewRenderer(c.Directory),
		logger:    logger,
	}
}

func (e *MessageExecutor) Type() schema.NodeType { return e.nodeType }

func (e *MessageExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	data := inv.Node.Data
	if !data.HasPrompt() && len(data.Buttons) == 0 && !hasRows(data.ListSections) {
		if e.nodeType == schema.NodeWaitForResponse {
			return &Result{}, nil
		}
		return nil, schema.NewError(schema.ErrCodeValidation, "message node has nothing to send").WithNode(inv.Node.ID)
	}
	if e.messenger == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no messenger configured").WithNode(inv.Node.ID)
	}

	msg := OutboundMessage{
		CompanyID: inv.CompanyID,
		ChatID:    inv.ChatID(),
		InboxID:   inv.InboxID(),
		Text:      e.renderer.Render(ctx, inv, data.Text),
	}
	log := logging.LogWith(ctx, e.logger).With("chat_id", msg.ChatID, "inbox_id", msg.InboxID)

	if len(data.Buttons) > 0 || hasRows(data.ListSections) {
		sent, err := e.sendInteractive(ctx, msg, data)
		if sent {
			return &Result{Output: map[string]any{"mode": "interactive"}}, nil
		}
		if err != nil {
			log.Warn("interactive send failed, falling back to text", "error", err)
		}
	}

	if data.MediaURL != "" {
		media := mediaFor(data)
		media.URL = e.renderer.Render(ctx, inv, data.MediaURL)
		if err := e.messenger.SendMedia(ctx, msg, media); err != nil {
			return nil, collaboratorError("send media", err).WithNode(inv.Node.ID)
		}
		return &Result{Output: map[string]any{"mode": "media", "media_type": media.Type}}, nil
	}

	msg.Text = FallbackText(msg.Text, data)
	if err := e.messenger.SendText(ctx, msg); err != nil {
		return nil, collaboratorError("send text", err).WithNode(inv.Node.ID)
	}
	return &Result{Output: map[string]any{"mode": "text"}}, nil
}

// sendInteractive sends buttons or a list when the inbox supports them.
// It reports whether the message went out.
func (e *MessageExecutor) sendInteractive(ctx context.Context, msg OutboundMessage, data schema.NodeData) (bool, error) {
	if msg.InboxID == "" {
		return false, nil
	}
	ok, err := e.messenger.SupportsInteractive(ctx, msg.CompanyID, msg.InboxID)
	if err != nil || !ok {
		return false, err
	}

	if len(data.Buttons) > 0 {
		buttons := make([]InteractiveButton, len(data.Buttons))
		for i, b := range data.Buttons {
			id := b.ID
			if id == "" {
				id = fmt.Sprintf("btn_%d", i)
			}
			buttons[i] = InteractiveButton{ID: id, Title: b.Text}
		}
		if err := e.messenger.SendButtons(ctx, msg, buttons); err != nil {
			return false, err
		}
		return true, nil
	}

	label := data.ListButtonText
	if label == "" {
		label = schema.DefaultListButtonLabel
	}
	if err := e.messenger.SendList(ctx, msg, label, data.ListSections); err != nil {
		return false, err
	}
	return true, nil
}

// FallbackText appends buttons as numbered lines or list rows as bullets
// for channels without interactive messages.
func FallbackText(text string, data schema.NodeData) string {
	var lines []string
	switch {
	case len(data.Buttons) > 0:
		for i, b := range data.Buttons {
			lines = append(lines, fmt.Sprintf("%d️⃣ %s", i+1, b.Text))
		}
	case hasRows(data.ListSections):
		for _, s := range data.ListSections {
			for _, r := range s.Rows {
				line := "🔹 " + r.Title
				if r.Description != "" {
					line += " (" + r.Description + ")"
				}
				lines = append(lines, line)
			}
		}
	default:
		return text
	}
	return text + "\n\n" + strings.Join(lines, "\n")
}

func hasRows(sections []schema.ListSection) bool {
	for _, s := range sections {
		if len(s.Rows) > 0 {
			return true
		}
	}
	return false
}

func mediaFor(data schema.NodeData) Media {
	m := Media{Type: strings.ToUpper(data.MediaType), Name: data.MediaName}
	switch m.Type {
	case "IMAGE":
		m.MimeType = "image/png"
		if m.Name == "" {
			m.Name = "image.png"
		}
	case "AUDIO", "VOICE":
		m.Voice = true
		if m.Name == "" {
			m.Name = "audio.ogg"
		}
	default:
		if m.Name == "" {
			m.Name = "file"
		}
	}
	return m
}

// collaboratorError wraps a collaborator failure. Engine errors pass through
// so their codes (and retryability) survive.
func collaboratorError(op string, err error) *schema.EngineError {
	if ee, ok := err.(*schema.EngineError); ok {
		return ee
	}
	return schema.NewErrorf(schema.ErrCodeUnavailable, "%s: %s", op, err.Error()).WithCause(err)
}
