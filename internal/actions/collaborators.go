package actions

import (
	"context"

	"github.com/rendis/flowengine/pkg/schema"
)

// OutboundMessage addresses a message to a chat.
type OutboundMessage struct {
	CompanyID string
	ChatID    string
	InboxID   string
	Text      string
}

// Media is an attachment sent with a caption.
type Media struct {
	URL      string
	Type     string
	Name     string
	MimeType string
	Voice    bool
}

// InteractiveButton is a quick-reply button as the channel receives it.
type InteractiveButton struct {
	ID    string
	Title string
}

// Messenger sends chat messages.
type Messenger interface {
	// SupportsInteractive reports whether the inbox's channel renders
	// interactive buttons and lists.
	SupportsInteractive(ctx context.Context, companyID, inboxID string) (bool, error)
	SendText(ctx context.Context, msg OutboundMessage) error
	SendButtons(ctx context.Context, msg OutboundMessage, buttons []InteractiveButton) error
	SendList(ctx context.Context, msg OutboundMessage, buttonText string, sections []schema.ListSection) error
	SendMedia(ctx context.Context, msg OutboundMessage, media Media) error
}

// CRM changes the bound entity's tags and pipeline position.
type CRM interface {
	AddTag(ctx context.Context, companyID, entityRef, tagID string) error
	MoveStage(ctx context.Context, companyID, entityRef, columnID string) error
}

// ChatControl changes chat state.
type ChatControl interface {
	SetStatus(ctx context.Context, companyID, chatID, status string) error
	// SetAgent assigns an AI agent; an empty agentID clears it.
	SetAgent(ctx context.Context, companyID, chatID, agentID string) error
	PostSystemNote(ctx context.Context, companyID, chatID, text string) error
}

// Notification is a message to a phone number outside the run's chat.
type Notification struct {
	CompanyID string
	InboxID   string
	Phone     string
	Text      string
}

// Notifier delivers third-party notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Directory looks up live entity data.
type Directory interface {
	EntityTags(ctx context.Context, companyID, entityRef string) ([]string, error)
	EntityStage(ctx context.Context, companyID, entityRef string) (string, error)
	EntityField(ctx context.Context, companyID, entityRef, field string) (string, error)
	// RecipientPhone resolves a notification target (RESPONSIBLE,
	// ENTITY_CUSTOMER, FLOW_CONTACT) to a phone number.
	RecipientPhone(ctx context.Context, companyID, entityRef, target string) (string, error)
}

// Collaborators bundles the external systems executors call.
type Collaborators struct {
	Messenger Messenger
	CRM       CRM
	Chat      ChatControl
	Notifier  Notifier
	Directory Directory
}
