package schema

import (
	"fmt"
	"strings"
)

// EventKind enumerates the inbound event kinds the dispatcher accepts.
type EventKind string

const (
	EventNewMessage  EventKind = "NEW_MESSAGE"
	EventTagAdded    EventKind = "TAG_ADDED"
	EventStageChange EventKind = "STAGE_CHANGE"
	EventLeadCreated EventKind = "LEAD_CREATED"
	EventKeyword     EventKind = "KEYWORD"
	EventSystem      EventKind = "SYSTEM_EVENT"
	EventManual      EventKind = "MANUAL"
	EventWaitReply   EventKind = "WAIT_REPLY"

	// Closing kinds cancel the entity's live runs and start nothing.
	EventChatClosed    EventKind = "CHAT_CLOSED"
	EventEntityDeleted EventKind = "ENTITY_DELETED"
)

// ClosesEntity reports whether the event ends the entity's conversation.
func (k EventKind) ClosesEntity() bool {
	return k == EventChatClosed || k == EventEntityDeleted
}

// System event names carried by SYSTEM_EVENT payloads.
const (
	SysTaskCreated             = "TASK_CREATED"
	SysTaskAssigned            = "TASK_ASSIGNED"
	SysTaskCompleted           = "TASK_COMPLETED"
	SysTaskDueToday            = "TASK_DUE_TODAY"
	SysTaskDueTomorrow         = "TASK_DUE_TOMORROW"
	SysTaskOverdue             = "TASK_OVERDUE"
	SysProjectCreated          = "PROJECT_CREATED"
	SysProjectAssigned         = "PROJECT_ASSIGNED"
	SysProjectStageChanged     = "PROJECT_STAGE_CHANGED"
	SysProjectDeadlineToday    = "PROJECT_DEADLINE_TODAY"
	SysProjectDeadlineTomorrow = "PROJECT_DEADLINE_TOMORROW"
	SysProjectDeadlineWarning  = "PROJECT_DEADLINE_WARNING"
	SysProjectOverdue          = "PROJECT_OVERDUE"
)

// Well-known payload keys.
const (
	PayloadMessageType = "message_type"
	PayloadContent     = "content"
	PayloadInboxID     = "inbox_id"
	PayloadColumnID    = "column_id"
	PayloadStageID     = "stage_id"
	PayloadTagID       = "tag_id"
	PayloadTagIDs      = "tag_ids"
	PayloadEvent       = "event"
	PayloadChatID      = "chat_id"
	PayloadStartedBy   = "started_by"
	PayloadFlowID      = "flow_id"
)

// InboundEvent is emitted by the conversation, CRM and project subsystems.
type InboundEvent struct {
	Kind      EventKind      `json:"kind"`
	EntityRef string         `json:"entity_ref"`
	CompanyID string         `json:"company_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// String reads a payload value as a string; missing keys yield "".
func (e *InboundEvent) String(key string) string {
	if e.Payload == nil {
		return ""
	}
	return Stringify(e.Payload[key])
}

// MessageType returns the inbound message type (text, image, audio, ...).
func (e *InboundEvent) MessageType() string { return e.String(PayloadMessageType) }

// Content returns the inbound message text.
func (e *InboundEvent) Content() string { return e.String(PayloadContent) }

// InboxID returns the inbox the event arrived on.
func (e *InboundEvent) InboxID() string { return e.String(PayloadInboxID) }

// ColumnID returns the pipeline column carried by the event.
func (e *InboundEvent) ColumnID() string { return e.String(PayloadColumnID) }

// StageID returns the entity's current stage, falling back to column_id.
func (e *InboundEvent) StageID() string {
	if s := e.String(PayloadStageID); s != "" {
		return s
	}
	return e.ColumnID()
}

// SystemEvent returns the SYSTEM_EVENT name.
func (e *InboundEvent) SystemEvent() string { return e.String(PayloadEvent) }

// ChatID returns the chat the event belongs to, falling back to the entity.
func (e *InboundEvent) ChatID() string {
	if s := e.String(PayloadChatID); s != "" {
		return s
	}
	return e.EntityRef
}

// TagID returns the tag of a TAG_ADDED event.
func (e *InboundEvent) TagID() string { return e.String(PayloadTagID) }

// StartedBy returns the operator name of a MANUAL start.
func (e *InboundEvent) StartedBy() string { return e.String(PayloadStartedBy) }

// TagIDs returns every tag the entity carries according to the event,
// including the single tag of a TAG_ADDED event.
func (e *InboundEvent) TagIDs() []string {
	var out []string
	if e.Payload != nil {
		switch v := e.Payload[PayloadTagIDs].(type) {
		case []string:
			out = append(out, v...)
		case []any:
			for _, t := range v {
				out = append(out, Stringify(t))
			}
		}
	}
	if t := e.String(PayloadTagID); t != "" {
		out = append(out, t)
	}
	return out
}

// Validate checks the envelope fields every event needs.
func (e *InboundEvent) Validate() error {
	if e.Kind == "" {
		return NewError(ErrCodeValidation, "event kind is required")
	}
	if strings.TrimSpace(e.EntityRef) == "" {
		return NewError(ErrCodeValidation, "event entity_ref is required")
	}
	if e.Kind != EventWaitReply && e.CompanyID == "" {
		return NewError(ErrCodeValidation, "event company_id is required")
	}
	return nil
}

// Stringify renders a payload value as a variable string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
