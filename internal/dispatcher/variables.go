package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowengine/internal/actions"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// initialVariables builds the variable bag of a new run: the payload
// flattened to strings, the chat and inbox the run talks to, the triggering
// message, and the trigger's jq captures.
func (d *Dispatcher) initialVariables(ctx context.Context, cfg *schema.TriggerConfig, ev *schema.InboundEvent) map[string]string {
	vars := make(map[string]string, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		vars[k] = flatten(v)
	}

	vars[actions.VarChatID] = ev.ChatID()
	if inbox := ev.InboxID(); inbox != "" {
		vars[actions.VarInboxID] = inbox
	} else if cfg != nil && cfg.InboxID != "" {
		vars[actions.VarInboxID] = cfg.InboxID
	}
	if content := ev.Content(); content != "" {
		vars[actions.VarLastMessage] = content
	}

	if cfg != nil && len(cfg.Capture) > 0 {
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		captured, errs := d.jq.Capture(ctx, cfg.Capture, payload)
		for _, err := range errs {
			logging.LogWith(ctx, d.logger).Warn("trigger capture failed", "error", err)
		}
		for k, v := range captured {
			vars[k] = v
		}
	}
	return vars
}

// flatten renders a payload value as a variable. Objects and arrays keep
// their JSON form.
func flatten(v any) string {
	switch v.(type) {
	case map[string]any, []any, []string:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
	}
	return schema.Stringify(v)
}
