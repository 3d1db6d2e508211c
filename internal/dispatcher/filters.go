package dispatcher

import (
	"context"
	"slices"
	"strings"

	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// entityFacts caches the live tags and stage of the event's entity for the
// duration of one dispatch.
type entityFacts struct {
	loaded bool
	stage  string
	tags   []string
	err    error
}

// matches reports whether the trigger accepts the event.
func (d *Dispatcher) matches(ctx context.Context, cfg *schema.TriggerConfig, ev *schema.InboundEvent, facts *entityFacts) bool {
	if cfg == nil || cfg.Type != ev.Kind {
		return false
	}

	switch ev.Kind {
	case schema.EventNewMessage:
		if len(cfg.MessageTypes) > 0 && !containsFold(cfg.MessageTypes, ev.MessageType()) {
			return false
		}
	case schema.EventSystem:
		if cfg.Event != "" && !strings.EqualFold(cfg.Event, ev.SystemEvent()) {
			return false
		}
	case schema.EventStageChange:
		if cfg.ColumnID != "" && cfg.ColumnID != ev.ColumnID() {
			return false
		}
	case schema.EventKeyword:
		if cfg.Keyword == "" {
			return false
		}
	}

	if cfg.InboxID != "" && filtersInbox(ev.Kind) && cfg.InboxID != ev.InboxID() {
		return false
	}
	if cfg.Keyword != "" && !strings.Contains(strings.ToLower(ev.Content()), strings.ToLower(cfg.Keyword)) {
		return false
	}

	if cfg.FilterStageID != "" || len(cfg.FilterTagIDs) > 0 {
		if !d.entityFilters(ctx, cfg, ev, facts) {
			return false
		}
	}

	if cfg.FilterExpr != "" {
		ok, err := d.exprs.Match(ctx, cfg.FilterExpr, exprEnv(ev))
		if err != nil {
			logging.LogWith(ctx, d.logger).Warn("trigger filter_expr failed, skipping flow",
				"expression", cfg.FilterExpr, "error", err)
			return false
		}
		return ok
	}
	return true
}

// entityFilters applies filter_stage_id and filter_tag_ids. Values carried
// by the event win; the directory fills in what the event lacks. A failed
// lookup rejects the trigger.
func (d *Dispatcher) entityFilters(ctx context.Context, cfg *schema.TriggerConfig, ev *schema.InboundEvent, facts *entityFacts) bool {
	stage := ev.StageID()
	tags := ev.TagIDs()

	needStage := cfg.FilterStageID != "" && stage == ""
	needTags := len(cfg.FilterTagIDs) > 0
	if (needStage || needTags) && d.directory != nil {
		if !facts.loaded {
			facts.loaded = true
			facts.stage, facts.err = d.directory.EntityStage(ctx, ev.CompanyID, ev.EntityRef)
			if facts.err == nil {
				facts.tags, facts.err = d.directory.EntityTags(ctx, ev.CompanyID, ev.EntityRef)
			}
		}
		if facts.err != nil {
			logging.LogWith(ctx, d.logger).Warn("entity lookup for trigger filters failed",
				"entity_ref", ev.EntityRef, "error", facts.err)
			return false
		}
		if needStage {
			stage = facts.stage
		}
		tags = append(tags, facts.tags...)
	}

	if cfg.FilterStageID != "" && cfg.FilterStageID != stage {
		return false
	}
	if len(cfg.FilterTagIDs) > 0 {
		for _, want := range cfg.FilterTagIDs {
			if slices.Contains(tags, want) {
				return true
			}
		}
		return false
	}
	return true
}

// exprEnv is the environment filter_expr expressions see.
func exprEnv(ev *schema.InboundEvent) map[string]any {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"event": map[string]any{
			"kind":         string(ev.Kind),
			"entity_ref":   ev.EntityRef,
			"company_id":   ev.CompanyID,
			"content":      ev.Content(),
			"message_type": ev.MessageType(),
			"inbox_id":     ev.InboxID(),
		},
		"payload": payload,
	}
}

// filtersInbox reports whether a trigger's inbox_id restricts events of kind.
// For the other kinds it only supplies the default outbound inbox.
func filtersInbox(kind schema.EventKind) bool {
	switch kind {
	case schema.EventNewMessage, schema.EventLeadCreated, schema.EventKeyword:
		return true
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
