package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowengine/internal/diagram"
	"github.com/rendis/flowengine/internal/flows"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

const defaultQueryLimit = 100

// handleStatus returns a run with its pending wait, optionally watching it.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}

	watching := false
	if req.GetBool("watch", false) && !snap.Run.Status.IsTerminal() {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			s.sessions.Watch(runID, session.SessionID())
			watching = true
		}
	}

	return marshalResult(map[string]any{
		"run":      snap.Run,
		"wait":     snap.Wait,
		"watching": watching,
	})
}

// handleCancel cancels a live run.
func (s *FlowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	if err := s.runs.Cancel(ctx, runID, reason); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"status": schema.RunStatusCancelled,
	})
}

// handleEmit sends an inbound event through the dispatcher.
func (s *FlowServer) handleEmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}
	entityRef, err := req.RequireString("entity_ref")
	if err != nil {
		return mcp.NewToolResultError("entity_ref is required"), nil
	}

	ev := &schema.InboundEvent{
		Kind:      schema.EventKind(strings.ToUpper(kind)),
		CompanyID: req.GetString("company_id", ""),
		EntityRef: entityRef,
		Payload:   mcp.ParseStringMap(req, "payload", nil),
	}
	out, err := s.events.Dispatch(ctx, ev)
	if err != nil {
		return toolError("emit failed", err), nil
	}
	return marshalResult(out)
}

// handleDefine validates and stores a flow definition.
func (s *FlowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	companyID, err := req.RequireString("company_id")
	if err != nil {
		return mcp.NewToolResultError("company_id is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	res, err := s.flows.Define(ctx, flows.DefineRequest{
		ID:         req.GetString("flow_id", ""),
		CompanyID:  companyID,
		Name:       req.GetString("name", ""),
		Active:     req.GetBool("active", false),
		Definition: &def,
	})
	if err != nil {
		return toolError("define failed", err), nil
	}
	return marshalResult(res)
}

// handleDiagram renders a flow or a run as Mermaid text.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	flowID := req.GetString("flow_id", "")

	var (
		model *diagram.DiagramModel
		err   error
	)
	switch {
	case runID != "":
		snap, gerr := s.runs.GetRun(ctx, runID)
		if gerr != nil {
			return toolError("diagram failed", gerr), nil
		}
		visits, verr := s.runs.Visits(ctx, runID)
		if verr != nil {
			return toolError("diagram failed", verr), nil
		}
		model, err = diagram.BuildRun(snap.Run, visits)
	case flowID != "":
		flow, gerr := s.flows.Get(ctx, flowID)
		if gerr != nil {
			return toolError("diagram failed", gerr), nil
		}
		def := *flow.Definition
		if def.Name == "" {
			def.Name = flow.Name
		}
		model, err = diagram.Build(&def)
	default:
		return mcp.NewToolResultError("flow_id or run_id is required"), nil
	}
	if err != nil {
		return toolError("diagram failed", err), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// handleQuery lists runs, run events, node visits or flows.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "visits":
		return s.queryVisits(ctx, filter)
	case "flows":
		return s.queryFlows(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q (expected runs, events, visits or flows)", resource)), nil
	}
}

func (s *FlowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		FlowID:    extractString(filter, "flow_id"),
		CompanyID: extractString(filter, "company_id"),
		EntityRef: extractString(filter, "entity_ref"),
		Limit:     extractInt(filter, "limit", defaultQueryLimit),
	}
	if st := extractString(filter, "status"); st != "" {
		for _, part := range strings.Split(st, ",") {
			if p := strings.TrimSpace(part); p != "" {
				rf.Statuses = append(rf.Statuses, schema.RunStatus(strings.ToUpper(p)))
			}
		}
	}

	runs, err := s.runs.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if runs == nil {
		runs = []*store.FlowRun{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := extractString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	events, err := s.runs.RunHistory(ctx, runID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return toolError("query failed", err), nil
	}
	if eventType := extractString(filter, "event_type"); eventType != "" {
		kept := events[:0]
		for _, e := range events {
			if e.Type == eventType {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	if events == nil {
		events = []*store.RunEvent{}
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *FlowServer) queryVisits(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := extractString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("visit query requires 'run_id' in filter"), nil
	}
	visits, err := s.runs.Visits(ctx, runID)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if visits == nil {
		visits = []*store.NodeVisit{}
	}
	return marshalResult(map[string]any{"visits": visits})
}

func (s *FlowServer) queryFlows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ff := store.FlowFilter{
		CompanyID:  extractString(filter, "company_id"),
		ActiveOnly: extractBool(filter, "active_only"),
		Limit:      extractInt(filter, "limit", defaultQueryLimit),
	}
	list, err := s.flows.List(ctx, ff)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if list == nil {
		list = []*store.Flow{}
	}
	return marshalResult(map[string]any{"flows": list})
}

// --- Helpers ---

// toolError reports a failed call. Engine errors carry their code in the
// text, so agents can tell a missing run from a transient failure.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return strings.TrimSpace(v)
}

func extractBool(filter map[string]any, key string) bool {
	if filter == nil {
		return false
	}
	switch v := filter[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	switch val := filter[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
