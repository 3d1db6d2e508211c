package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlowServer(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"flow.status", "Get a flow run's status and pending wait"},
		{"flow.cancel", "Cancel a running or suspended flow run"},
		{"flow.query", "Query runs, run events, node visits or flows"},
		{"flow.emit", "Send an inbound event to the trigger dispatcher. CHAT_CLOSED and ENTITY_DELETED cancel the entity's live runs"},
		{"flow.define", "Validate and store a flow definition"},
		{"flow.diagram", "Render a flow, or a run's progress through it, as a Mermaid flowchart"},
	}

	s := NewFlowServer(FlowServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
