package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func TestTagExecutor(t *testing.T) {
	crm := &fakeCRM{}
	exec := NewTagExecutor(Collaborators{CRM: crm})

	node := schema.Node{ID: "t1", Type: schema.NodeTag, Data: schema.NodeData{TagID: "vip"}}
	_, err := exec.Execute(context.Background(), invocation(node, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, crm.tags)

	node.Data.TagID = ""
	_, err = exec.Execute(context.Background(), invocation(node, nil))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestStageExecutor(t *testing.T) {
	crm := &fakeCRM{}
	exec := NewStageExecutor(Collaborators{CRM: crm})

	node := schema.Node{ID: "s1", Type: schema.NodeStage, Data: schema.NodeData{ColumnID: "col-won"}}
	_, err := exec.Execute(context.Background(), invocation(node, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"col-won"}, crm.stages)

	crm.err = schema.NewError(schema.ErrCodeNotFound, "column gone")
	_, err = exec.Execute(context.Background(), invocation(node, nil))
	assert.True(t, schema.IsNotFound(err), "engine error codes pass through")
}

func TestStatusExecutor(t *testing.T) {
	chat := &fakeChat{}
	exec := NewStatusExecutor(Collaborators{Chat: chat})

	node := schema.Node{ID: "st", Type: schema.NodeStatus, Data: schema.NodeData{Status: "CLOSED"}}
	_, err := exec.Execute(context.Background(), invocation(node, map[string]string{VarChatID: "chat-7"}))
	require.NoError(t, err)
	assert.Equal(t, []chatCall{{"status", "chat-7", "CLOSED"}}, chat.calls)
}

func TestAIActionPlan(t *testing.T) {
	tests := []struct {
		name       string
		data       schema.NodeData
		wantAgent  string
		wantStatus string
		wantErr    bool
	}{
		{"activate default status", schema.NodeData{Action: "ACTIVATE", AgentID: "a1"}, "a1", "AI", false},
		{"activate explicit status", schema.NodeData{Action: "activate", AgentID: "a1", ChangeChatStatus: "PENDING"}, "a1", "PENDING", false},
		{"activate needs agent", schema.NodeData{Action: "ACTIVATE"}, "", "", true},
		{"deactivate default", schema.NodeData{Action: "DEACTIVATE"}, "", "OPEN", false},
		{"deactivate destination", schema.NodeData{Action: "DEACTIVATE", DestinationStatus: "PENDING"}, "", "PENDING", false},
		{"deactivate change wins", schema.NodeData{Action: "DEACTIVATE", DestinationStatus: "PENDING", ChangeChatStatus: "CLOSED"}, "", "CLOSED", false},
		{"transfer", schema.NodeData{Action: "TRANSFER", AgentID: "a2"}, "a2", "AI", false},
		{"unknown", schema.NodeData{Action: "PAUSE"}, "", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			agent, status, err := AIActionPlan(tc.data)
			if tc.wantErr {
				require.NotNil(t, err)
				assert.Equal(t, schema.ErrCodeValidation, err.Code)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tc.wantAgent, agent)
			assert.Equal(t, tc.wantStatus, status)
		})
	}
}

func TestAIActionExecutor(t *testing.T) {
	chat := &fakeChat{}
	exec := NewAIActionExecutor(Collaborators{Chat: chat})

	node := schema.Node{ID: "ai", Type: schema.NodeAIAction, Data: schema.NodeData{Action: "DEACTIVATE"}}
	_, err := exec.Execute(context.Background(), invocation(node, nil))
	require.NoError(t, err)
	assert.Equal(t, []chatCall{{"agent", "chat-1", ""}, {"status", "chat-1", "OPEN"}}, chat.calls)
}

func TestExternalNotify_Recipients(t *testing.T) {
	dir := &fakeDirectory{
		fields: map[string]string{"task_title": "Enviar proposta"},
		recipients: map[string]string{
			TargetResponsible:    "+5511900000001",
			TargetEntityCustomer: "+5511900000002",
			TargetFlowContact:    "+5511900000003",
		},
	}

	tests := []struct {
		name      string
		data      schema.NodeData
		wantPhone string
		wantCode  string
	}{
		{"default responsible", schema.NodeData{Text: "Tarefa {{task_title}}"}, "+5511900000001", ""},
		{"entity customer", schema.NodeData{Target: "ENTITY_CUSTOMER", Text: "x"}, "+5511900000002", ""},
		{"flow contact", schema.NodeData{Target: "flow_contact", Text: "x"}, "+5511900000003", ""},
		{"custom", schema.NodeData{Target: "CUSTOM", CustomPhone: " +5511988887777 ", Text: "x"}, "+5511988887777", ""},
		{"custom without phone", schema.NodeData{Target: "CUSTOM", Text: "x"}, "", schema.ErrCodeValidation},
		{"unknown target", schema.NodeData{Target: "BOSS", Text: "x"}, "", schema.ErrCodeValidation},
		{"empty text", schema.NodeData{Target: "RESPONSIBLE"}, "", schema.ErrCodeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := &fakeNotifier{}
			exec := NewExternalNotifyExecutor(Collaborators{Notifier: n, Directory: dir})

			node := schema.Node{ID: "nt", Type: schema.NodeExternalNotify, Data: tc.data}
			node.Data.InboxID = "inbox-wa"
			_, err := exec.Execute(context.Background(), invocation(node, nil))
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, schema.ErrorCode(err))
				assert.Empty(t, n.sent)
				return
			}
			require.NoError(t, err)
			require.Len(t, n.sent, 1)
			assert.Equal(t, tc.wantPhone, n.sent[0].Phone)
			assert.Equal(t, "inbox-wa", n.sent[0].InboxID)
		})
	}
}

func TestExternalNotify_RendersText(t *testing.T) {
	n := &fakeNotifier{}
	dir := &fakeDirectory{
		fields:     map[string]string{"task_title": "Enviar proposta"},
		recipients: map[string]string{TargetResponsible: "+55"},
	}
	exec := NewExternalNotifyExecutor(Collaborators{Notifier: n, Directory: dir})

	node := schema.Node{ID: "nt", Type: schema.NodeExternalNotify, Data: schema.NodeData{Text: "Tarefa: {{task_title}}"}}
	_, err := exec.Execute(context.Background(), invocation(node, nil))
	require.NoError(t, err)
	assert.Equal(t, "Tarefa: Enviar proposta", n.sent[0].Text)
}

func TestExternalNotify_MissingPhone(t *testing.T) {
	exec := NewExternalNotifyExecutor(Collaborators{Notifier: &fakeNotifier{}, Directory: &fakeDirectory{}})

	node := schema.Node{ID: "nt", Type: schema.NodeExternalNotify, Data: schema.NodeData{Text: "x"}}
	_, err := exec.Execute(context.Background(), invocation(node, nil))

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
	assert.False(t, engErr.IsRetryable())
}

func TestExecutors_NoCollaborator(t *testing.T) {
	node := schema.Node{ID: "n", Data: schema.NodeData{TagID: "x", ColumnID: "y", Status: "z", Text: "t"}}
	inv := invocation(node, nil)

	for _, exec := range []Executor{
		NewTagExecutor(Collaborators{}),
		NewStageExecutor(Collaborators{}),
		NewStatusExecutor(Collaborators{}),
		NewExternalNotifyExecutor(Collaborators{}),
		NewMessageExecutor(schema.NodeMessage, Collaborators{}, nil),
	} {
		_, err := exec.Execute(context.Background(), inv)
		assert.Equal(t, schema.ErrCodeUnavailable, schema.ErrorCode(err), exec.Type())
	}
}
