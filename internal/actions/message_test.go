package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func messageNode(data schema.NodeData) schema.Node {
	return schema.Node{ID: "msg", Type: schema.NodeMessage, Data: data}
}

func TestMessage_RendersText(t *testing.T) {
	m := &fakeMessenger{}
	dir := &fakeDirectory{fields: map[string]string{"task_title": "Revisar contrato"}}
	exec := NewMessageExecutor(schema.NodeMessage, Collaborators{Messenger: m, Directory: dir}, nil)

	inv := invocation(messageNode(schema.NodeData{Text: "Oi {{name}}, tarefa: {{task_title}}{{missing}}"}),
		map[string]string{"name": "Ana", VarChatID: "chat-9", VarInboxID: "inbox-1"})

	res, err := exec.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "text", res.Output["mode"])

	require.Len(t, m.sent, 1)
	assert.Equal(t, "Oi Ana, tarefa: Revisar contrato", m.sent[0].Msg.Text)
	assert.Equal(t, "chat-9", m.sent[0].Msg.ChatID)
	assert.Equal(t, "inbox-1", m.sent[0].Msg.InboxID)
}

func TestMessage_ChatIDFallsBackToEntity(t *testing.T) {
	m := &fakeMessenger{}
	exec := NewMessageExecutor(schema.NodeMessage, Collaborators{Messenger: m}, nil)

	_, err := exec.Execute(context.Background(), invocation(messageNode(schema.NodeData{Text: "Olá!"}), nil))
	require.NoError(t, err)
	assert.Equal(t, "chat-1", m.sent[0].Msg.ChatID)
}

func TestMessage_InteractiveButtons(t *testing.T) {
	m := &fakeMessenger{interactive: true}
	exec := NewMessageExecutor(schema.NodeInteractive, Collaborators{Messenger: m}, nil)

	node := messageNode(schema.NodeData{
		Text:    "Escolha",
		Buttons: []schema.Button{{ID: "b-yes", Text: "Sim"}, {Text: "Não"}},
	})
	res, err := exec.Execute(context.Background(), invocation(node, map[string]string{VarInboxID: "inbox-1"}))
	require.NoError(t, err)
	assert.Equal(t, "interactive", res.Output["mode"])

	require.Len(t, m.sent, 1)
	assert.Equal(t, "buttons", m.sent[0].Kind)
	assert.Equal(t, []InteractiveButton{{ID: "b-yes", Title: "Sim"}, {ID: "btn_1", Title: "Não"}}, m.sent[0].Buttons)
}

func TestMessage_InteractiveListDefaultLabel(t *testing.T) {
	m := &fakeMessenger{interactive: true}
	exec := NewMessageExecutor(schema.NodeInteractive, Collaborators{Messenger: m}, nil)

	node := messageNode(schema.NodeData{
		Text:         "Menu",
		ListSections: []schema.ListSection{{Title: "Planos", Rows: []schema.ListRow{{Title: "Básico"}}}},
	})
	_, err := exec.Execute(context.Background(), invocation(node, map[string]string{VarInboxID: "inbox-1"}))
	require.NoError(t, err)

	require.Len(t, m.sent, 1)
	assert.Equal(t, "list", m.sent[0].Kind)
	assert.Equal(t, "Ver Opções", m.sent[0].Label)
}

func TestMessage_FallbackWhenChannelLacksInteractive(t *testing.T) {
	m := &fakeMessenger{interactive: false}
	exec := NewMessageExecutor(schema.NodeInteractive, Collaborators{Messenger: m}, nil)

	node := messageNode(schema.NodeData{
		Text:    "Escolha",
		Buttons: []schema.Button{{Text: "Sim"}, {Text: "Não"}},
	})
	_, err := exec.Execute(context.Background(), invocation(node, map[string]string{VarInboxID: "inbox-1"}))
	require.NoError(t, err)

	require.Len(t, m.sent, 1)
	assert.Equal(t, "text", m.sent[0].Kind)
	assert.Equal(t, "Escolha\n\n1️⃣ Sim\n2️⃣ Não", m.sent[0].Msg.Text)
}

func TestMessage_FallbackWhenInteractiveSendFails(t *testing.T) {
	m := &fakeMessenger{interactive: true, failInteractive: errors.New("meta rejected template")}
	exec := NewMessageExecutor(schema.NodeInteractive, Collaborators{Messenger: m}, nil)

	node := messageNode(schema.NodeData{
		Text: "Menu",
		ListSections: []schema.ListSection{
			{Rows: []schema.ListRow{{Title: "Básico", Description: "R$ 10"}, {Title: "Pro"}}},
		},
	})
	_, err := exec.Execute(context.Background(), invocation(node, map[string]string{VarInboxID: "inbox-1"}))
	require.NoError(t, err)

	require.Len(t, m.sent, 1)
	assert.Equal(t, "Menu\n\n🔹 Básico (R$ 10)\n🔹 Pro", m.sent[0].Msg.Text)
}

func TestMessage_Media(t *testing.T) {
	m := &fakeMessenger{}
	exec := NewMessageExecutor(schema.NodeMessage, Collaborators{Messenger: m}, nil)

	node := messageNode(schema.NodeData{Text: "Segue o áudio", MediaURL: "https://cdn/x.ogg", MediaType: "voice"})
	_, err := exec.Execute(context.Background(), invocation(node, nil))
	require.NoError(t, err)

	require.Len(t, m.sent, 1)
	sent := m.sent[0]
	assert.Equal(t, "media", sent.Kind)
	assert.Equal(t, "Segue o áudio", sent.Msg.Text)
	assert.Equal(t, Media{URL: "https://cdn/x.ogg", Type: "VOICE", Name: "audio.ogg", Voice: true}, sent.Media)
}

func TestMessage_TextFailureIsRetryable(t *testing.T) {
	m := &fakeMessenger{failText: errors.New("connection reset")}
	exec := NewMessageExecutor(schema.NodeMessage, Collaborators{Messenger: m}, nil)

	_, err := exec.Execute(context.Background(), invocation(messageNode(schema.NodeData{Text: "x"}), nil))
	require.Error(t, err)

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeUnavailable, engErr.Code)
	assert.Equal(t, "msg", engErr.NodeID)
	assert.True(t, engErr.IsRetryable())
}

func TestMessage_EmptyNode(t *testing.T) {
	m := &fakeMessenger{}

	exec := NewMessageExecutor(schema.NodeMessage, Collaborators{Messenger: m}, nil)
	_, err := exec.Execute(context.Background(), invocation(messageNode(schema.NodeData{}), nil))
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	prompt := NewMessageExecutor(schema.NodeWaitForResponse, Collaborators{Messenger: m}, nil)
	_, err = prompt.Execute(context.Background(), invocation(messageNode(schema.NodeData{TimeoutMinutes: 10}), nil))
	assert.NoError(t, err, "a response wait without a prompt sends nothing")
	assert.Empty(t, m.sent)
}

func TestFallbackText_NoOptions(t *testing.T) {
	assert.Equal(t, "só texto", FallbackText("só texto", schema.NodeData{}))
}
