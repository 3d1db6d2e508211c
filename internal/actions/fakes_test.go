package actions

import (
	"context"
	"sync"

	"github.com/rendis/flowengine/pkg/schema"
)

type sentMessage struct {
	Kind    string
	Msg     OutboundMessage
	Buttons []InteractiveButton
	Label   string
	Media   Media
}

// fakeMessenger records every send. interactive toggles channel support;
// failInteractive makes interactive sends fail.
type fakeMessenger struct {
	mu              sync.Mutex
	interactive     bool
	failInteractive error
	failText        error
	sent            []sentMessage
}

func (f *fakeMessenger) SupportsInteractive(_ context.Context, _, _ string) (bool, error) {
	return f.interactive, nil
}

func (f *fakeMessenger) record(m sentMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
}

func (f *fakeMessenger) SendText(_ context.Context, msg OutboundMessage) error {
	if f.failText != nil {
		return f.failText
	}
	f.record(sentMessage{Kind: "text", Msg: msg})
	return nil
}

func (f *fakeMessenger) SendButtons(_ context.Context, msg OutboundMessage, buttons []InteractiveButton) error {
	if f.failInteractive != nil {
		return f.failInteractive
	}
	f.record(sentMessage{Kind: "buttons", Msg: msg, Buttons: buttons})
	return nil
}

func (f *fakeMessenger) SendList(_ context.Context, msg OutboundMessage, label string, _ []schema.ListSection) error {
	if f.failInteractive != nil {
		return f.failInteractive
	}
	f.record(sentMessage{Kind: "list", Msg: msg, Label: label})
	return nil
}

func (f *fakeMessenger) SendMedia(_ context.Context, msg OutboundMessage, media Media) error {
	f.record(sentMessage{Kind: "media", Msg: msg, Media: media})
	return nil
}

type fakeCRM struct {
	tags   []string
	stages []string
	err    error
}

func (f *fakeCRM) AddTag(_ context.Context, _, _, tagID string) error {
	if f.err != nil {
		return f.err
	}
	f.tags = append(f.tags, tagID)
	return nil
}

func (f *fakeCRM) MoveStage(_ context.Context, _, _, columnID string) error {
	if f.err != nil {
		return f.err
	}
	f.stages = append(f.stages, columnID)
	return nil
}

type chatCall struct {
	Op, ChatID, Value string
}

type fakeChat struct {
	calls []chatCall
}

func (f *fakeChat) SetStatus(_ context.Context, _, chatID, status string) error {
	f.calls = append(f.calls, chatCall{"status", chatID, status})
	return nil
}

func (f *fakeChat) SetAgent(_ context.Context, _, chatID, agentID string) error {
	f.calls = append(f.calls, chatCall{"agent", chatID, agentID})
	return nil
}

func (f *fakeChat) PostSystemNote(_ context.Context, _, chatID, text string) error {
	f.calls = append(f.calls, chatCall{"note", chatID, text})
	return nil
}

type fakeNotifier struct {
	sent []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

type fakeDirectory struct {
	fields     map[string]string
	recipients map[string]string
}

func (f *fakeDirectory) EntityTags(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (f *fakeDirectory) EntityStage(context.Context, string, string) (string, error) {
	return "", nil
}

func (f *fakeDirectory) EntityField(_ context.Context, _, _, field string) (string, error) {
	return f.fields[field], nil
}

func (f *fakeDirectory) RecipientPhone(_ context.Context, _, _, target string) (string, error) {
	return f.recipients[target], nil
}

func invocation(node schema.Node, vars map[string]string) *Invocation {
	if vars == nil {
		vars = map[string]string{}
	}
	return &Invocation{
		RunID:     "run-1",
		FlowID:    "flow-1",
		CompanyID: "company-1",
		EntityRef: "chat-1",
		Node:      &node,
		Variables: vars,
	}
}
