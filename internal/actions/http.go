package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/rendis/flowengine/pkg/schema"
)

// HTTPConfig configures the HTTP collaborator gateway.
type HTTPConfig struct {
	BaseURL         string
	Token           string
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// EntityCacheTTL keeps entity snapshots for condition and template
	// lookups within one burst of node visits. Zero disables caching.
	EntityCacheTTL time.Duration
}

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultHTTPTimeout     = 15 * time.Second
)

// HTTPGateway reaches the conversation, CRM and directory subsystems through
// one JSON HTTP gateway. It implements every collaborator interface.
type HTTPGateway struct {
	config HTTPConfig
	base   *url.URL
	client *http.Client
	cache  *cache.Cache
}

// NewHTTPGateway creates a gateway client for cfg.BaseURL.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid gateway url %q", cfg.BaseURL)
	}
	g := &HTTPGateway{
		config: cfg,
		base:   u,
		client: &http.Client{Timeout: cfg.DefaultTimeout},
	}
	if cfg.EntityCacheTTL > 0 {
		g.cache = cache.New(cfg.EntityCacheTTL, 2*cfg.EntityCacheTTL)
	}
	return g, nil
}

// Collaborators returns the gateway in every collaborator role.
func (g *HTTPGateway) Collaborators() Collaborators {
	return Collaborators{Messenger: g, CRM: g, Chat: g, Notifier: g, Directory: g}
}

// --- Messenger ---

type capabilities struct {
	Interactive bool `json:"interactive"`
}

func (g *HTTPGateway) SupportsInteractive(ctx context.Context, companyID, inboxID string) (bool, error) {
	var caps capabilities
	err := g.do(ctx, http.MethodGet, companyID, "/inboxes/"+url.PathEscape(inboxID)+"/capabilities", nil, &caps)
	return caps.Interactive, err
}

func (g *HTTPGateway) SendText(ctx context.Context, msg OutboundMessage) error {
	return g.do(ctx, http.MethodPost, msg.CompanyID, "/messages/text", messageBody(msg, nil), nil)
}

func (g *HTTPGateway) SendButtons(ctx context.Context, msg OutboundMessage, buttons []InteractiveButton) error {
	list := make([]map[string]string, len(buttons))
	for i, b := range buttons {
		list[i] = map[string]string{"id": b.ID, "title": b.Title}
	}
	return g.do(ctx, http.MethodPost, msg.CompanyID, "/messages/buttons",
		messageBody(msg, map[string]any{"buttons": list}), nil)
}

func (g *HTTPGateway) SendList(ctx context.Context, msg OutboundMessage, buttonText string, sections []schema.ListSection) error {
	return g.do(ctx, http.MethodPost, msg.CompanyID, "/messages/list",
		messageBody(msg, map[string]any{"button_text": buttonText, "sections": sections}), nil)
}

func (g *HTTPGateway) SendMedia(ctx context.Context, msg OutboundMessage, media Media) error {
	return g.do(ctx, http.MethodPost, msg.CompanyID, "/messages/media", messageBody(msg, map[string]any{
		"public_url": media.URL,
		"media_type": media.Type,
		"filename":   media.Name,
		"mime_type":  media.MimeType,
		"is_voice":   media.Voice,
	}), nil)
}

func messageBody(msg OutboundMessage, extra map[string]any) map[string]any {
	body := map[string]any{
		"chat_id":  msg.ChatID,
		"inbox_id": msg.InboxID,
		"content":  msg.Text,
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

// --- CRM ---

func (g *HTTPGateway) AddTag(ctx context.Context, companyID, entityRef, tagID string) error {
	defer g.forget(companyID, entityRef)
	return g.do(ctx, http.MethodPost, companyID, entityPath(entityRef, "tags"), map[string]any{"tag_id": tagID}, nil)
}

func (g *HTTPGateway) MoveStage(ctx context.Context, companyID, entityRef, columnID string) error {
	defer g.forget(companyID, entityRef)
	return g.do(ctx, http.MethodPost, companyID, entityPath(entityRef, "stage"), map[string]any{"column_id": columnID}, nil)
}

// --- ChatControl ---

func (g *HTTPGateway) SetStatus(ctx context.Context, companyID, chatID, status string) error {
	return g.do(ctx, http.MethodPost, companyID, chatPath(chatID, "status"), map[string]any{"status": status}, nil)
}

func (g *HTTPGateway) SetAgent(ctx context.Context, companyID, chatID, agentID string) error {
	var agent any
	if agentID != "" {
		agent = agentID
	}
	return g.do(ctx, http.MethodPost, companyID, chatPath(chatID, "agent"), map[string]any{"agent_id": agent}, nil)
}

func (g *HTTPGateway) PostSystemNote(ctx context.Context, companyID, chatID, text string) error {
	return g.do(ctx, http.MethodPost, companyID, chatPath(chatID, "notes"), map[string]any{"content": text}, nil)
}

// --- Notifier ---

func (g *HTTPGateway) Notify(ctx context.Context, n Notification) error {
	return g.do(ctx, http.MethodPost, n.CompanyID, "/notifications", map[string]any{
		"inbox_id": n.InboxID,
		"phone":    n.Phone,
		"content":  n.Text,
	}, nil)
}

// --- Directory ---

type entitySnapshot struct {
	Tags   []string          `json:"tags"`
	Stage  string            `json:"stage"`
	Fields map[string]string `json:"fields"`
}

func (g *HTTPGateway) entity(ctx context.Context, companyID, entityRef string) (*entitySnapshot, error) {
	key := companyID + "/" + entityRef
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			return v.(*entitySnapshot), nil
		}
	}
	var snap entitySnapshot
	if err := g.do(ctx, http.MethodGet, companyID, entityPath(entityRef, ""), nil, &snap); err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.SetDefault(key, &snap)
	}
	return &snap, nil
}

func (g *HTTPGateway) forget(companyID, entityRef string) {
	if g.cache != nil {
		g.cache.Delete(companyID + "/" + entityRef)
	}
}

func (g *HTTPGateway) EntityTags(ctx context.Context, companyID, entityRef string) ([]string, error) {
	snap, err := g.entity(ctx, companyID, entityRef)
	if err != nil {
		return nil, err
	}
	return snap.Tags, nil
}

func (g *HTTPGateway) EntityStage(ctx context.Context, companyID, entityRef string) (string, error) {
	snap, err := g.entity(ctx, companyID, entityRef)
	if err != nil {
		return "", err
	}
	return snap.Stage, nil
}

func (g *HTTPGateway) EntityField(ctx context.Context, companyID, entityRef, field string) (string, error) {
	snap, err := g.entity(ctx, companyID, entityRef)
	if err != nil {
		return "", err
	}
	return snap.Fields[field], nil
}

func (g *HTTPGateway) RecipientPhone(ctx context.Context, companyID, entityRef, target string) (string, error) {
	var out struct {
		Phone string `json:"phone"`
	}
	err := g.do(ctx, http.MethodGet, companyID, entityPath(entityRef, "recipients/"+url.PathEscape(target)), nil, &out)
	return out.Phone, err
}

// --- Deadlines ---

// DueEntity is an entity a time-based system event applies to.
type DueEntity struct {
	CompanyID  string `json:"company_id"`
	EntityRef  string `json:"entity_ref"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Title      string `json:"title"`
}

// DueEntities lists the tasks or projects a deadline event covers at now.
// An empty companyID asks for every company.
func (g *HTTPGateway) DueEntities(ctx context.Context, event, companyID string, now time.Time) ([]DueEntity, error) {
	q := url.Values{}
	q.Set("at", now.UTC().Format(time.RFC3339))
	var out struct {
		Items []DueEntity `json:"items"`
	}
	if err := g.do(ctx, http.MethodGet, companyID, "/due/"+url.PathEscape(event)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func entityPath(ref, sub string) string {
	p := "/entities/" + url.PathEscape(ref)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func chatPath(id, sub string) string {
	return "/chats/" + url.PathEscape(id) + "/" + sub
}

// do sends one JSON request. Transport failures and 5xx responses are
// COLLABORATOR_UNAVAILABLE (retryable); 404 is NOT_FOUND and other 4xx are
// VALIDATION_ERROR.
func (g *HTTPGateway) do(ctx context.Context, method, companyID, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "gateway %s %s: marshal body", method, path).WithCause(err)
		}
		bodyReader = bytes.NewReader(b)
	}

	p, rawQuery, _ := strings.Cut(path, "?")
	target := g.base.JoinPath(p)
	target.RawQuery = rawQuery
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "gateway %s %s: build request", method, path).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if companyID != "" {
		req.Header.Set("X-Company-ID", companyID)
	}
	if g.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeUnavailable, "gateway %s %s: %v", method, path, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.config.MaxResponseBody))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeUnavailable, "gateway %s %s: read body", method, path).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		code := schema.ErrCodeValidation
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			code = schema.ErrCodeUnavailable
		case resp.StatusCode == http.StatusNotFound:
			code = schema.ErrCodeNotFound
		}
		return schema.NewErrorf(code, "gateway %s %s: server returned %d", method, path, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": strings.TrimSpace(string(data))})
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "gateway %s %s: decode response: %v", method, path, err).WithCause(err)
	}
	return nil
}

var (
	_ Messenger   = (*HTTPGateway)(nil)
	_ CRM         = (*HTTPGateway)(nil)
	_ ChatControl = (*HTTPGateway)(nil)
	_ Notifier    = (*HTTPGateway)(nil)
	_ Directory   = (*HTTPGateway)(nil)
)

// String identifies the gateway in logs.
func (g *HTTPGateway) String() string {
	return fmt.Sprintf("gateway(%s)", g.base.Host)
}
