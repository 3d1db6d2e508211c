package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func newGateway(t *testing.T, h http.HandlerFunc, ttl time.Duration) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	g, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL + "/api", Token: "secret", EntityCacheTTL: ttl})
	require.NoError(t, err)
	return g
}

func TestHTTPGateway_SendText(t *testing.T) {
	var got map[string]any
	var headers http.Header
	var path string
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}, 0)

	err := g.SendText(context.Background(), OutboundMessage{CompanyID: "c1", ChatID: "chat-1", InboxID: "in-1", Text: "Olá!"})
	require.NoError(t, err)

	assert.Equal(t, "/api/messages/text", path)
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Equal(t, "c1", headers.Get("X-Company-ID"))
	assert.Equal(t, map[string]any{"chat_id": "chat-1", "inbox_id": "in-1", "content": "Olá!"}, got)
}

func TestHTTPGateway_StatusCodes(t *testing.T) {
	tests := []struct {
		status   int
		wantCode string
	}{
		{http.StatusInternalServerError, schema.ErrCodeUnavailable},
		{http.StatusTooManyRequests, schema.ErrCodeUnavailable},
		{http.StatusNotFound, schema.ErrCodeNotFound},
		{http.StatusBadRequest, schema.ErrCodeValidation},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}, 0)
			err := g.AddTag(context.Background(), "c1", "chat-1", "vip")
			assert.Equal(t, tc.wantCode, schema.ErrorCode(err))
		})
	}
}

func TestHTTPGateway_EntityCache(t *testing.T) {
	var calls atomic.Int32
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/entities/chat-1" {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"tags":["vip"],"stage":"col-1","fields":{"name":"Ana"}}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}, time.Minute)

	ctx := context.Background()
	tags, err := g.EntityTags(ctx, "c1", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, tags)

	name, err := g.EntityField(ctx, "c1", "chat-1", "name")
	require.NoError(t, err)
	assert.Equal(t, "Ana", name)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, g.MoveStage(ctx, "c1", "chat-1", "col-2"))
	_, err = g.EntityStage(ctx, "c1", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "mutation invalidates the snapshot")
}

func TestHTTPGateway_SupportsInteractive(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/inboxes/in-1/capabilities", r.URL.Path)
		_, _ = w.Write([]byte(`{"interactive":true}`))
	}, 0)

	ok, err := g.SupportsInteractive(context.Background(), "c1", "in-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPGateway_InvalidURL(t *testing.T) {
	_, err := NewHTTPGateway(HTTPConfig{BaseURL: "ftp://nope"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestHTTPGateway_DueEntities(t *testing.T) {
	var query, path, company string
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.Query().Get("at")
		company = r.Header.Get("X-Company-ID")
		_, _ = w.Write([]byte(`{"items":[{"company_id":"c1","entity_ref":"contact-1","entity_type":"task","entity_id":"t-9","title":"Call back"}]}`))
	}, 0)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	items, err := g.DueEntities(context.Background(), "TASK_OVERDUE", "c1", now)
	require.NoError(t, err)

	assert.Equal(t, "/api/due/TASK_OVERDUE", path)
	assert.Equal(t, "2026-03-02T12:00:00Z", query)
	assert.Equal(t, "c1", company)
	require.Len(t, items, 1)
	assert.Equal(t, DueEntity{CompanyID: "c1", EntityRef: "contact-1", EntityType: "task", EntityID: "t-9", Title: "Call back"}, items[0])
}
