package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

// handleStream streams run events as Server-Sent Events. run_id and types
// (comma-separated) narrow the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, schema.NewError(schema.ErrCodeUnavailable, "event streaming is not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeExecution, "streaming not supported"))
		return
	}

	filter := streaming.Filter{RunID: r.URL.Query().Get("run_id")}
	for _, t := range queryList(r, "types") {
		filter.EventTypes = append(filter.EventTypes, strings.ToLower(t))
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.deps.Logger.Warn("sse marshal failed", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.Type, data)
			flusher.Flush()
		}
	}
}
