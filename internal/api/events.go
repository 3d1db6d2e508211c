package api

import (
	"encoding/json"
	"net/http"

	"github.com/rendis/flowengine/pkg/schema"
)

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev schema.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	out, err := s.deps.Events.Dispatch(r.Context(), &ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}
