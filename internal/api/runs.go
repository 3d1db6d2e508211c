package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		FlowID:    q.Get("flow_id"),
		CompanyID: q.Get("company_id"),
		EntityRef: q.Get("entity_ref"),
		Limit:     min(queryInt(r, "limit", defaultListLimit), maxListLimit),
		Offset:    queryInt(r, "offset", 0),
	}
	for _, st := range queryList(r, "status") {
		filter.Statuses = append(filter.Statuses, schema.RunStatus(strings.ToUpper(st)))
	}

	runs, err := s.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.FlowRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(queryInt(r, "since", 0))
	events, err := s.deps.Runs.RunHistory(r.Context(), mux.Vars(r)["id"], since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.RunEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRunVisits(w http.ResponseWriter, r *http.Request) {
	visits, err := s.deps.Runs.Visits(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if visits == nil {
		visits = []*store.NodeVisit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"visits": visits})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	if err := s.deps.Runs.Cancel(r.Context(), runID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": schema.RunStatusCancelled})
}

// handleCancelEntity cancels every live run of an entity whose chat was
// closed or which was deleted upstream.
func (s *Server) handleCancelEntity(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]

	var body struct {
		CompanyID string `json:"company_id"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if body.CompanyID == "" {
		badRequest(w, "company_id is required")
		return
	}
	if body.Reason == "" {
		body.Reason = "entity closed"
	}

	n, err := s.deps.Runs.CancelByEntity(r.Context(), body.CompanyID, ref, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_ref": ref, "cancelled": n})
}
