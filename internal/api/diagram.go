package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rendis/flowengine/internal/diagram"
)

func writeMermaid(w http.ResponseWriter, model *diagram.DiagramModel) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
}

func (s *Server) handleFlowDiagram(w http.ResponseWriter, r *http.Request) {
	flow, err := s.deps.Flows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	def := *flow.Definition
	if def.Name == "" {
		def.Name = flow.Name
	}
	model, err := diagram.Build(&def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMermaid(w, model)
}

func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.deps.Runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	visits, err := s.deps.Runs.Visits(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := diagram.BuildRun(snap.Run, visits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMermaid(w, model)
}
