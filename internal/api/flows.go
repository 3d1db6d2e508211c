package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rendis/flowengine/internal/flows"
	"github.com/rendis/flowengine/pkg/schema"
)

func (s *Server) handleDefineFlow(w http.ResponseWriter, r *http.Request) {
	var req flows.DefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.deps.Flows.Define(r.Context(), req)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeValidation {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: asEngineError(err)})
			return
		}
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Flow.Version == 1 {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.deps.Flows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleSetFlowActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flow, err := s.deps.Flows.SetActive(r.Context(), mux.Vars(r)["id"], active)
		if err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeValidation {
				writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: asEngineError(err)})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, flow)
	}
}

func asEngineError(err error) *schema.EngineError {
	var e *schema.EngineError
	if errors.As(err, &e) {
		return e
	}
	return schema.NewError(schema.ErrCodeValidation, err.Error())
}
