package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *schema.EngineError `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		engErr = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	writeJSON(w, statusFor(engErr.Code), errorBody{Error: engErr})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, schema.NewError(schema.ErrCodeValidation, msg))
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeCancelled:
		return http.StatusConflict
	case schema.ErrCodeUnavailable, schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryList splits a comma-separated query parameter.
func queryList(r *http.Request, key string) []string {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
