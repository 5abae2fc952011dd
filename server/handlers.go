package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/interpreter/store"
)

// flowRequest is the body of a flow install.
type flowRequest struct {
	App      string               `json:"app"`
	Match    pipelined.Match      `json:"match"`
	Action   pipelined.RuleAction `json:"action"`
	Priority uint16               `json:"priority"`
}

// flowPatch is the body of a flow update.
type flowPatch struct {
	Action pipelined.RuleAction `json:"action"`
}

func (s *Server) handleConfigPush(w http.ResponseWriter, r *http.Request) {
	var push pipelined.ConfigPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.reconciler.Apply(r.Context(), push); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": push.Generation,
		"committed":  true,
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reconciler.Committed())
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	list, err := s.flows.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []pipelined.Flow{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.flows.Get(r.Context(), flowKey(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleInstallFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flow, err := s.flows.Install(r.Context(), flowKey(r), req.App, req.Match, req.Action, req.Priority)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, flow)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flow, err := s.flows.Update(r.Context(), flowKey(r), req.Action)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleRemoveFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Remove(r.Context(), flowKey(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func flowKey(r *http.Request) pipelined.FlowKey {
	return pipelined.FlowKey{
		SubscriberID: chi.URLParam(r, "subscriber"),
		FlowID:       chi.URLParam(r, "flow"),
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		configErr   *pipelined.ConfigError
		unknownApp  *pipelined.UnknownAppError
		capacity    *pipelined.CapacityExceededError
		scratch     *pipelined.ScratchExhaustedError
		stale       *pipelined.StaleGenerationError
		unstable    *pipelined.TopologyUnstableError
		backendFail *pipelined.BackendError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &configErr), errors.As(err, &unknownApp):
		return http.StatusBadRequest
	case errors.As(err, &capacity), errors.As(err, &scratch):
		return http.StatusUnprocessableEntity
	case errors.As(err, &stale):
		return http.StatusConflict
	case errors.As(err, &unstable):
		return http.StatusServiceUnavailable
	case errors.As(err, &backendFail):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
