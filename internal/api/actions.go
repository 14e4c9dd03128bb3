package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tymefrontier/gatekeeper/internal/action"
	"github.com/tymefrontier/gatekeeper/internal/approvals"
	"github.com/tymefrontier/gatekeeper/internal/contract"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

type submitRequest struct {
	ID            string                      `json:"id,omitempty"`
	AgentID       string                      `json:"agent_id,omitempty"`
	Class         string                      `json:"class"`
	TargetPaths   []string                    `json:"target_paths,omitempty"`
	CommandTokens []string                    `json:"command_tokens,omitempty"`
	Node          string                      `json:"node,omitempty"`
	TestResults   map[string]types.TestResult `json:"test_results,omitempty"`
	RiskScore     float64                     `json:"risk_score,omitempty"`

	Contract contract.Descriptor `json:"contract"`
}

func (a *App) submitAction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if req.Class == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "class is required"})
		return
	}
	// With auth enabled the submitting principal is the agent of record.
	if p, ok := principalFrom(r); ok {
		req.AgentID = p.ID
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "agent_id is required"})
		return
	}

	st, err := a.manager.Submit(r.Context(), types.ActionRequest{
		ID:            req.ID,
		AgentID:       req.AgentID,
		Class:         req.Class,
		TargetPaths:   req.TargetPaths,
		CommandTokens: req.CommandTokens,
		Node:          req.Node,
		TestResults:   req.TestResults,
		RiskScore:     req.RiskScore,
	}, req.Contract)
	switch {
	case errors.Is(err, contract.ErrContractViolation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, action.ErrDuplicateAction):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, action.ErrPendingLimit):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error()})
		return
	case err != nil:
		a.log.Error("submit failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.metrics.IncDecision(string(st.Evaluation.Decision), st.Evaluation.RuleID)
	writeJSON(w, http.StatusCreated, st)
}

func (a *App) listActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.List(r.Context()))
}

func (a *App) getAction(w http.ResponseWriter, r *http.Request) {
	st, err := a.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) approveAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Role        string `json:"role"`
		PrincipalID string `json:"principal_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if body.Role == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "role is required"})
		return
	}
	if p, ok := principalFrom(r); ok {
		body.PrincipalID = p.ID
	}
	if body.PrincipalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "principal_id is required"})
		return
	}

	st, err := a.manager.Approve(r.Context(), id, types.ApprovalRecord{
		Role:        body.Role,
		PrincipalID: body.PrincipalID,
	})
	switch {
	case errors.Is(err, action.ErrUnknownAction):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, action.ErrGateExpired):
		writeJSON(w, http.StatusGone, map[string]any{"error": err.Error(), "status": st})
		return
	case errors.Is(err, action.ErrNotAwaitingApproval), errors.Is(err, approvals.ErrStaleRequest):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "status": st})
		return
	case errors.Is(err, action.ErrSelfApproval):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, approvals.ErrInvalidRole):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
		return
	case err != nil:
		a.log.Error("approval failed", "action", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) reportResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var res types.ExecutionResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if res.Status != "pass" && res.Status != "fail" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status must be pass or fail"})
		return
	}
	st, err := a.manager.ReportResult(r.Context(), id, res)
	switch {
	case errors.Is(err, action.ErrUnknownAction):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, action.ErrNotAllowed):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	case err != nil:
		a.log.Error("result report failed", "action", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) executeAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := a.manager.Execute(r.Context(), id)
	switch {
	case errors.Is(err, action.ErrUnknownAction):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, action.ErrNoExecutor):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	case errors.Is(err, action.ErrNotAllowed):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	case err != nil:
		a.log.Error("execution failed", "action", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) getPolicy(w http.ResponseWriter, r *http.Request) {
	doc := a.policies.Document()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        doc.Name,
		"version":     doc.Version,
		"description": doc.Description,
	})
}

func (a *App) reloadPolicy(w http.ResponseWriter, r *http.Request) {
	if err := a.policies.Reload(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	doc := a.policies.Document()
	if _, err := a.ledger.Append(r.Context(), types.EntryPolicyReload, "", map[string]any{
		"name":    doc.Name,
		"version": doc.Version,
	}); err != nil {
		a.log.Error("policy reload append failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": doc.Name, "version": doc.Version})
}
