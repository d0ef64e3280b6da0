package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
	"github.com/finchsec/policysync/modules/securitypolicies/services"
	"github.com/finchsec/policysync/pkg/httperr"
)

// ReconcileTrigger matches the fire-and-forget reconciliation entry point.
type ReconcileTrigger interface {
	Enqueue(projectID string, configurationID string)
}

type HandlerOptions struct {
	Trigger   ReconcileTrigger
	Refresh   *services.EventRefresh
	Approvals *services.ApprovalEvalService
	Notes     *services.ViolationNoteService
	Resolver  services.ConfigurationResolver
}

// NewHandler wires the internal ingress surface. The write endpoints are
// fire-and-forget: handlers validate, hand off, and answer 202; outcomes
// surface in the operational log only. The configuration lookup is the one
// synchronous read.
func NewHandler(opts HandlerOptions) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/reconcile", func(w http.ResponseWriter, r *http.Request) {
		handleReconcile(w, r, opts)
	})
	mux.HandleFunc("POST /internal/events/authorization", func(w http.ResponseWriter, r *http.Request) {
		handleAuthorizationEvent(w, r, opts)
	})
	mux.HandleFunc("POST /internal/violations", func(w http.ResponseWriter, r *http.Request) {
		handleViolation(w, r, opts)
	})
	mux.HandleFunc("POST /internal/findings", func(w http.ResponseWriter, r *http.Request) {
		handleFindings(w, r, opts)
	})
	mux.HandleFunc("GET /internal/projects/{project_id}/configuration", func(w http.ResponseWriter, r *http.Request) {
		handleConfigurationLookup(w, r, opts)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type reconcileRequest struct {
	ProjectID       string `json:"project_id"`
	ConfigurationID string `json:"configuration_id"`
}

func handleReconcile(w http.ResponseWriter, r *http.Request, opts HandlerOptions) {
	var req reconcileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.ConfigurationID = strings.TrimSpace(req.ConfigurationID)
	if req.ProjectID == "" || req.ConfigurationID == "" {
		writeError(w, httperr.NewBadRequest("project_id and configuration_id are required"))
		return
	}
	opts.Trigger.Enqueue(req.ProjectID, req.ConfigurationID)
	writeAccepted(w)
}

type authorizationEventRequest struct {
	ProjectID string `json:"project_id"`
}

func handleAuthorizationEvent(w http.ResponseWriter, r *http.Request, opts HandlerOptions) {
	var req authorizationEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		writeError(w, httperr.NewBadRequest("project_id is required"))
		return
	}
	opts.Refresh.OnAuthorizationChange(r.Context(), req.ProjectID)
	writeAccepted(w)
}

type violationRequest struct {
	MergeRequestID   string `json:"merge_request_id"`
	ReportType       string `json:"report_type"`
	ViolatedPolicy   bool   `json:"violated_policy"`
	RequiresApproval bool   `json:"requires_approval"`
}

func handleViolation(w http.ResponseWriter, r *http.Request, opts HandlerOptions) {
	var req violationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.MergeRequestID = strings.TrimSpace(req.MergeRequestID)
	if req.MergeRequestID == "" {
		writeError(w, httperr.NewBadRequest("merge_request_id is required"))
		return
	}
	opts.Notes.Generate(r.Context(), types.ViolationInput{
		MergeRequestID:   req.MergeRequestID,
		ReportType:       types.RuleKind(strings.TrimSpace(req.ReportType)),
		ViolatedPolicy:   req.ViolatedPolicy,
		RequiresApproval: req.RequiresApproval,
	})
	writeAccepted(w)
}

type findingsRequest struct {
	MergeRequestID string         `json:"merge_request_id"`
	Findings       []findingEntry `json:"findings"`
}

type findingEntry struct {
	Severity   string `json:"severity"`
	State      string `json:"state"`
	Scanner    string `json:"scanner"`
	ReportType string `json:"report_type"`
}

// handleFindings runs the full evaluation pipeline for one merge request:
// re-evaluate every policy-managed rule, then refresh the violation comment
// from the outcomes.
func handleFindings(w http.ResponseWriter, r *http.Request, opts HandlerOptions) {
	var req findingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.MergeRequestID = strings.TrimSpace(req.MergeRequestID)
	if req.MergeRequestID == "" {
		writeError(w, httperr.NewBadRequest("merge_request_id is required"))
		return
	}

	findings := make([]types.Finding, 0, len(req.Findings))
	for _, f := range req.Findings {
		findings = append(findings, types.Finding{
			Severity:   types.Severity(strings.ToLower(strings.TrimSpace(f.Severity))),
			State:      types.VulnerabilityState(strings.ToLower(strings.TrimSpace(f.State))),
			Scanner:    strings.ToLower(strings.TrimSpace(f.Scanner)),
			ReportType: types.RuleKind(strings.ToLower(strings.TrimSpace(f.ReportType))),
		})
	}

	outcomes := opts.Approvals.UpdateApprovals(r.Context(), req.MergeRequestID, findings)
	for _, o := range outcomes {
		opts.Notes.Generate(r.Context(), types.ViolationInput{
			MergeRequestID:   o.MergeRequestID,
			ReportType:       o.ReportType,
			ViolatedPolicy:   o.ViolatedPolicy,
			RequiresApproval: o.RequiresApproval,
		})
	}
	writeAccepted(w)
}

// handleConfigurationLookup resolves which configuration governs a project,
// so callers can address reconcile requests without duplicating the
// project-or-namespace resolution.
func handleConfigurationLookup(w http.ResponseWriter, r *http.Request, opts HandlerOptions) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		writeError(w, httperr.NewBadRequest("project_id is required"))
		return
	}
	configurationID, err := opts.Resolver.ConfigurationForProject(r.Context(), projectID)
	if errors.Is(err, types.ErrNotFound) {
		writeError(w, httperr.NewNotFound("no policy configuration governs this project"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"configuration_id": configurationID})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return httperr.NewBadRequest("bad json")
	}
	return nil
}

func writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case httperr.IsBadRequest(err):
		status = http.StatusBadRequest
	case httperr.IsNotFound(err):
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
