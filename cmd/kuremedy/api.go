package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/approval"
	"github.com/kuremedy/kuremedy/internal/config"
	"github.com/kuremedy/kuremedy/internal/graph"
	"github.com/kuremedy/kuremedy/internal/ingest"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/internal/store"
	"github.com/kuremedy/kuremedy/internal/workflow"
)

// router serves the intake and decision API: alert submission, webhook
// receivers for Alertmanager and Grafana, incident read paths, and the
// approve/deny endpoints that Slack buttons and operators call back into.
type router struct {
	cfg       *config.Config
	store     *store.Store
	graph     *graph.Graph
	intake    *ingest.Intake
	approvals *approval.Store
	driver    *workflow.Driver
	version   string
	mux       *http.ServeMux
	started   time.Time
}

func newRouter(cfg *config.Config, st *store.Store, g *graph.Graph, intake *ingest.Intake, approvals *approval.Store, driver *workflow.Driver, version string) *router {
	r := &router{
		cfg:       cfg,
		store:     st,
		graph:     g,
		intake:    intake,
		approvals: approvals,
		driver:    driver,
		version:   version,
		mux:       http.NewServeMux(),
		started:   time.Now(),
	}

	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/api/v1/alerts", r.handleAlert)
	r.mux.HandleFunc("/api/v1/webhooks/alertmanager", r.webhookHandler("alertmanager"))
	r.mux.HandleFunc("/api/v1/webhooks/grafana", r.webhookHandler("grafana"))
	r.mux.HandleFunc("/api/v1/incidents", r.handleListIncidents)
	r.mux.HandleFunc("/api/v1/incidents/", r.handleIncident)
	r.mux.HandleFunc("/api/v1/approvals", r.handleListApprovals)
	r.mux.HandleFunc("/api/v1/approvals/", r.handleApprovalDecision)

	return r
}

func (r *router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": r.version,
		"uptime":  time.Since(r.started).Seconds(),
		"running": r.driver.Running(),
	})
}

func (r *router) handleAlert(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload ingest.AlertPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	inc, err := r.intake.Submit(req.Context(), payload)
	switch {
	case errors.Is(err, ingest.ErrDuplicateAlert):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
	case errors.Is(err, ingest.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "alert rate limit exceeded")
	case err != nil:
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Alert intake failed")
		writeError(w, http.StatusInternalServerError, "failed to ingest alert")
	default:
		writeJSON(w, http.StatusCreated, inc)
	}
}

// webhookHandler builds the receiver for one webhook source. Batches are
// accepted as a whole: duplicates inside the batch are skipped silently.
func (r *router) webhookHandler(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload ingest.WebhookPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		incidents, err := r.intake.SubmitWebhook(req.Context(), payload, source)
		if err != nil {
			if errors.Is(err, ingest.ErrRateLimited) {
				writeError(w, http.StatusTooManyRequests, "alert rate limit exceeded")
				return
			}
			log.Error().Err(err).Str("source", source).Msg("Webhook intake failed")
			writeError(w, http.StatusInternalServerError, "failed to ingest webhook")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{"created": len(incidents)})
	}
}

var knownStatuses = map[models.IncidentStatus]bool{
	models.StatusOpen:             true,
	models.StatusInvestigating:    true,
	models.StatusRemediating:      true,
	models.StatusAwaitingApproval: true,
	models.StatusVerifying:        true,
	models.StatusResolved:         true,
	models.StatusFailed:           true,
}

// liveStatuses is the default incident list filter: everything not terminal.
var liveStatuses = []models.IncidentStatus{
	models.StatusOpen,
	models.StatusInvestigating,
	models.StatusRemediating,
	models.StatusAwaitingApproval,
	models.StatusVerifying,
}

func (r *router) handleListIncidents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := liveStatuses
	if q := req.URL.Query().Get("status"); q != "" {
		statuses = nil
		for _, part := range strings.Split(q, ",") {
			st := models.IncidentStatus(strings.TrimSpace(part))
			if !knownStatuses[st] {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses = append(statuses, st)
		}
	}

	incidents, err := r.store.ListIncidentsByStatus(statuses...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list incidents")
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (r *router) handleIncident(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/incidents/")
	if rest == "" {
		http.NotFound(w, req)
		return
	}

	id := rest
	sub := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		id, sub = rest[:idx], rest[idx+1:]
	}

	switch sub {
	case "":
		r.handleIncidentDetail(w, req, id)
	case "graph":
		r.handleIncidentGraph(w, req, id)
	case "cancel":
		r.handleIncidentCancel(w, req, id)
	default:
		http.NotFound(w, req)
	}
}

func (r *router) handleIncidentDetail(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inc, err := r.store.GetIncident(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("incidentId", id).Msg("Failed to load incident")
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}

	evidence, err := r.store.EvidenceForIncident(id)
	if err != nil {
		log.Error().Err(err).Str("incidentId", id).Msg("Failed to load evidence")
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	hypotheses, err := r.store.HypothesesForIncident(id)
	if err != nil {
		log.Error().Err(err).Str("incidentId", id).Msg("Failed to load hypotheses")
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	actions, err := r.store.ActionsForIncident(id)
	if err != nil {
		log.Error().Err(err).Str("incidentId", id).Msg("Failed to load actions")
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident":   inc,
		"evidence":   evidence,
		"hypotheses": hypotheses,
		"actions":    actions,
	})
}

func (r *router) handleIncidentGraph(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inc, err := r.store.GetIncident(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("incidentId", id).Msg("Failed to load incident")
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}

	sg, err := r.graph.Subgraph(inc, graph.MaxDepth)
	if err != nil {
		log.Error().Err(err).Str("incidentId", id).Msg("Failed to build evidence subgraph")
		writeError(w, http.StatusInternalServerError, "failed to build evidence graph")
		return
	}

	writeJSON(w, http.StatusOK, sg)
}

func (r *router) handleIncidentCancel(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !r.driver.Cancel(id) {
		writeError(w, http.StatusNotFound, "no running workflow for incident")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (r *router) handleListApprovals(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var requests []*approval.Request
	if incidentID := req.URL.Query().Get("incident"); incidentID != "" {
		requests = r.approvals.ForIncident(incidentID)
	} else {
		requests = r.approvals.Pending()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": requests,
		"count":     len(requests),
	})
}

func (r *router) handleApprovalDecision(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/approvals/")
	idx := strings.Index(rest, "/")
	if idx <= 0 {
		http.NotFound(w, req)
		return
	}
	id, verb := rest[:idx], rest[idx+1:]

	var body struct {
		Username string `json:"username"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if body.Username == "" {
		body.Username = "api"
	}

	var (
		decided *approval.Request
		err     error
	)
	switch verb {
	case "approve":
		decided, err = r.approvals.Approve(id, body.Username)
	case "deny":
		decided, err = r.approvals.Deny(id, body.Username, body.Reason)
	default:
		http.NotFound(w, req)
		return
	}

	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Error().Err(err).Str("approvalId", id).Msg("Approval decision failed")
		writeError(w, http.StatusInternalServerError, "failed to record decision")
	default:
		writeJSON(w, http.StatusOK, decided)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
