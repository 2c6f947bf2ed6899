// Package handlers implements the HTTP surface of the opsgate hub.
//
// Every mutating request funnels into the gate, so the handlers stay
// thin: decode, call, map errors onto the public status codes. The
// response envelope is identical across /command, /chat and approvals;
// only chat adds conversational fields on top.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsgate/opsgate/internal/adapter"
	"github.com/opsgate/opsgate/internal/api/middleware"
	"github.com/opsgate/opsgate/internal/catalog"
	"github.com/opsgate/opsgate/internal/credentials"
	"github.com/opsgate/opsgate/internal/gate"
	"github.com/opsgate/opsgate/internal/intent"
	"github.com/opsgate/opsgate/internal/mcpgw"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/pkg/models"
)

// Handlers holds the dependencies shared by all HTTP endpoints.
type Handlers struct {
	Store   store.Store
	Catalog *catalog.Catalog
	Gate    *gate.Gate
	Intent  *intent.Parser
	Gateway *mcpgw.Gateway
	Version string
}

// New creates the handler set.
func New(st store.Store, cat *catalog.Catalog, g *gate.Gate, parser *intent.Parser, gw *mcpgw.Gateway, version string) *Handlers {
	return &Handlers{
		Store:   st,
		Catalog: cat,
		Gate:    g,
		Intent:  parser,
		Gateway: gw,
		Version: version,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Command Handler ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type commandRequest struct {
	Command         string                 `json:"command"`
	Arguments       map[string]interface{} `json:"arguments,omitempty"`
	ProjectID       string                 `json:"project_id,omitempty"`
	Credential      string                 `json:"credential,omitempty"`
	RequireApproval bool                   `json:"require_approval,omitempty"`

	// OperationID resumes or re-invokes an existing journal record.
	OperationID int64 `json:"operation_id,omitempty"`
	Approved    bool  `json:"approved,omitempty"`
}

// Command submits one command through the gate.
func (h *Handlers) Command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Command == "" && req.OperationID == 0 {
		respondError(w, http.StatusBadRequest, "command is required")
		return
	}

	// A resume by ID may omit the command; the journal record fills it in.
	if req.OperationID > 0 && req.Command == "" {
		op, err := h.Store.GetOperation(r.Context(), req.OperationID)
		if err != nil {
			respondGateError(w, nil, err)
			return
		}
		req.Command = op.Command
		req.Arguments = op.Arguments
		req.ProjectID = op.ProjectID
	}

	actor := middleware.GetActor(r.Context())
	res, err := h.Gate.Submit(r.Context(), gate.SubmitRequest{
		Command:             req.Command,
		Arguments:           req.Arguments,
		ProjectID:           req.ProjectID,
		Source:              models.SourceAPI,
		Actor:               actor,
		Credential:          req.Credential,
		ForceApproval:       req.RequireApproval,
		ExistingOperationID: req.OperationID,
		Approved:            req.Approved,
		ApprovedBy:          actor,
	})
	if err != nil {
		respondGateError(w, res, err)
		return
	}

	if res.PendingApproval {
		respondJSON(w, http.StatusAccepted, pendingEnvelope(res))
		return
	}
	respondJSON(w, http.StatusOK, successEnvelope(res))
}

// ══════════════════════════════════════════════════════════════
// ── Chat Handler ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type chatRequest struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// Chat resolves a free-form message into a command and runs it through
// the same gate as /command. Unresolved intent answers with the command
// listing and creates no journal record.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	actor := middleware.GetActor(r.Context())

	sessionID := req.SessionID
	var session *models.Session
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if s, err := h.Store.GetSession(r.Context(), sessionID); err == nil {
		session = s
	}

	// The request's project wins; the session remembers the last one.
	hint := req.ProjectID
	if hint == "" && session != nil {
		hint = session.ProjectID
	}

	parsed := h.Intent.Parse(req.Message, hint)
	h.saveSession(r.Context(), session, sessionID, actor, parsed.ProjectID, parsed.Command)

	if parsed.Command == "" {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"ok":                false,
			"session_id":        sessionID,
			"assistant_message": unresolvedMessage(h.Catalog),
			"confidence":        0.0,
			"commands":          commandListing(h.Catalog),
		})
		return
	}

	res, err := h.Gate.Submit(r.Context(), gate.SubmitRequest{
		Command:    parsed.Command,
		ProjectID:  parsed.ProjectID,
		Source:     models.SourceChat,
		SessionID:  sessionID,
		Actor:      actor,
		Credential: req.Credential,
	})
	if err != nil {
		respondGateError(w, res, err)
		return
	}

	if res.PendingApproval {
		body := pendingEnvelope(res)
		body["assistant_message"] = fmt.Sprintf("%s needs approval first. Operation %d is parked until someone approves it.",
			parsed.Command, res.Operation.ID)
		body["confidence"] = parsed.Confidence
		body["session_id"] = sessionID
		respondJSON(w, http.StatusAccepted, body)
		return
	}

	body := successEnvelope(res)
	body["assistant_message"] = fmt.Sprintf("Done. %s completed as operation %d.", parsed.Command, res.Operation.ID)
	body["confidence"] = parsed.Confidence
	body["session_id"] = sessionID
	respondJSON(w, http.StatusOK, body)
}

// saveSession upserts chat continuity state. Failures are logged, never
// surfaced: losing a session only loses the project hint.
func (h *Handlers) saveSession(ctx context.Context, prev *models.Session, id, actor, projectID, command string) {
	s := models.Session{ID: id, Actor: actor, ProjectID: projectID, LastCommand: command}
	if prev != nil {
		s.CreatedAt = prev.CreatedAt
		if s.ProjectID == "" {
			s.ProjectID = prev.ProjectID
		}
		if s.LastCommand == "" {
			s.LastCommand = prev.LastCommand
		}
	}
	if err := h.Store.PutSession(ctx, &s); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("Failed to save session")
	}
}

// ══════════════════════════════════════════════════════════════
// ── Journal Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListOperations returns journal records newest first.
func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	filter := store.OperationFilter{Limit: 50}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if filter.Limit < 1 {
		filter.Limit = 1
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.OperationStatus(raw)
		switch status {
		case models.StatusQueued, models.StatusPendingApproval, models.StatusRunning,
			models.StatusCompleted, models.StatusFailed:
			filter.Status = status
		default:
			respondError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(raw))
			return
		}
	}

	if raw := r.URL.Query().Get("since_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since_id")
			return
		}
		filter.SinceID = n
	}

	ops, err := h.Store.ListOperations(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}

// GetOperation returns a single journal record.
func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "operationId"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid operation id")
		return
	}

	op, err := h.Store.GetOperation(r.Context(), id)
	if err != nil {
		respondGateError(w, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

type approveRequest struct {
	Credential string `json:"credential,omitempty"`
	Comments   string `json:"comments,omitempty"`
}

// ApproveOperation resumes one pending operation. The body is optional;
// an empty POST approves with the caller's actor identity alone.
func (h *Handlers) ApproveOperation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "operationId"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid operation id")
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	actor := middleware.GetActor(r.Context())
	if req.Comments != "" {
		log.Info().Int64("operation", id).Str("actor", actor).Str("comments", req.Comments).
			Msg("Approval comments")
	}

	res, err := h.Gate.Approve(r.Context(), id, gate.ApproveRequest{
		Credential: req.Credential,
		ApprovedBy: actor,
	})
	if err != nil {
		respondGateError(w, res, err)
		return
	}
	respondJSON(w, http.StatusOK, successEnvelope(res))
}

// ══════════════════════════════════════════════════════════════
// ── Catalog Handler ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type commandInfo struct {
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	Risk              models.RiskLevel `json:"risk"`
	RequiresProjectID bool             `json:"requires_project_id"`
}

// ListCommands returns the command catalog.
func (h *Handlers) ListCommands(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"commands": commandListing(h.Catalog),
	})
}

func commandListing(cat *catalog.Catalog) []commandInfo {
	entries := cat.Entries()
	out := make([]commandInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, commandInfo{
			Name:              e.Name,
			Description:       e.Description,
			Risk:              e.Risk,
			RequiresProjectID: e.RequiresProject,
		})
	}
	return out
}

func unresolvedMessage(cat *catalog.Catalog) string {
	names := make([]string, 0, cat.Count())
	for _, e := range cat.Entries() {
		names = append(names, e.Name)
	}
	return "I couldn't match that to a command. Known commands: " + strings.Join(names, ", ") + "."
}

// ══════════════════════════════════════════════════════════════
// ── Health & Version ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Health reports liveness, including whether the journal store answers.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "opsgate",
	})
}

// VersionInfo reports the running build.
func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "opsgate",
	})
}

// ══════════════════════════════════════════════════════════════
// ── Response Helpers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// successEnvelope is the uniform payload shared by /command, /chat and
// approval responses.
func successEnvelope(res *gate.Result) map[string]interface{} {
	return map[string]interface{}{
		"ok":           true,
		"operation_id": res.Operation.ID,
		"command":      res.Operation.Command,
		"tool":         res.Tool,
		"args":         res.Args,
		"result":       res.Output,
		"status":       res.Operation.Status,
	}
}

func pendingEnvelope(res *gate.Result) map[string]interface{} {
	op := res.Operation
	return map[string]interface{}{
		"ok":               false,
		"pending_approval": true,
		"operation_id":     op.ID,
		"command":          op.Command,
		"tool":             res.Tool,
		"args":             res.Args,
		"message":          fmt.Sprintf("operation %d requires approval: POST /operations/%d/approve", op.ID, op.ID),
	}
}

// respondGateError maps the typed errors of the gate pipeline onto the
// public status codes. res may be nil; when an adapter failure left a
// journaled operation behind, the envelope names it.
func respondGateError(w http.ResponseWriter, res *gate.Result, err error) {
	var (
		unknownCmd *catalog.ErrUnknownCommand
		noProject  *catalog.ErrMissingProjectID
		notFound   *store.ErrNotFound
		notPending *gate.ErrNotPending
		failure    *adapter.ErrFailure
		timeout    *adapter.ErrTimeout
	)
	switch {
	case errors.As(err, &unknownCmd), errors.As(err, &noProject), errors.Is(err, credentials.ErrNoCredential):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &notPending):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  notPending.Error(),
			"status": notPending.Current,
		})
	case errors.As(err, &failure):
		respondFailed(w, http.StatusBadGateway, res, err)
	case errors.As(err, &timeout):
		respondFailed(w, http.StatusGatewayTimeout, res, err)
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondFailed reports an adapter failure. The failure is already
// recorded on the operation, so the envelope points at the journal.
func respondFailed(w http.ResponseWriter, status int, res *gate.Result, err error) {
	body := map[string]interface{}{
		"ok":     false,
		"status": models.StatusFailed,
		"error":  err.Error(),
	}
	if res != nil && res.Operation != nil {
		body["operation_id"] = res.Operation.ID
	}
	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
