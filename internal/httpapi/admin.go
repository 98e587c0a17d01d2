package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

type adminActionRequest struct {
	RequestID      string `json:"request_id"`
	Reason         string `json:"reason"`
	Observations   string `json:"observations"`
	CubicleID      string `json:"cubicle_id"`
	PhlebotomistID string `json:"phlebotomist_id"`
}

// reasonRequired lists the overrides that must carry an operator-facing
// justification.
var reasonRequired = map[string]bool{
	"force-complete":  true,
	"cancel":          true,
	"return-to-queue": true,
}

// handleAdminTurnActions serves POST /api/admin/turns/{id}/{action}. Every
// override is audited after commit under the administrator's session actor.
func (h *Handler) handleAdminTurnActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/turns/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	turnID, action := parts[0], parts[1]

	var req adminActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.CubicleID = strings.TrimSpace(req.CubicleID)
	req.PhlebotomistID = strings.TrimSpace(req.PhlebotomistID)
	if req.RequestID == "" {
		writeError(w, "", http.StatusBadRequest, "validation_error", "request_id is required")
		return
	}
	if reasonRequired[action] && len(req.Reason) < minReasonLength {
		writeError(w, req.RequestID, http.StatusBadRequest, "validation_error", "reason must be at least 5 characters")
		return
	}

	session, _ := sessionFromContext(r.Context())
	now := time.Now().UTC()
	actionInput := store.TurnActionInput{
		RequestID:    req.RequestID,
		TurnID:       turnID,
		ActorID:      session.ActorID,
		Reason:       req.Reason,
		Observations: strings.TrimSpace(req.Observations),
		OccurredAt:   now,
	}
	reassignInput := store.ReassignInput{
		RequestID:      req.RequestID,
		TurnID:         turnID,
		ActorID:        session.ActorID,
		CubicleID:      req.CubicleID,
		PhlebotomistID: req.PhlebotomistID,
		OccurredAt:     now,
	}

	var turn models.Turn
	var applied bool
	var err error
	var eventType, auditAction string
	switch action {
	case "release-hold":
		turn, applied, err = h.store.ReleaseHold(r.Context(), actionInput)
		eventType, auditAction = store.EventTurnReleased, "release_hold"
	case "force-complete":
		turn, applied, err = h.store.ForceComplete(r.Context(), actionInput)
		eventType, auditAction = store.EventTurnAttended, "force_complete"
	case "cancel":
		turn, applied, err = h.store.CancelTurn(r.Context(), actionInput)
		eventType, auditAction = store.EventTurnCancelled, "cancel"
	case "return-to-queue":
		turn, applied, err = h.store.ReturnToQueue(r.Context(), actionInput)
		eventType, auditAction = store.EventTurnRequeued, "return_to_queue"
	case "change-priority":
		turn, applied, err = h.store.ChangePriority(r.Context(), actionInput)
		eventType, auditAction = store.EventTurnPriorityChanged, "change_priority"
	case "defer":
		turn, applied, err = h.store.DeferTurn(r.Context(), actionInput)
		eventType, auditAction = store.EventTurnDeferred, "defer"
	case "reassign-cubicle":
		if req.CubicleID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "validation_error", "cubicle_id is required")
			return
		}
		turn, applied, err = h.store.ReassignCubicle(r.Context(), reassignInput)
		eventType, auditAction = store.EventTurnReassigned, "reassign_cubicle"
	case "reassign-phlebotomist":
		if req.PhlebotomistID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "validation_error", "phlebotomist_id is required")
			return
		}
		turn, applied, err = h.store.ReassignPhlebotomist(r.Context(), reassignInput)
		eventType, auditAction = store.EventTurnReassigned, "reassign_phlebotomist"
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	// Replays skip the side effects: the original request already produced
	// them.
	if applied {
		if h.recorder != nil {
			h.recorder.Record(r.Context(), session.ActorID, auditAction, turn.TurnID, req.Reason)
		}
		h.broadcast(eventType, turn)
	}
	writeTurn(w, http.StatusOK, turn)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	after, limit, ok := afterAndLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.store.ListAudit(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
