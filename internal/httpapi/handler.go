package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tomaturno/dispatch-service/internal/audit"
	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

const minReasonLength = 5

// Broadcaster pushes committed transitions to display clients. The hub
// satisfies it; tests plug a recorder.
type Broadcaster interface {
	Broadcast(eventType, attentionClass string, payload []byte)
}

type Handler struct {
	store    store.TurnStore
	recorder *audit.Recorder
	hub      Broadcaster
}

func NewHandler(st store.TurnStore, recorder *audit.Recorder, hub Broadcaster) *Handler {
	return &Handler{store: st, recorder: recorder, hub: hub}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/turns", h.handleCreateTurn)
	mux.HandleFunc("/api/turns/pending", h.handlePending)
	mux.HandleFunc("/api/turns/calling", h.handleCalling)
	mux.HandleFunc("/api/turns/in-progress", h.handleInProgress)
	mux.HandleFunc("/api/turns/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/turns/", h.handleTurnByID)
	mux.HandleFunc("/api/cubicles", h.handleCubicles)
	mux.HandleFunc("/api/cubicles/", h.handleCubicleActions)
	mux.HandleFunc("/api/phlebotomists", h.handlePhlebotomists)
	mux.HandleFunc("/api/summary", h.handleSummary)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/admin/turns/", h.handleAdminTurnActions)
	mux.HandleFunc("/api/admin/audit", h.handleAuditLog)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createTurnRequest struct {
	RequestID      string `json:"request_id"`
	PatientName    string `json:"patient_name"`
	WorkOrder      string `json:"work_order"`
	TubesRequired  int    `json:"tubes_required"`
	AttentionClass string `json:"attention_class"`
}

func (h *Handler) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireStaff(w, r) {
		return
	}

	var req createTurnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.AttentionClass = strings.TrimSpace(strings.ToLower(req.AttentionClass))
	if req.RequestID == "" || req.PatientName == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "validation_error", "request_id and patient_name are required")
		return
	}
	if req.AttentionClass == "" {
		req.AttentionClass = models.ClassGeneral
	}

	turn, applied, err := h.store.CreateTurn(r.Context(), store.CreateTurnInput{
		RequestID:      req.RequestID,
		PatientName:    req.PatientName,
		WorkOrder:      strings.TrimSpace(req.WorkOrder),
		TubesRequired:  req.TubesRequired,
		AttentionClass: req.AttentionClass,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if applied {
		h.broadcast(store.EventTurnCreated, turn)
	}
	writeTurn(w, http.StatusCreated, turn)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	class := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("attention_class")))
	if class != "" && !models.ValidClass(class) {
		writeError(w, "", http.StatusBadRequest, "validation_error", "attention_class must be general or special")
		return
	}
	turns, err := h.store.ListPending(r.Context(), store.PendingFilters{AttentionClass: class})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, pendingProjection(turns, time.Now().UTC()))
}

// pendingTurn adds the waiting time the boards show next to each ticket.
// Waiting is measured from creation: a deferral moves the turn to the tail
// but does not reset how long the patient has been in the room.
type pendingTurn struct {
	models.Turn
	WaitTimeMinutes int `json:"wait_time_minutes"`
}

func pendingProjection(turns []models.Turn, now time.Time) []pendingTurn {
	out := make([]pendingTurn, 0, len(turns))
	for _, turn := range turns {
		wait := int(now.Sub(turn.CreatedAt).Minutes())
		if wait < 0 {
			wait = 0
		}
		out = append(out, pendingTurn{Turn: turn, WaitTimeMinutes: wait})
	}
	return out
}

func (h *Handler) handleCalling(w http.ResponseWriter, r *http.Request) {
	h.handleList(w, r, h.store.ListCalling)
}

func (h *Handler) handleInProgress(w http.ResponseWriter, r *http.Request) {
	h.handleList(w, r, h.store.ListInProgress)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]models.Turn, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	turns, err := list(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

type callNextRequest struct {
	RequestID      string `json:"request_id"`
	PhlebotomistID string `json:"phlebotomist_id"`
	CubicleID      string `json:"cubicle_id"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireStaff(w, r) {
		return
	}

	var req callNextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PhlebotomistID = strings.TrimSpace(req.PhlebotomistID)
	req.CubicleID = strings.TrimSpace(req.CubicleID)
	if req.RequestID == "" || req.PhlebotomistID == "" || req.CubicleID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "validation_error", "request_id, phlebotomist_id, and cubicle_id are required")
		return
	}

	turn, applied, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID:      req.RequestID,
		PhlebotomistID: req.PhlebotomistID,
		CubicleID:      req.CubicleID,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTurn) {
			writeError(w, req.RequestID, http.StatusConflict, "queue_empty", "no turn available")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if applied {
		h.broadcast(store.EventTurnCalling, turn)
	}
	writeTurn(w, http.StatusOK, turn)
}

// handleTurnByID serves GET /api/turns/{id} and
// POST /api/turns/{id}/actions/{hold|call|present|no-show|complete}.
func (h *Handler) handleTurnByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/turns/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetTurn(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		h.handleTurnAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTurn(w http.ResponseWriter, r *http.Request, turnID string) {
	turn, err := h.store.GetTurn(r.Context(), turnID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

type turnActionRequest struct {
	RequestID      string `json:"request_id"`
	PhlebotomistID string `json:"phlebotomist_id"`
	CubicleID      string `json:"cubicle_id"`
	Observations   string `json:"observations"`
}

func (h *Handler) handleTurnAction(w http.ResponseWriter, r *http.Request, turnID, action string) {
	if !requireStaff(w, r) {
		return
	}

	var req turnActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PhlebotomistID = strings.TrimSpace(req.PhlebotomistID)
	req.CubicleID = strings.TrimSpace(req.CubicleID)
	if req.RequestID == "" {
		writeError(w, "", http.StatusBadRequest, "validation_error", "request_id is required")
		return
	}

	session, _ := sessionFromContext(r.Context())
	now := time.Now().UTC()
	actionInput := store.TurnActionInput{
		RequestID:    req.RequestID,
		TurnID:       turnID,
		ActorID:      session.ActorID,
		Observations: strings.TrimSpace(req.Observations),
		OccurredAt:   now,
	}

	var turn models.Turn
	var applied bool
	var err error
	var eventType string
	switch action {
	case "hold":
		if req.PhlebotomistID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "validation_error", "phlebotomist_id is required")
			return
		}
		turn, applied, err = h.store.HoldTurn(r.Context(), store.HoldInput{
			RequestID: req.RequestID, TurnID: turnID,
			PhlebotomistID: req.PhlebotomistID, OccurredAt: now,
		})
		eventType = store.EventTurnHolding
	case "call":
		if req.PhlebotomistID == "" || req.CubicleID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "validation_error", "phlebotomist_id and cubicle_id are required")
			return
		}
		turn, applied, err = h.store.CallTurn(r.Context(), store.CallInput{
			RequestID: req.RequestID, TurnID: turnID,
			PhlebotomistID: req.PhlebotomistID, CubicleID: req.CubicleID, OccurredAt: now,
		})
		eventType = store.EventTurnCalling
	case "present":
		turn, applied, err = h.store.MarkPresent(r.Context(), actionInput)
		eventType = store.EventTurnInProgress
	case "no-show":
		turn, applied, err = h.store.MarkNoShow(r.Context(), actionInput)
		eventType = store.EventTurnNoShow
		if err == nil && turn.Status == models.StatusPending {
			eventType = store.EventTurnRequeued
		}
	case "complete":
		turn, applied, err = h.store.CompleteTurn(r.Context(), actionInput)
		eventType = store.EventTurnAttended
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if applied {
		if action == "complete" && h.recorder != nil {
			h.recorder.Record(r.Context(), session.ActorID, "complete", turn.TurnID, "")
		}
		h.broadcast(eventType, turn)
	}
	writeTurn(w, http.StatusOK, turn)
}

func (h *Handler) handleCubicles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cubicles, err := h.store.ListCubicles(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, cubicles)
}

type selectCubicleRequest struct {
	PhlebotomistID string `json:"phlebotomist_id"`
}

// handleCubicleActions serves POST /api/cubicles/{id}/actions/select.
func (h *Handler) handleCubicleActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/cubicles/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[2] != "select" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !requireStaff(w, r) {
		return
	}

	var req selectCubicleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.PhlebotomistID = strings.TrimSpace(req.PhlebotomistID)
	if req.PhlebotomistID == "" {
		writeError(w, "", http.StatusBadRequest, "validation_error", "phlebotomist_id is required")
		return
	}

	cubicle, err := h.store.SelectCubicle(r.Context(), parts[0], req.PhlebotomistID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, cubicle)
}

func (h *Handler) handlePhlebotomists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phlebs, err := h.store.ListPhlebotomists(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, phlebs)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	summary, err := h.store.QueueSummary(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	after, limit, ok := afterAndLimit(w, r)
	if !ok {
		return
	}
	events, err := h.store.ListEvents(r.Context(), store.EventCursor{Time: after}, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func afterAndLimit(w http.ResponseWriter, r *http.Request) (time.Time, int, bool) {
	var after time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "validation_error", "after must be an RFC3339 timestamp")
			return time.Time{}, 0, false
		}
		after = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return time.Time{}, 0, false
		}
		limit = parsed
	}
	return after, limit, true
}

func (h *Handler) broadcast(eventType string, turn models.Turn) {
	if h.hub == nil {
		return
	}
	payload, err := json.Marshal(store.NewEvent(eventType, turn))
	if err != nil {
		return
	}
	h.hub.Broadcast(eventType, turn.AttentionClass, payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTurnNotFound):
		return http.StatusNotFound, "turn_not_found", "turn not found"
	case errors.Is(err, store.ErrCubicleNotFound):
		return http.StatusNotFound, "cubicle_not_found", "cubicle not found"
	case errors.Is(err, store.ErrPhlebotomistNotFound):
		return http.StatusNotFound, "phlebotomist_not_found", "phlebotomist not found"
	case errors.Is(err, store.ErrTerminalState):
		return http.StatusConflict, "terminal_state", "turn reached a final state"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "turn state does not allow this action"
	case errors.Is(err, store.ErrAlreadyHeld):
		return http.StatusConflict, "already_held", "turn already held by a phlebotomist"
	case errors.Is(err, store.ErrHolderMismatch):
		return http.StatusConflict, "holder_mismatch", "turn held by another phlebotomist"
	case errors.Is(err, store.ErrCubicleOccupied):
		return http.StatusConflict, "cubicle_occupied", "cubicle already occupied"
	case errors.Is(err, store.ErrCubicleInactive):
		return http.StatusBadRequest, "validation_error", "cubicle is not active"
	case errors.Is(err, store.ErrCubicleTypeMismatch):
		return http.StatusConflict, "cubicle_type_mismatch", "cubicle cannot attend this class"
	case errors.Is(err, store.ErrCubicleClaimed):
		return http.StatusConflict, "cubicle_claimed", "cubicle claimed by another phlebotomist"
	case errors.Is(err, store.ErrPhlebotomistBusy):
		return http.StatusConflict, "phlebotomist_busy", "phlebotomist already attending a turn"
	case errors.Is(err, store.ErrCallTooSoon):
		return http.StatusConflict, "call_too_soon", "retry interval not yet elapsed"
	case errors.Is(err, store.ErrNoTurn):
		return http.StatusConflict, "queue_empty", "no turn available"
	case errors.Is(err, store.ErrInvalidClass):
		return http.StatusBadRequest, "validation_error", "unknown attention class"
	case errors.Is(err, store.ErrReasonRequired):
		return http.StatusBadRequest, "validation_error", "reason must be at least 5 characters"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type turnResponse struct {
	Success bool        `json:"success"`
	Turn    models.Turn `json:"turn"`
}

type errorResponse struct {
	Success   bool          `json:"success"`
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeTurn(w http.ResponseWriter, status int, turn models.Turn) {
	writeJSON(w, status, turnResponse{Success: true, Turn: turn})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Success:   false,
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
