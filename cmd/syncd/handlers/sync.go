// Package handlers provides REST API handlers for sync status and control.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/orchestrator"
	"github.com/kimhsiao/memonexus/syncd/internal/status"
)

// Orchestrator is the part of the orchestrator the handlers drive.
type Orchestrator interface {
	RequestSync(req models.SyncRequest) (orchestrator.RequestOutcome, error)
	Cancel(t models.SyncType) error
}

// StatusSource serves the live projection.
type StatusSource interface {
	GetStatus() status.Status
	Operation(id string) (*models.SyncOperation, bool)
}

// HistorySource serves archived operations.
type HistorySource interface {
	GetOperation(ctx context.Context, id string) (*models.SyncOperation, error)
	ListOperations(ctx context.Context, syncType models.SyncType, limit int) ([]*models.SyncOperation, error)
}

// Trigger is a rate-limited front for manual requests.
type Trigger interface {
	TriggerSync(types []models.SyncType, full bool) (orchestrator.RequestOutcome, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	orch    Orchestrator
	board   StatusSource
	history HistorySource
	trigger Trigger
}

// NewSyncHandler creates a new SyncHandler. history may be nil.
func NewSyncHandler(orch Orchestrator, board StatusSource, history HistorySource) *SyncHandler {
	return &SyncHandler{
		orch:    orch,
		board:   board,
		history: history,
	}
}

// SetTrigger routes manual requests through t instead of the orchestrator.
func (h *SyncHandler) SetTrigger(t Trigger) {
	h.trigger = t
}

// Register mounts the handlers on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("POST /api/sync/{type}/cancel", h.CancelSync)
	mux.HandleFunc("GET /api/sync/operations/{id}", h.GetOperation)
	mux.HandleFunc("GET /api/sync/history", h.GetHistory)
}

// =====================================================
// Status Endpoints
// =====================================================

// GetStatus handles GET /api/sync/status
// Returns every active operation, recent history and lock states.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.board.GetStatus())
}

// GetOperation handles GET /api/sync/operations/{id}
func (h *SyncHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if op, ok := h.board.Operation(id); ok {
		writeJSON(w, http.StatusOK, op)
		return
	}
	if h.history == nil {
		writeError(w, errors.New(errors.ErrNotFound, "operation not found"))
		return
	}
	op, err := h.history.GetOperation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// GetHistory handles GET /api/sync/history?type=&limit=
func (h *SyncHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"operations": []*models.SyncOperation{}})
		return
	}

	var syncType models.SyncType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := models.ParseSyncType(raw)
		if err != nil {
			writeError(w, errors.Wrap(errors.ErrInvalid, "invalid type", err))
			return
		}
		syncType = t
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, errors.New(errors.ErrInvalid, "limit must be a positive integer"))
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	ops, err := h.history.ListOperations(r.Context(), syncType, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// =====================================================
// Control Endpoints
// =====================================================

type syncRequest struct {
	Types  []string `json:"types"`
	UserID string   `json:"user_id"`
	Full   bool     `json:"full"`
}

// TriggerSync handles POST /api/sync
// Starts one operation per free type. Responds 202 when at least one type
// started and 409 when every requested type is already running.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	types := make([]models.SyncType, 0, len(body.Types))
	for _, raw := range body.Types {
		t, err := models.ParseSyncType(raw)
		if err != nil {
			writeError(w, errors.Wrap(errors.ErrInvalid, "invalid type", err))
			return
		}
		types = append(types, t)
	}

	var (
		out orchestrator.RequestOutcome
		err error
	)
	if h.trigger != nil && body.UserID == "" {
		out, err = h.trigger.TriggerSync(types, body.Full)
	} else {
		out, err = h.orch.RequestSync(models.SyncRequest{Types: types, UserID: body.UserID, Full: body.Full})
	}
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusAccepted
	if len(out.Types) > 0 && len(out.Blocked()) == len(out.Types) {
		code = http.StatusConflict
	}
	writeJSON(w, code, out)
}

// CancelSync handles POST /api/sync/{type}/cancel
func (h *SyncHandler) CancelSync(w http.ResponseWriter, r *http.Request) {
	t, err := models.ParseSyncType(r.PathValue("type"))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid type", err))
		return
	}
	if err := h.orch.Cancel(t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "cancelling",
		"type":   t,
	})
}

// =====================================================
// Helpers
// =====================================================

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "syncd"})
}

// StatusCode maps an error code to an HTTP status.
func StatusCode(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrLockConflict:
		return http.StatusConflict
	case errors.ErrThrottled:
		return http.StatusTooManyRequests
	case errors.ErrCancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError exposes only the code and message, never the wrapped chain.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	writeJSON(w, StatusCode(code), map[string]string{
		"code":    string(code),
		"message": errors.MessageOf(err),
	})
}
