// Package admin provides the HTTP surface of the impersonation subsystem.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/brokerly/supportd/audit"
	"github.com/brokerly/supportd/auth"
	"github.com/brokerly/supportd/impersonation"
	"github.com/brokerly/supportd/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handlers provides the impersonation HTTP handlers. All routes assume
// RequireAuth + RequireAdmin already ran.
type Handlers struct {
	manager  *impersonation.Manager
	reporter *impersonation.Reporter
	audit    *audit.Store
}

// NewHandlers creates the impersonation handlers.
func NewHandlers(manager *impersonation.Manager, reporter *impersonation.Reporter, auditStore *audit.Store) *Handlers {
	return &Handlers{
		manager:  manager,
		reporter: reporter,
		audit:    auditStore,
	}
}

// RegisterRoutes mounts the impersonation API on the given router.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/request", h.RequestHandler).Methods(http.MethodPost)
	r.HandleFunc("/active", h.ActiveHandler).Methods(http.MethodGet)
	r.HandleFunc("/pending", h.PendingHandler).Methods(http.MethodGet)
	r.HandleFunc("/history", h.HistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/approve/{sessionID}", h.ApproveHandler).Methods(http.MethodPost)
	r.HandleFunc("/deny/{sessionID}", h.DenyHandler).Methods(http.MethodPost)
	r.HandleFunc("/end/{sessionID}", h.EndHandler).Methods(http.MethodPost)
	r.HandleFunc("/{sessionID}/actions", h.ActionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/{sessionID}/log-action", h.LogActionHandler).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sessionIDFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["sessionID"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, types.NewHTTPError(http.StatusBadRequest, "Invalid session ID", err)
	}
	return id, nil
}

// RequestHandler handles POST /api/impersonation/request.
func (h *Handlers) RequestHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminUser := auth.GetUserFromContext(ctx)

	var req types.ImpersonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	targetUserID, err := uuid.Parse(req.TargetUserID)
	if err != nil || targetUserID == uuid.Nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Target user ID is required", err))
		return
	}

	session, err := h.manager.RequestImpersonation(ctx, adminUser, targetUserID, req.Reason, impersonation.RequestContext{
		IPAddress: auth.GetClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	message := "Impersonation request pending approval"
	if session.Active {
		message = "Impersonation session active"
	}
	writeJSON(w, types.SessionResponse{Message: message, Session: session})
}

// ActiveHandler handles GET /api/impersonation/active.
func (h *Handlers) ActiveHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminUser := auth.GetUserFromContext(ctx)

	session, err := h.manager.GetActiveImpersonation(ctx, adminUser.ID)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, types.ActiveSessionResponse{
		Active:  session != nil,
		Session: session,
	})
}

// ApproveHandler handles POST /api/impersonation/approve/{sessionID}.
func (h *Handlers) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminUser := auth.GetUserFromContext(ctx)

	sessionID, err := sessionIDFromRequest(r)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	session, err := h.manager.ApproveImpersonation(ctx, sessionID, adminUser.ID)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, types.SessionResponse{Message: "Impersonation session approved", Session: session})
}

// DenyHandler handles POST /api/impersonation/deny/{sessionID}.
func (h *Handlers) DenyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminUser := auth.GetUserFromContext(ctx)

	sessionID, err := sessionIDFromRequest(r)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	var req types.DenialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	session, err := h.manager.DenyImpersonation(ctx, sessionID, adminUser.ID, req.Reason)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, types.SessionResponse{Message: "Impersonation request denied", Session: session})
}

// EndHandler handles POST /api/impersonation/end/{sessionID}.
func (h *Handlers) EndHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminUser := auth.GetUserFromContext(ctx)

	sessionID, err := sessionIDFromRequest(r)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	session, err := h.manager.EndImpersonation(ctx, sessionID, adminUser.ID)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, types.SessionResponse{
		Message: fmt.Sprintf("Impersonation session ended after %s", session.Duration(session.EndTime.Time).Round(time.Second)),
		Session: session,
	})
}

// PendingHandler handles GET /api/impersonation/pending.
func (h *Handlers) PendingHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.manager.GetPendingRequests(r.Context())
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}
	writeJSON(w, map[string]interface{}{"sessions": sessions})
}

// HistoryHandler handles GET /api/impersonation/history.
func (h *Handlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	sessions, total, err := h.manager.GetHistory(r.Context(), filter)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, types.HistoryResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}

func historyFilterFromQuery(r *http.Request) (types.HistoryFilter, error) {
	q := r.URL.Query()
	filter := types.HistoryFilter{Limit: 50}

	if raw := q.Get("admin_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, types.NewHTTPError(http.StatusBadRequest, "Invalid admin_id", err)
		}
		filter.AdminID = id
	}
	if raw := q.Get("target_user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, types.NewHTTPError(http.StatusBadRequest, "Invalid target_user_id", err)
		}
		filter.TargetUserID = id
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, types.NewHTTPError(http.StatusBadRequest, "Invalid since timestamp", err)
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, types.NewHTTPError(http.StatusBadRequest, "Invalid until timestamp", err)
		}
		filter.Until = t
	}
	if raw := q.Get("active"); raw != "" {
		filter.ActiveOnly = raw == "true" || raw == "1"
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, types.NewHTTPError(http.StatusBadRequest, "Invalid limit", err)
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, types.NewHTTPError(http.StatusBadRequest, "Invalid offset", err)
		}
		filter.Offset = n
	}

	return filter, nil
}

// ActionsHandler handles GET /api/impersonation/{sessionID}/actions.
func (h *Handlers) ActionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := sessionIDFromRequest(r)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	// 404 for unknown sessions rather than an empty list.
	if _, err := h.manager.GetSession(ctx, sessionID); err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	actions, err := h.audit.ListActions(ctx, sessionID)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, map[string]interface{}{"actions": actions})
}

// LogActionHandler handles POST /api/impersonation/{sessionID}/log-action,
// the explicit hook for endpoints that attribute a business action to a
// session.
func (h *Handlers) LogActionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := sessionIDFromRequest(r)
	if err != nil {
		types.WriteHTTPError(w, err)
		return
	}

	var req types.LogActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid request body", err))
		return
	}

	if err := h.manager.LogSessionAction(ctx, sessionID, req, auth.GetClientIP(r)); err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"message": "Action logged"})
}

// StatsHandler handles GET /api/impersonation/stats.
func (h *Handlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	windowDays := 0
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			types.WriteHTTPError(w, types.NewHTTPError(http.StatusBadRequest, "Invalid window_days", err))
			return
		}
		windowDays = n
	}

	stats, err := h.reporter.Stats(r.Context(), windowDays)
	if err != nil {
		types.WriteHTTPError(w, types.HTTPErrorFor(err))
		return
	}

	writeJSON(w, stats)
}
