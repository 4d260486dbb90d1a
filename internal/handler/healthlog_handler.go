package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/doctorplus/internal/model"
	"github.com/hitoshi/doctorplus/internal/relay"
)

// HealthLogServiceInterface はヘルスログハンドラーが必要とするサービスインターフェース。
type HealthLogServiceInterface interface {
	AddHealthLog(ctx context.Context, req relay.AddHealthLogRequest) (*model.HealthLogEntry, error)
	GetHealthLogs(ctx context.Context, userID string, limit int) ([]*model.HealthLogEntry, error)
}

// HealthLogHandler はヘルスログのHTTPハンドラー。
type HealthLogHandler struct {
	service HealthLogServiceInterface
}

// NewHealthLogHandler はHealthLogHandlerを生成する。
func NewHealthLogHandler(service HealthLogServiceInterface) *HealthLogHandler {
	return &HealthLogHandler{service: service}
}

type addHealthLogRequest struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

// healthLogResponse はログ1件のAPIレスポンス。
type healthLogResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

type healthLogListResponse struct {
	Logs []healthLogResponse `json:"logs"`
}

// AddLog はヘルスログを1件追加する。
// POST /api/health-log
func (h *HealthLogHandler) AddLog(w http.ResponseWriter, r *http.Request) {
	var req addHealthLogRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	userID, apiErr := resolveUserID(r, req.UserID)
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	entry, err := h.service.AddHealthLog(r.Context(), relay.AddHealthLogRequest{
		UserID: userID,
		Type:   req.Type,
		Value:  req.Value,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toHealthLogResponse(entry))
}

// GetLogs はユーザーのヘルスログを新しい順に返す。
// GET /api/health-log/{userId}?limit=N
func (h *HealthLogHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	userID, apiErr := resolveUserID(r, chi.URLParam(r, "userId"))
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	// 数値でないlimitは未指定として扱う
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.service.GetHealthLogs(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	logs := make([]healthLogResponse, 0, len(entries))
	for _, e := range entries {
		logs = append(logs, toHealthLogResponse(e))
	}
	writeJSON(w, http.StatusOK, healthLogListResponse{Logs: logs})
}

func toHealthLogResponse(e *model.HealthLogEntry) healthLogResponse {
	return healthLogResponse{
		ID:        e.ID,
		Type:      string(e.Type),
		Value:     e.Value,
		Timestamp: e.ISOTimestamp(),
	}
}
