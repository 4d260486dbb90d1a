package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/doctorplus/internal/middleware"
	"github.com/hitoshi/doctorplus/internal/model"
)

const healthCheckTimeout = 2 * time.Second

// Pinger はヘルスチェックで依存先の疎通確認を行う。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SystemHandler は稼働確認と利用者情報のHTTPハンドラー。
type SystemHandler struct {
	db   Pinger
	port string
}

// NewSystemHandler はSystemHandlerを生成する。
func NewSystemHandler(db Pinger, port string) *SystemHandler {
	return &SystemHandler{db: db, port: port}
}

type healthResponse struct {
	Status string `json:"status"`
}

type meResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Anonymous bool   `json:"anonymous"`
}

// Root は稼働中であることを示すテキストを返す。
// GET /
func (h *SystemHandler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Doctor Plus Backend is Running on port %s !", h.port)
}

// Health はデータベースへの疎通を確認する。
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Me は検証済みユーザーの情報を返す。
// GET /api/me
func (h *SystemHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Anonymous: user.Anonymous,
	})
}
