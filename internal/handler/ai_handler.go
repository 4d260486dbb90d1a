package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/doctorplus/internal/relay"
)

// AIServiceInterface はAIハンドラーが必要とするサービスインターフェース。
type AIServiceInterface interface {
	// Chat はユーザーメッセージへの返答を生成する。
	Chat(ctx context.Context, req relay.ChatRequest) (string, error)
	// AnalyzeImage は画像とプロンプトから解析結果を生成する。
	AnalyzeImage(ctx context.Context, req relay.AnalyzeImageRequest) (string, error)
	// HealthInsights は直近のヘルスログからインサイトを生成する。
	HealthInsights(ctx context.Context, userID string) (string, error)
}

// AIHandler は生成AI関連のHTTPハンドラー。
type AIHandler struct {
	service AIServiceInterface
}

// NewAIHandler はAIHandlerを生成する。
func NewAIHandler(service AIServiceInterface) *AIHandler {
	return &AIHandler{service: service}
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type analyzeImageRequest struct {
	Prompt    string `json:"prompt"`
	ImageData string `json:"imageData"`
	MIMEType  string `json:"mimeType"`
}

type analyzeImageResponse struct {
	Analysis string `json:"analysis"`
}

type healthInsightsRequest struct {
	UserID string `json:"userId"`
}

type healthInsightsResponse struct {
	Insights string `json:"insights"`
}

// Chat はチャットメッセージを処理する。
// POST /api/chat
func (h *AIHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	userID, apiErr := resolveUserID(r, req.UserID)
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	reply, err := h.service.Chat(r.Context(), relay.ChatRequest{
		Message: req.Message,
		UserID:  userID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

// AnalyzeImage は画像解析を処理する。
// POST /api/analyze-image
func (h *AIHandler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	var req analyzeImageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	analysis, err := h.service.AnalyzeImage(r.Context(), relay.AnalyzeImageRequest{
		Prompt:    req.Prompt,
		ImageData: req.ImageData,
		MIMEType:  req.MIMEType,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, analyzeImageResponse{Analysis: analysis})
}

// HealthInsights はヘルスログに基づくインサイト生成を処理する。
// POST /api/health-insights
func (h *AIHandler) HealthInsights(w http.ResponseWriter, r *http.Request) {
	var req healthInsightsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	userID, apiErr := resolveUserID(r, req.UserID)
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	insights, err := h.service.HealthInsights(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, healthInsightsResponse{Insights: insights})
}
