package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/doctorplus/internal/middleware"
	"github.com/hitoshi/doctorplus/internal/model"
	"github.com/hitoshi/doctorplus/internal/relay"
)

// --- モック定義 ---

// mockAIService はAIServiceInterfaceのモック実装。
type mockAIService struct {
	chatFn           func(ctx context.Context, req relay.ChatRequest) (string, error)
	analyzeImageFn   func(ctx context.Context, req relay.AnalyzeImageRequest) (string, error)
	healthInsightsFn func(ctx context.Context, userID string) (string, error)
}

func (m *mockAIService) Chat(ctx context.Context, req relay.ChatRequest) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, req)
	}
	return "", nil
}

func (m *mockAIService) AnalyzeImage(ctx context.Context, req relay.AnalyzeImageRequest) (string, error) {
	if m.analyzeImageFn != nil {
		return m.analyzeImageFn(ctx, req)
	}
	return "", nil
}

func (m *mockAIService) HealthInsights(ctx context.Context, userID string) (string, error) {
	if m.healthInsightsFn != nil {
		return m.healthInsightsFn(ctx, userID)
	}
	return "", nil
}

// mockHealthLogService はHealthLogServiceInterfaceのモック実装。
type mockHealthLogService struct {
	addFn  func(ctx context.Context, req relay.AddHealthLogRequest) (*model.HealthLogEntry, error)
	listFn func(ctx context.Context, userID string, limit int) ([]*model.HealthLogEntry, error)
}

func (m *mockHealthLogService) AddHealthLog(ctx context.Context, req relay.AddHealthLogRequest) (*model.HealthLogEntry, error) {
	if m.addFn != nil {
		return m.addFn(ctx, req)
	}
	return nil, nil
}

func (m *mockHealthLogService) GetHealthLogs(ctx context.Context, userID string, limit int) ([]*model.HealthLogEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, limit)
	}
	return []*model.HealthLogEntry{}, nil
}

// mockLocationService はLocationServiceInterfaceのモック実装。
type mockLocationService struct {
	findFn func(ctx context.Context, req relay.FindHospitalsRequest) ([]model.HospitalRecord, error)
}

func (m *mockLocationService) FindHospitals(ctx context.Context, req relay.FindHospitalsRequest) ([]model.HospitalRecord, error) {
	if m.findFn != nil {
		return m.findFn(ctx, req)
	}
	return []model.HospitalRecord{}, nil
}

// mockPinger はPingerのモック実装。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(context.Context) error { return m.err }

// --- テストヘルパー ---

// jsonRequest はJSONボディ付きのリクエストを生成する。
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withUser はテスト用にリクエストコンテキストに検証済みユーザーを注入するヘルパー。
func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUser(r.Context(), &model.User{ID: userID}))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseErrorMessage はエラーレスポンスのerrorフィールドを返す。
func parseErrorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body["error"]
}

func floatPtr(v float64) *float64 { return &v }
