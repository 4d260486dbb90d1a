// Package relay は生成AI・ログストア・地図APIへの中継処理を提供する。
// 入力の検証、上流呼び出し、失敗時のエラー変換を担い、HTTPの詳細は扱わない。
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/doctorplus/internal/metrics"
	"github.com/hitoshi/doctorplus/internal/model"
	"github.com/hitoshi/doctorplus/internal/repository"
)

const (
	// DefaultLogLimit はGetHealthLogsでlimit未指定時に返す件数。
	DefaultLogLimit = 20
	// MaxLogLimit はGetHealthLogsで返す最大件数。
	MaxLogLimit = 100
	// insightsLogLimit はインサイト生成に使う直近ログの件数。
	insightsLogLimit = 50
	// DefaultSearchRadius は病院検索の半径（メートル）。
	DefaultSearchRadius = 5000

	messagePreviewRunes = 30
)

// クライアントに返すメッセージ
const (
	msgMessageRequired      = "Message is required"
	msgUserIDRequired       = "userId is required"
	msgImageFieldsRequired  = "Prompt, imageData, and mimeType are required"
	msgImageNotBase64       = "imageData must be base64 encoded"
	msgLogFieldsRequired    = "userId, type, and value are required"
	msgCoordinatesRequired  = "Latitude and longitude are required"
	msgChatFailed           = "Failed to get response from AI model"
	msgImageFailed          = "Failed to analyze image"
	msgInsightsFailed       = "Failed to generate health insights"
	msgSaveLogFailed        = "Failed to save health log"
	msgRetrieveLogsFailed   = "Failed to retrieve health logs"
	msgHospitalsFailed      = "Failed to fetch hospitals from map service"
	insufficientDataMessage = "Not enough data to generate insights. Keep logging your food and activities!"
)

// chatSystemInstruction はチャットの人格と必須の免責事項を定める。
const chatSystemInstruction = `You are Doctor Plus, a helpful AI health assistant. Provide informative and empathetic responses based on the user's query.
If the user asks about symptoms, analyze them and give general advice.
If the user asks about first-aid (e.g., snake bite, burns), provide immediate steps.
If the user is using the 'Mood Journal', analyze their mood and suggest mindfulness exercises.
If the user is using the 'Recipe Generator', create a healthy recipe based on their ingredients.
**Crucially, always include a disclaimer that you are not a medical professional and the user should consult a doctor for any health concerns.**`

const insightsPromptPrefix = "Analyze these recent health logs. Identify patterns in diet/activity. Suggest improvements. Be encouraging. No medical advice. Logs:\n"

// 上流プロバイダー名（メトリクスラベル）
const (
	providerGemini   = "gemini"
	providerLogStore = "logstore"
	providerOverpass = "overpass"
)

// Generator は生成AIモデルへの呼び出しを抽象化する。
type Generator interface {
	Chat(ctx context.Context, systemInstruction, message string) (string, error)
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateWithImage(ctx context.Context, prompt string, image model.InlineImage) (string, error)
}

// PlaceFinder は地図データによる医療施設検索を抽象化する。
type PlaceFinder interface {
	FindHealthcare(ctx context.Context, lat, lon float64, radius int) ([]model.HospitalRecord, error)
}

// ChatRequest はチャット要求。
type ChatRequest struct {
	Message string `validate:"required"`
	UserID  string `validate:"required"`
}

// AnalyzeImageRequest は画像解析要求。ImageDataはbase64文字列。
type AnalyzeImageRequest struct {
	Prompt    string `validate:"required"`
	ImageData string `validate:"required"`
	MIMEType  string `validate:"required"`
}

// AddHealthLogRequest はヘルスログ追加要求。
type AddHealthLogRequest struct {
	UserID string `validate:"required"`
	Type   string `validate:"required"`
	Value  string `validate:"required"`
}

// FindHospitalsRequest は病院検索要求。0は有効な座標のためポインタで欠落を表す。
type FindHospitalsRequest struct {
	Latitude  *float64 `validate:"required"`
	Longitude *float64 `validate:"required"`
}

// Service はクライアント向け操作を上流サービスへ中継する。
// リクエスト間で状態を持たず、並行に呼び出してよい。
type Service struct {
	generator    Generator
	logs         repository.HealthLogRepository
	places       PlaceFinder
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	validate     *validator.Validate
	searchRadius int
}

// NewService はServiceの新しいインスタンスを生成する。
// searchRadiusが0以下の場合はDefaultSearchRadiusを使用する。
func NewService(
	generator Generator,
	logs repository.HealthLogRepository,
	places PlaceFinder,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	searchRadius int,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if searchRadius <= 0 {
		searchRadius = DefaultSearchRadius
	}
	return &Service{
		generator:    generator,
		logs:         logs,
		places:       places,
		metrics:      collector,
		logger:       logger,
		validate:     validator.New(),
		searchRadius: searchRadius,
	}
}

// Chat はユーザーメッセージを固定のシステム指示とともにモデルへ送り、返答を返す。
func (s *Service) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		if firstInvalidField(err) == "Message" {
			return "", model.NewValidationError(msgMessageRequired)
		}
		return "", model.NewValidationError(msgUserIDRequired)
	}

	s.logger.InfoContext(ctx, "chat request received",
		slog.String("user_id", req.UserID),
		slog.String("message_preview", preview(req.Message)),
	)

	start := time.Now()
	reply, err := nonEmpty(s.generator.Chat(ctx, chatSystemInstruction, req.Message))
	s.observe(providerGemini, "chat", start, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "chat generation failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		return "", model.NewUpstreamError(msgChatFailed)
	}

	return reply, nil
}

// AnalyzeImage はプロンプトと画像を1ターンとしてモデルへ送り、解析結果を返す。
func (s *Service) AnalyzeImage(ctx context.Context, req AnalyzeImageRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", model.NewValidationError(msgImageFieldsRequired)
	}

	data, err := decodeImageData(req.ImageData)
	if err != nil {
		return "", model.NewValidationError(msgImageNotBase64)
	}

	s.logger.InfoContext(ctx, "image analysis request received",
		slog.String("prompt_preview", preview(req.Prompt)),
		slog.String("mime_type", req.MIMEType),
		slog.Int("image_bytes", len(data)),
	)

	start := time.Now()
	analysis, err := nonEmpty(s.generator.GenerateWithImage(ctx, req.Prompt, model.InlineImage{
		Data:     data,
		MIMEType: req.MIMEType,
	}))
	s.observe(providerGemini, "analyze_image", start, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "image analysis failed",
			slog.String("error", err.Error()),
		)
		return "", model.NewUpstreamError(msgImageFailed)
	}

	return analysis, nil
}

// HealthInsights は直近のログからパターンと改善案を生成する。
// ログが1件も無い場合はモデルを呼ばずに定型文を返す。
func (s *Service) HealthInsights(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", model.NewValidationError(msgUserIDRequired)
	}

	start := time.Now()
	entries, err := s.logs.ListRecentByUser(ctx, userID, insightsLogLimit)
	s.observe(providerLogStore, "list_recent", start, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read health logs for insights",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return "", model.NewUpstreamError(msgInsightsFailed)
	}

	if len(entries) == 0 {
		s.metrics.RecordInsightsSkipped()
		return insufficientDataMessage, nil
	}

	start = time.Now()
	insights, err := nonEmpty(s.generator.Generate(ctx, BuildInsightsPrompt(entries)))
	s.observe(providerGemini, "insights", start, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "insights generation failed",
			slog.String("user_id", userID),
			slog.Int("log_count", len(entries)),
			slog.String("error", err.Error()),
		)
		return "", model.NewUpstreamError(msgInsightsFailed)
	}

	return insights, nil
}

// AddHealthLog はログを1件追加する。タイムスタンプはログストア側で付与される。
func (s *Service) AddHealthLog(ctx context.Context, req AddHealthLogRequest) (*model.HealthLogEntry, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, model.NewValidationError(msgLogFieldsRequired)
	}

	logType := model.LogType(req.Type)
	if !logType.IsKnown() {
		s.logger.WarnContext(ctx, "unknown health log type",
			slog.String("user_id", req.UserID),
			slog.String("type", req.Type),
		)
	}

	start := time.Now()
	entry, err := s.logs.Create(ctx, req.UserID, logType, req.Value)
	s.observe(providerLogStore, "create", start, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save health log",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamError(msgSaveLogFailed)
	}

	return entry, nil
}

// GetHealthLogs はユーザーのログを新しい順に返す。
// limitが0以下ならDefaultLogLimit、MaxLogLimitを超える場合はMaxLogLimitに丸める。
func (s *Service) GetHealthLogs(ctx context.Context, userID string, limit int) ([]*model.HealthLogEntry, error) {
	if userID == "" {
		return nil, model.NewValidationError(msgUserIDRequired)
	}

	start := time.Now()
	entries, err := s.logs.ListRecentByUser(ctx, userID, ClampLimit(limit))
	s.observe(providerLogStore, "list_recent", start, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to retrieve health logs",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamError(msgRetrieveLogsFailed)
	}

	if entries == nil {
		entries = []*model.HealthLogEntry{}
	}
	return entries, nil
}

// FindHospitals は指定座標周辺の病院・診療所を返す。
func (s *Service) FindHospitals(ctx context.Context, req FindHospitalsRequest) ([]model.HospitalRecord, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, model.NewValidationError(msgCoordinatesRequired)
	}
	lat, lon := *req.Latitude, *req.Longitude

	s.logger.InfoContext(ctx, "hospital search request received",
		slog.Float64("latitude", lat),
		slog.Float64("longitude", lon),
		slog.Int("radius", s.searchRadius),
	)

	start := time.Now()
	hospitals, err := s.places.FindHealthcare(ctx, lat, lon, s.searchRadius)
	s.observe(providerOverpass, "find_hospitals", start, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "hospital search failed",
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamError(msgHospitalsFailed)
	}

	if hospitals == nil {
		hospitals = []model.HospitalRecord{}
	}
	return hospitals, nil
}

// ClampLimit はログ取得件数を許容範囲に丸める。
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return limit
	}
}

// BuildInsightsPrompt はログを "<ISO時刻> - <種別>: <値>" の行に整形し、分析指示と連結する。
func BuildInsightsPrompt(entries []*model.HealthLogEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.ISOTimestamp()+" - "+string(e.Type)+": "+e.Value)
	}
	return insightsPromptPrefix + strings.Join(lines, "\n")
}

// decodeImageData はbase64文字列をデコードする。
// ブラウザのFileReaderが付与する "data:<mime>;base64," 接頭辞は取り除く。
func decodeImageData(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, after, ok := strings.Cut(s, ";base64,"); ok {
			s = after
		}
	}
	s = strings.TrimSpace(s)

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	return data, nil
}

// errEmptyReply はモデルが空のテキストを返したことを表す。
var errEmptyReply = errors.New("empty reply from model")

// nonEmpty は空白のみの応答を失敗として扱う。
func nonEmpty(text string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errEmptyReply
	}
	return text, nil
}

// firstInvalidField は検証エラーのうち最初のフィールド名を返す。
func firstInvalidField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return ""
}

func (s *Service) observe(provider, operation string, start time.Time, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	s.metrics.RecordUpstream(provider, operation, outcome, time.Since(start))
}

// preview はログ出力用にテキストの先頭部分を返す。
func preview(s string) string {
	r := []rune(s)
	if len(r) <= messagePreviewRunes {
		return s
	}
	return string(r[:messagePreviewRunes]) + "..."
}
