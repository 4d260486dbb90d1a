package handler

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/doctorplus/internal/metrics"
	"github.com/hitoshi/doctorplus/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Verifier           middleware.TokenVerifier // nilの場合はレガシーモード
	TrustedProxies     []netip.Prefix           // 空の場合は転送ヘッダーを信用しない
	AuthRequired       bool
	CORSAllowedOrigins []string
	GeneralLimiter     middleware.Limiter
	AILimiter          middleware.Limiter
	Metrics            metrics.MetricsCollector
	MaxBodyBytes       int64

	// サービス
	AIService        AIServiceInterface
	HealthLogService HealthLogServiceInterface
	LocationService  LocationServiceInterface

	// ヘルスチェック
	DB         Pinger
	ServerPort string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → ClientIP → Recovery → SecurityHeaders → Metrics → Logging → CORS → RequestSize
//	/api: Identity → RateLimit(general) → RateLimit(ai, AIルートのみ)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))
	if deps.MaxBodyBytes > 0 {
		r.Use(chimw.RequestSize(deps.MaxBodyBytes))
	}

	aiHandler := NewAIHandler(deps.AIService)
	logHandler := NewHealthLogHandler(deps.HealthLogService)
	locationHandler := NewLocationHandler(deps.LocationService)
	systemHandler := NewSystemHandler(deps.DB, deps.ServerPort)

	// --- 認証不要のルート ---
	r.Get("/", systemHandler.Root)
	r.Get("/health", systemHandler.Health)

	// --- /api ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.Verifier, deps.AuthRequired))
		if deps.GeneralLimiter != nil {
			r.Use(middleware.NewRateLimitMiddleware(deps.GeneralLimiter, "general"))
		}

		// 生成AIを呼び出すルートは専用のレート制限を追加
		r.Group(func(r chi.Router) {
			if deps.AILimiter != nil {
				r.Use(middleware.NewRateLimitMiddleware(deps.AILimiter, "ai"))
			}
			r.Post("/chat", aiHandler.Chat)
			r.Post("/analyze-image", aiHandler.AnalyzeImage)
			r.Post("/health-insights", aiHandler.HealthInsights)
		})

		r.Post("/health-log", logHandler.AddLog)
		r.Get("/health-log/{userId}", logHandler.GetLogs)
		r.Post("/hospitals", locationHandler.FindHospitals)
		r.Get("/me", systemHandler.Me)
	})

	return r
}
