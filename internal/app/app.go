package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/doctorplus/internal/auth"
	"github.com/hitoshi/doctorplus/internal/config"
	"github.com/hitoshi/doctorplus/internal/database"
	"github.com/hitoshi/doctorplus/internal/gemini"
	"github.com/hitoshi/doctorplus/internal/handler"
	"github.com/hitoshi/doctorplus/internal/logger"
	"github.com/hitoshi/doctorplus/internal/metrics"
	"github.com/hitoshi/doctorplus/internal/middleware"
	"github.com/hitoshi/doctorplus/internal/overpass"
	"github.com/hitoshi/doctorplus/internal/relay"
	"github.com/hitoshi/doctorplus/internal/repository"
	"github.com/hitoshi/doctorplus/internal/security"
)

const (
	shutdownTimeout = 30 * time.Second
	dbPingTimeout   = 5 * time.Second

	// writeTimeoutMargin は上流タイムアウトに加えて応答書き込みに許す猶予。
	writeTimeoutMargin = 15 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前でもログを出せるようにINFOで初期化する
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .env（存在する場合のみ）と環境変数から設定を読み込む
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort())
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("auth_required", cfg.AuthRequired()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 上流エンドポイントの検証と安全なHTTPクライアントの生成
	guard := security.NewEndpointGuard()
	if err := security.ValidateEndpoints(guard, map[string]string{
		"GEMINI_BASE_URL":    cfg.GeminiBaseURL,
		"OVERPASS_URL":       cfg.OverpassURL,
		"FIREBASE_CERTS_URL": cfg.FirebaseCertsURL,
	}); err != nil {
		return fmt.Errorf("invalid upstream endpoint: %w", err)
	}
	upstreamClient := guard.NewSafeClient(cfg.UpstreamTimeout)

	// 3. 上流クライアントの初期化
	generator, err := gemini.NewClient(ctx, gemini.Options{
		APIKey:          cfg.GeminiAPIKey,
		Model:           cfg.GeminiModel,
		BaseURL:         cfg.GeminiBaseURL,
		MaxOutputTokens: cfg.GeminiMaxOutputTokens,
		HTTPClient:      upstreamClient,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create gemini client: %w", err)
	}
	places := overpass.NewClient(upstreamClient, cfg.OverpassURL, slog.Default())

	// 4. 利用者識別
	var verifier middleware.TokenVerifier
	if cfg.AuthRequired() {
		verifier = auth.NewFirebaseVerifier(auth.FirebaseConfig{
			ProjectID:  cfg.FirebaseProjectID,
			CertsURL:   cfg.FirebaseCertsURL,
			HTTPClient: guard.NewSafeClient(10 * time.Second),
		})
	} else {
		slog.Warn("FIREBASE_PROJECT_ID is not set; trusting userId from request body (legacy mode)")
	}

	// 5. レート制限（匿名利用者はクライアントIPで識別する）
	trustedProxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	generalLimiter, aiLimiter, closeLimiters, err := newLimiters(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiters()

	// 6. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 7. サービスとルーターの構築
	logRepo := repository.NewPostgresHealthLogRepo(db)
	service := relay.NewService(generator, logRepo, places, collector, slog.Default(), cfg.HospitalSearchRadius)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		Verifier:           verifier,
		TrustedProxies:     trustedProxies,
		AuthRequired:       cfg.AuthRequired(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		GeneralLimiter:     generalLimiter,
		AILimiter:          aiLimiter,
		Metrics:            collector,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		AIService:          service,
		HealthLogService:   service,
		LocationService:    service,
		DB:                 db,
		ServerPort:         cfg.ServerPort,
	})

	// 8. HTTPサーバーの起動
	servers := []*http.Server{{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + writeTimeoutMargin,
		IdleTimeout:  60 * time.Second,
	}}
	if cfg.MetricsPort != "" {
		servers = append(servers, &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metrics.SetupMetricsRoute(registry),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	return serveUntilDone(ctx, servers)
}

// serveUntilDone は全サーバーを起動し、ctxのキャンセルまたはいずれかの起動失敗で全サーバーを停止する。
func serveUntilDone(ctx context.Context, servers []*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			slog.Info("http server starting", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down http servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}

	slog.Info("http servers stopped gracefully")
	return nil
}

// newLimiters は一般・AIの2段階のレート制限器を生成する。
// REDIS_URLが設定されている場合は複数インスタンスで共有できるRedis実装を使い、
// それ以外はプロセス内のトークンバケットを使う。
func newLimiters(ctx context.Context, cfg *config.Config) (general, ai middleware.Limiter, closeFn func(), err error) {
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("rate limiter backed by redis")
		closeFn = func() {
			if err := rdb.Close(); err != nil {
				slog.Warn("failed to close redis", slog.String("error", err.Error()))
			}
		}
		return middleware.NewRedisLimiter(rdb, cfg.RateLimitGeneral),
			middleware.NewRedisLimiter(rdb, cfg.RateLimitAI),
			closeFn, nil
	}

	generalMem := middleware.NewMemoryLimiter(cfg.RateLimitGeneral, 5*time.Minute)
	aiMem := middleware.NewMemoryLimiter(cfg.RateLimitAI, 5*time.Minute)
	closeFn = func() {
		generalMem.Stop()
		aiMem.Stop()
	}
	return generalMem, aiMem, closeFn, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration status unknown: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// healthcheckPort はサーバーと同じ優先順位（SERVER_PORT, PORT, 5000）で待受ポートを決める。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "5000"
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(endpoint string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はログ出力用に接続URLから認証情報とクエリを取り除く。
// URL形式として解釈できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("xxxxx")
	}
	// sslpassword等がクエリに含まれうる
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
