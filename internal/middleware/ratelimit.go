package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/doctorplus/internal/model"
)

// Limiter はキーごとのリクエスト許可を判定する。
// 拒否した場合は再試行までの推定時間を返す。
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// NewRateLimitMiddleware は指定したLimiterでレート制限を行うミドルウェアを返す。
// キーは検証済みユーザーID、無ければクライアントIPとする（IdentityMiddlewareの後に配置）。
// tierはログおよびキーの区別に使用する。
func NewRateLimitMiddleware(limiter Limiter, tier string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)

			allowed, retryAfter, err := limiter.Allow(r.Context(), tier+":"+key)
			if err != nil {
				// 制限ストアの障害でサービス全体を止めない
				slog.Warn("rate limiter unavailable, allowing request",
					slog.String("limit_type", tier),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				writeRateLimitResponse(w, retryAfter)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", tier),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitKey はレート制限のキーを決定する。
func rateLimitKey(r *http.Request) string {
	if userID, err := UserIDFromContext(r.Context()); err == nil {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには秒単位（最低1秒）の推定待ち時間を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}

// --- インメモリ実装 ---

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter はプロセス内のトークンバケットでレート制限を行う。
// 単一インスタンス構成で使用する。
type MemoryLimiter struct {
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*keyLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter は1分あたりperMinute回を上限とするMemoryLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
// perMinuteが0以下の場合は制限しない。
func NewMemoryLimiter(perMinute int, cleanupInterval time.Duration) *MemoryLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	ml := &MemoryLimiter{
		limit:           rate.Inf,
		cleanupInterval: cleanupInterval,
		limiters:        make(map[string]*keyLimiter),
		stopCh:          make(chan struct{}),
	}
	if perMinute > 0 {
		ml.limit = rate.Limit(float64(perMinute) / 60.0)
		ml.burst = perMinute
	}

	go ml.cleanupLoop()

	return ml
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (ml *MemoryLimiter) Stop() {
	ml.stopOnce.Do(func() { close(ml.stopCh) })
}

// Allow はキーのトークンを1つ消費できるかを判定する。
func (ml *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	limiter := ml.getOrCreate(key)
	if limiter.Allow() {
		return true, 0, nil
	}
	// 1トークンが補充されるまでの時間
	return false, time.Duration(float64(time.Second) / float64(ml.limit)), nil
}

// Len は現在管理しているキーの数を返す。
func (ml *MemoryLimiter) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.limiters)
}

func (ml *MemoryLimiter) getOrCreate(key string) *rate.Limiter {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	if kl, ok := ml.limiters[key]; ok {
		kl.lastAccess = now
		return kl.limiter
	}

	limiter := rate.NewLimiter(ml.limit, ml.burst)
	ml.limiters[key] = &keyLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (ml *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(ml.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ml.cleanup(time.Now())
		case <-ml.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がcleanupIntervalの2倍を超えたエントリを削除する。
func (ml *MemoryLimiter) cleanup(now time.Time) {
	ttl := ml.cleanupInterval * 2

	ml.mu.Lock()
	defer ml.mu.Unlock()
	for key, kl := range ml.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(ml.limiters, key)
		}
	}
}

// --- Redis実装 ---

// Counter は有効期限付きカウンターの加算を行う。database.Redisが満たす。
type Counter interface {
	IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error)
}

// RedisLimiter はRedisの固定ウィンドウカウンターでレート制限を行う。
// 複数インスタンスで上限を共有する構成で使用する。
type RedisLimiter struct {
	counter   Counter
	perMinute int
	window    time.Duration
	now       func() time.Time
}

// NewRedisLimiter は1分あたりperMinute回を上限とするRedisLimiterを生成する。
func NewRedisLimiter(counter Counter, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		counter:   counter,
		perMinute: perMinute,
		window:    time.Minute,
		now:       time.Now,
	}
}

// Allow は現在のウィンドウのカウンターを加算し、上限以内かを判定する。
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if rl.perMinute <= 0 {
		return true, 0, nil
	}

	now := rl.now()
	windowStart := now.Truncate(rl.window)
	redisKey := fmt.Sprintf("doctorplus:ratelimit:%s:%d", key, windowStart.Unix())

	count, err := rl.counter.IncrWithExpire(ctx, redisKey, rl.window)
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if count > int64(rl.perMinute) {
		return false, windowStart.Add(rl.window).Sub(now), nil
	}
	return true, 0, nil
}

var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
