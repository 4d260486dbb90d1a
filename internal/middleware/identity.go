// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/doctorplus/internal/auth"
	"github.com/hitoshi/doctorplus/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに検証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// TokenVerifier はIDトークンの検証に必要なインターフェース。
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*model.User, error)
}

// NewIdentityMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 検証済みユーザーをリクエストコンテキストに注入するミドルウェアを返す。
//
// requiredがtrueの場合、トークンの無いリクエストには401を返す。
// falseの場合はトークンが無ければそのまま通過させる。
// verifierがnilの場合は検証を行わない（レガシーモード）。
func NewIdentityMiddleware(verifier TokenVerifier, required bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(header)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			user, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrKeysUnavailable) {
					slog.Error("failed to load token signing keys",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				slog.Warn("id token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			recordUserID(r.Context(), user.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// bearerToken は "Bearer <token>" 形式のヘッダーからトークンを取り出す。
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserFromContext はリクエストコンテキストから検証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil || user.ID == "" {
		return nil, false
	}
	return user, true
}

// UserIDFromContext はリクエストコンテキストから検証済みユーザーのIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("user not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストに検証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
