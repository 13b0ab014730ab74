// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/ytletter/internal/auth"
	"github.com/hitoshi/ytletter/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookie名。
const SessionCookieName = "session_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey       = contextKey("user_id")
	sessionContextKey      = contextKey("auth_session")
	sessionTokenContextKey = contextKey("session_token")
)

// SessionResolver はセッショントークンの解決とTTL更新に必要なインターフェース。
// repository.CredentialRepositoryの部分集合として定義する。
type SessionResolver interface {
	ResolveUser(ctx context.Context, sessionToken string) (string, error)
	DeleteSession(ctx context.Context, sessionToken string) error
	Touch(ctx context.Context, userID, sessionToken string) error
}

// SessionGuardConfig はセッションCookieの設定。
type SessionGuardConfig struct {
	SessionTTL   time.Duration
	CookieSecure bool
	CookieDomain string
}

// SessionGuard はGoogle認証済みセッションを要求するミドルウェア。
//
// Cookieのセッショントークンをユーザーに解決し、認証済みセッションを
// リクエストコンテキストに注入する。未認証の場合は新しいトークンで
// Cookieを発行し直し、認可URLを含む401 JSONを返す。
// 認証済みリクエストではCookieと保存状態のTTLを更新する。
type SessionGuard struct {
	manager  *auth.Manager
	resolver SessionResolver
	config   SessionGuardConfig
	logger   *slog.Logger
}

// NewSessionGuard はSessionGuardを生成する。
func NewSessionGuard(manager *auth.Manager, resolver SessionResolver, config SessionGuardConfig, logger *slog.Logger) *SessionGuard {
	return &SessionGuard{
		manager:  manager,
		resolver: resolver,
		config:   config,
		logger:   logger,
	}
}

// Middleware は認証を要求するミドルウェアを返す。
func (g *SessionGuard) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := g.sessionToken(r)

			userID, err := g.resolver.ResolveUser(r.Context(), token)
			if err != nil {
				g.logger.Error("failed to resolve session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if userID == "" {
				g.WriteUnauthenticated(w)
				return
			}

			session, err := g.manager.SessionFor(r.Context(), userID)
			if err != nil {
				g.logger.Error("failed to load user session",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			g.SetSessionCookie(w, token)
			if err := g.resolver.Touch(r.Context(), userID, token); err != nil {
				g.logger.Error("failed to refresh state ttl",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, userIDContextKey, userID)
			ctx = context.WithValue(ctx, sessionContextKey, session)
			ctx = context.WithValue(ctx, sessionTokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionToken はCookieからトークンを読む。無ければ新規に生成する。
func (g *SessionGuard) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return uuid.NewString()
	}
	return cookie.Value
}

// WriteUnauthenticated は新しいトークンでCookieを発行し直し、
// そのトークンをstateとした認可URLを含む401 JSONを返す。
func (g *SessionGuard) WriteUnauthenticated(w http.ResponseWriter) {
	newToken := uuid.NewString()
	g.SetSessionCookie(w, newToken)

	session := g.manager.NewSession()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"authUrl":%q}`, session.AuthCodeURL(newToken))
}

// HandleAuthError は認証エラーであればセッションを破棄して401を返す。
// 処理した場合はtrueを返す。それ以外のエラーはfalseを返して呼び出し元に委ねる。
func (g *SessionGuard) HandleAuthError(w http.ResponseWriter, r *http.Request, err error) bool {
	if !errors.Is(err, model.ErrAuthentication) {
		return false
	}

	token, tokenErr := SessionTokenFromContext(r.Context())
	if tokenErr == nil {
		if delErr := g.resolver.DeleteSession(r.Context(), token); delErr != nil {
			g.logger.Error("failed to delete session",
				slog.String("error", delErr.Error()),
			)
		}
	}
	g.ExpireSessionCookie(w)
	g.WriteUnauthenticated(w)
	return true
}

// SetSessionCookie はセッショントークンのCookieを発行する。
func (g *SessionGuard) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   g.config.CookieDomain,
		MaxAge:   int(g.config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   g.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ExpireSessionCookie はセッショントークンのCookieを失効させる。
func (g *SessionGuard) ExpireSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   g.config.CookieDomain,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   g.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// SessionFromContext はリクエストコンテキストから認証済みセッションを取得する。
func SessionFromContext(ctx context.Context) (*auth.Session, error) {
	session, ok := ctx.Value(sessionContextKey).(*auth.Session)
	if !ok || session == nil {
		return nil, fmt.Errorf("auth session not found in context")
	}
	return session, nil
}

// SessionTokenFromContext はリクエストコンテキストからセッショントークンを取得する。
func SessionTokenFromContext(ctx context.Context) (string, error) {
	token, ok := ctx.Value(sessionTokenContextKey).(string)
	if !ok || token == "" {
		return "", fmt.Errorf("session token not found in context")
	}
	return token, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithSession はコンテキストに認証済みセッションを注入する。テスト用。
func ContextWithSession(ctx context.Context, session *auth.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// ContextWithSessionToken はコンテキストにセッショントークンを注入する。テスト用。
func ContextWithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionTokenContextKey, token)
}
