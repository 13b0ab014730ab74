// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/ytletter/internal/auth"
	"github.com/hitoshi/ytletter/internal/middleware"
	"github.com/hitoshi/ytletter/internal/model"
)

// SessionBinder はOAuthコールバックが必要とするセッション永続化のインターフェース。
// repository.CredentialRepositoryの部分集合として定義する。
type SessionBinder interface {
	BindUser(ctx context.Context, sessionToken, userID string) error
	DeleteSession(ctx context.Context, sessionToken string) error
	Touch(ctx context.Context, userID, sessionToken string) error
}

// requiredScopeSuffixes は許可スコープに必須のサフィックス。
// openidは完全一致で確認する。
var requiredScopeSuffixes = []string{
	"gmail.send",
	"youtube.readonly",
	"email",
	"profile",
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	manager *auth.Manager
	binder  SessionBinder
	guard   *middleware.SessionGuard
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(manager *auth.Manager, binder SessionBinder, guard *middleware.SessionGuard, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		manager: manager,
		binder:  binder,
		guard:   guard,
		logger:  logger,
	}
}

// OnRedirect はGoogleの認可リダイレクトを処理する。
// GET /api/google_oauth/on_redirect?code=xxx&state=yyy
//
// stateは認可開始時に発行したセッショントークンそのもの。Cookieの
// トークンと一致しない場合はCSRFとして403を返す。コード交換の後、
// 許可スコープを検査し、セッションをユーザーに対応付けて/へ戻す。
func (h *AuthHandler) OnRedirect(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	clientToken := ""
	if err == nil {
		clientToken = cookie.Value
	}
	authedToken := r.URL.Query().Get("state")

	if clientToken == "" || authedToken == "" || clientToken != authedToken {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewSessionMismatchError())
		return
	}

	session := h.manager.NewSession()
	if err := session.ExchangeCode(r.Context(), r.URL.Query().Get("code")); err != nil {
		h.logger.Warn("oauth code exchange failed",
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewAuthFailedError(err.Error()))
		return
	}

	scopes, err := session.GrantedScopes(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !hasRequiredScopes(scopes) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewBrokenScopeError(scopes))
		return
	}

	userID, err := session.UserID(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.binder.BindUser(r.Context(), authedToken, userID); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.binder.Touch(r.Context(), userID, authedToken); err != nil {
		h.logger.Error("failed to refresh state ttl",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	h.guard.SetSessionCookie(w, authedToken)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout はセッション対応を削除してCookieを失効させる。
// POST /api/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.binder.DeleteSession(r.Context(), cookie.Value); err != nil {
			h.logger.Error("failed to delete session",
				slog.String("error", err.Error()),
			)
		}
	}

	h.guard.ExpireSessionCookie(w)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"message": "logout",
	})
}

// hasRequiredScopes は許可スコープが必須条件を満たすかを返す。
func hasRequiredScopes(scopes []string) bool {
	hasOpenID := false
	for _, scope := range scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return false
	}

	for _, suffix := range requiredScopeSuffixes {
		found := false
		for _, scope := range scopes {
			if strings.HasSuffix(scope, suffix) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
