package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/ytletter/internal/auth"
	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/repository"
	"golang.org/x/oauth2"
)

// mockResolver はSessionResolverのテストダブル。
type mockResolver struct {
	resolveFunc func(ctx context.Context, token string) (string, error)
	deleted     []string
	touched     []string
}

func (m *mockResolver) ResolveUser(ctx context.Context, token string) (string, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, token)
	}
	return "", nil
}

func (m *mockResolver) DeleteSession(ctx context.Context, token string) error {
	m.deleted = append(m.deleted, token)
	return nil
}

func (m *mockResolver) Touch(ctx context.Context, userID, token string) error {
	m.touched = append(m.touched, userID)
	return nil
}

// guardCredRepo はManagerに渡す最小限のCredentialRepository。
type guardCredRepo struct{}

func (guardCredRepo) ResolveUser(ctx context.Context, token string) (string, error) { return "", nil }
func (guardCredRepo) BindUser(ctx context.Context, token, userID string) error      { return nil }
func (guardCredRepo) DeleteSession(ctx context.Context, token string) error         { return nil }
func (guardCredRepo) GetCredentials(ctx context.Context, userID string) (*model.Credentials, error) {
	return &model.Credentials{AccessToken: "access", RefreshToken: "refresh"}, nil
}
func (guardCredRepo) PutCredentials(ctx context.Context, userID string, creds model.Credentials) error {
	return nil
}
func (guardCredRepo) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	return nil, nil
}
func (guardCredRepo) PutProfile(ctx context.Context, userID string, profile model.UserProfile) error {
	return nil
}
func (guardCredRepo) Touch(ctx context.Context, userID, token string) error { return nil }
func (guardCredRepo) Purge(ctx context.Context, userID, token string, opts repository.PurgeOptions) error {
	return nil
}

type guardGoogleClient struct{}

func (guardGoogleClient) Userinfo(ctx context.Context, ts oauth2.TokenSource) (*auth.Userinfo, error) {
	return nil, errors.New("not used")
}
func (guardGoogleClient) TokeninfoScopes(ctx context.Context, ts oauth2.TokenSource) ([]string, error) {
	return nil, errors.New("not used")
}

type guardReporter struct{}

func (guardReporter) CaptureException(ctx context.Context, err error, extra map[string]any) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestGuard(resolver *mockResolver) *SessionGuard {
	manager := auth.NewManager(auth.ManagerConfig{
		ClientID:    "client-id",
		RedirectURL: "http://localhost:8080/api/google_oauth/on_redirect",
		Scopes:      []string{"openid"},
	}, guardCredRepo{}, guardGoogleClient{}, guardReporter{}, testLogger())

	return NewSessionGuard(manager, resolver, SessionGuardConfig{
		SessionTTL:   time.Hour,
		CookieSecure: false,
	}, testLogger())
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestSessionGuardMiddleware(t *testing.T) {
	t.Run("未認証のリクエストには認可URL付きの401を返す", func(t *testing.T) {
		guard := newTestGuard(&mockResolver{})
		handler := guard.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be reached")
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/playlists_setup", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}

		var body struct {
			AuthURL string `json:"authUrl"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body.AuthURL == "" {
			t.Fatal("authUrl missing from 401 body")
		}

		// 新しいトークンのCookieが発行され、そのトークンがstateになっている
		cookie := sessionCookie(t, rec)
		if cookie.Value == "" {
			t.Fatal("new session token not issued")
		}
		if !strings.Contains(body.AuthURL, "state="+cookie.Value) {
			t.Errorf("authUrl should carry the new token as state: %s", body.AuthURL)
		}
		if !strings.Contains(body.AuthURL, "access_type=offline") {
			t.Errorf("authUrl should request offline access: %s", body.AuthURL)
		}
		if !cookie.HttpOnly {
			t.Error("session cookie should be httpOnly")
		}
		if cookie.Path != "/" {
			t.Errorf("cookie path = %q, want /", cookie.Path)
		}
	})

	t.Run("認証済みリクエストはコンテキストに情報を注入して通す", func(t *testing.T) {
		resolver := &mockResolver{
			resolveFunc: func(ctx context.Context, token string) (string, error) {
				if token != "valid-token" {
					return "", nil
				}
				return "user-1", nil
			},
		}
		guard := newTestGuard(resolver)

		var gotUserID, gotToken string
		var gotSession *auth.Session
		handler := guard.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUserID, _ = UserIDFromContext(r.Context())
			gotToken, _ = SessionTokenFromContext(r.Context())
			gotSession, _ = SessionFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/playlists_setup", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-token"})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if gotUserID != "user-1" {
			t.Errorf("userID = %q, want user-1", gotUserID)
		}
		if gotToken != "valid-token" {
			t.Errorf("token = %q, want valid-token", gotToken)
		}
		if gotSession == nil {
			t.Error("session missing from context")
		}

		// CookieのTTLが更新され、保存状態もTouchされる
		cookie := sessionCookie(t, rec)
		if cookie.Value != "valid-token" {
			t.Errorf("cookie value = %q, want valid-token", cookie.Value)
		}
		if len(resolver.touched) != 1 || resolver.touched[0] != "user-1" {
			t.Errorf("touched = %v, want [user-1]", resolver.touched)
		}
	})

	t.Run("セッション解決の失敗は500になる", func(t *testing.T) {
		resolver := &mockResolver{
			resolveFunc: func(ctx context.Context, token string) (string, error) {
				return "", errors.New("store down")
			},
		}
		guard := newTestGuard(resolver)
		handler := guard.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be reached")
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/playlists_setup", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

func TestHandleAuthError(t *testing.T) {
	t.Run("認証エラーはセッションを破棄して401を返す", func(t *testing.T) {
		resolver := &mockResolver{}
		guard := newTestGuard(resolver)

		req := httptest.NewRequest(http.MethodGet, "/api/playlists_setup", nil)
		req = req.WithContext(ContextWithSessionToken(req.Context(), "doomed-token"))
		rec := httptest.NewRecorder()

		handled := guard.HandleAuthError(rec, req, model.NewAuthenticationError("expired"))
		if !handled {
			t.Fatal("auth error should be handled")
		}
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if len(resolver.deleted) != 1 || resolver.deleted[0] != "doomed-token" {
			t.Errorf("deleted = %v, want [doomed-token]", resolver.deleted)
		}
	})

	t.Run("認証エラー以外は処理しない", func(t *testing.T) {
		guard := newTestGuard(&mockResolver{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if guard.HandleAuthError(rec, req, errors.New("some other error")) {
			t.Error("non-auth errors should not be handled")
		}
	})
}
