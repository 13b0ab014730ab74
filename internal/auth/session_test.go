package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/repository"
	"golang.org/x/oauth2"
)

// mockCredRepo はCredentialRepositoryのテストダブル。
// 関数フィールドが未設定の操作は何もしない。
type mockCredRepo struct {
	mu          sync.Mutex
	credentials map[string]model.Credentials
	profiles    map[string]model.UserProfile

	getProfileFunc func(ctx context.Context, userID string) (*model.UserProfile, error)
}

func newMockCredRepo() *mockCredRepo {
	return &mockCredRepo{
		credentials: make(map[string]model.Credentials),
		profiles:    make(map[string]model.UserProfile),
	}
}

func (m *mockCredRepo) ResolveUser(ctx context.Context, sessionToken string) (string, error) {
	return "", nil
}

func (m *mockCredRepo) BindUser(ctx context.Context, sessionToken, userID string) error {
	return nil
}

func (m *mockCredRepo) DeleteSession(ctx context.Context, sessionToken string) error {
	return nil
}

func (m *mockCredRepo) GetCredentials(ctx context.Context, userID string) (*model.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds, ok := m.credentials[userID]
	if !ok {
		return nil, nil
	}
	return &creds, nil
}

func (m *mockCredRepo) PutCredentials(ctx context.Context, userID string, creds model.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[userID] = creds
	return nil
}

func (m *mockCredRepo) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	if m.getProfileFunc != nil {
		return m.getProfileFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &profile, nil
}

func (m *mockCredRepo) PutProfile(ctx context.Context, userID string, profile model.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[userID] = profile
	return nil
}

func (m *mockCredRepo) Touch(ctx context.Context, userID, sessionToken string) error {
	return nil
}

func (m *mockCredRepo) Purge(ctx context.Context, userID, sessionToken string, opts repository.PurgeOptions) error {
	return nil
}

func (m *mockCredRepo) storedCredentials(userID string) (model.Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	creds, ok := m.credentials[userID]
	return creds, ok
}

// mockGoogleClient はGoogleClientのテストダブル。
type mockGoogleClient struct {
	userinfoFunc       func(ctx context.Context, ts oauth2.TokenSource) (*Userinfo, error)
	tokeninfoFunc      func(ctx context.Context, ts oauth2.TokenSource) ([]string, error)
	userinfoCallCount  int
	tokeninfoCallCount int
}

func (m *mockGoogleClient) Userinfo(ctx context.Context, ts oauth2.TokenSource) (*Userinfo, error) {
	m.userinfoCallCount++
	if m.userinfoFunc != nil {
		return m.userinfoFunc(ctx, ts)
	}
	return nil, errors.New("userinfo not configured")
}

func (m *mockGoogleClient) TokeninfoScopes(ctx context.Context, ts oauth2.TokenSource) ([]string, error) {
	m.tokeninfoCallCount++
	if m.tokeninfoFunc != nil {
		return m.tokeninfoFunc(ctx, ts)
	}
	return nil, errors.New("tokeninfo not configured")
}

// mockReporter は報告されたエラーを記録するReporter。
type mockReporter struct {
	mu       sync.Mutex
	captured []error
}

func (m *mockReporter) CaptureException(ctx context.Context, err error, extra map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = append(m.captured, err)
}

func (m *mockReporter) capturedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captured)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestSession(repo *mockCredRepo, client GoogleClient, reporter *mockReporter, userID string, creds model.Credentials) *Session {
	conf := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/api/google_oauth/on_redirect",
		Scopes:       []string{"openid"},
	}
	return newSession(conf, repo, client, reporter, discardLogger(), userID, creds)
}

func TestDeliverTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("登録済みの待機者全員が登録順に解決される", func(t *testing.T) {
		repo := newMockCredRepo()
		reporter := &mockReporter{}
		s := newTestSession(repo, &mockGoogleClient{}, reporter, "user-1", model.Credentials{
			AccessToken:  "old-access",
			RefreshToken: "refresh-1",
		})

		w1 := s.registerWaiter()
		w2 := s.registerWaiter()
		w3 := s.registerWaiter()

		s.deliverTokens(ctx, model.Credentials{AccessToken: "new-access"})

		for i, w := range []chan error{w1, w2, w3} {
			select {
			case err := <-w:
				if err != nil {
					t.Errorf("waiter %d got error: %v", i, err)
				}
			default:
				t.Fatalf("waiter %d not resolved", i)
			}
		}
	})

	t.Run("イベント後に登録した待機者は解決されない", func(t *testing.T) {
		repo := newMockCredRepo()
		s := newTestSession(repo, &mockGoogleClient{}, &mockReporter{}, "user-1", model.Credentials{
			RefreshToken: "refresh-1",
		})

		s.deliverTokens(ctx, model.Credentials{AccessToken: "new-access"})
		late := s.registerWaiter()

		select {
		case <-late:
			t.Fatal("late waiter should wait for the next event")
		default:
		}
	})

	t.Run("更新後の資格情報が永続化される", func(t *testing.T) {
		repo := newMockCredRepo()
		s := newTestSession(repo, &mockGoogleClient{}, &mockReporter{}, "user-1", model.Credentials{
			AccessToken:  "old-access",
			RefreshToken: "refresh-1",
		})

		s.deliverTokens(ctx, model.Credentials{AccessToken: "new-access"})

		stored, ok := repo.storedCredentials("user-1")
		if !ok {
			t.Fatal("credentials not persisted")
		}
		if stored.AccessToken != "new-access" {
			t.Errorf("AccessToken = %q, want new-access", stored.AccessToken)
		}
		// 空のrefresh_tokenで既存値が消えていない
		if stored.RefreshToken != "refresh-1" {
			t.Errorf("RefreshToken = %q, want refresh-1", stored.RefreshToken)
		}
	})

	t.Run("refresh_tokenが無ければ致命的認証エラーとして扱う", func(t *testing.T) {
		repo := newMockCredRepo()
		reporter := &mockReporter{}
		s := newTestSession(repo, &mockGoogleClient{}, reporter, "user-1", model.Credentials{})

		w := s.registerWaiter()
		s.deliverTokens(ctx, model.Credentials{AccessToken: "access-only"})

		select {
		case err := <-w:
			if !errors.Is(err, model.ErrAuthentication) {
				t.Errorf("waiter error = %v, want ErrAuthentication", err)
			}
		default:
			t.Fatal("waiter not resolved")
		}

		if reporter.capturedCount() != 1 {
			t.Errorf("captured = %d, want 1", reporter.capturedCount())
		}
		if _, ok := repo.storedCredentials("user-1"); ok {
			t.Error("credentials should not be persisted")
		}
	})
}

func TestAwaitWaiter(t *testing.T) {
	t.Run("コンテキスト取消で待機が打ち切られる", func(t *testing.T) {
		s := newTestSession(newMockCredRepo(), &mockGoogleClient{}, &mockReporter{}, "user-1", model.Credentials{})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := s.awaitWaiter(ctx, s.registerWaiter())
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want context.DeadlineExceeded", err)
		}
	})
}

func TestExchangeCode(t *testing.T) {
	t.Run("交換したトークンが取り込まれて永続化される", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "exchanged-access",
				"refresh_token": "exchanged-refresh",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		}))
		defer ts.Close()

		repo := newMockCredRepo()
		s := newTestSession(repo, &mockGoogleClient{}, &mockReporter{}, "user-1", model.Credentials{})
		s.conf.Endpoint = oauth2.Endpoint{TokenURL: ts.URL}

		if err := s.ExchangeCode(context.Background(), "auth-code"); err != nil {
			t.Fatalf("ExchangeCode failed: %v", err)
		}

		stored, ok := repo.storedCredentials("user-1")
		if !ok {
			t.Fatal("credentials not persisted")
		}
		if stored.AccessToken != "exchanged-access" || stored.RefreshToken != "exchanged-refresh" {
			t.Errorf("credentials = %+v", stored)
		}
	})

	t.Run("交換失敗は認証エラーになる", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		}))
		defer ts.Close()

		s := newTestSession(newMockCredRepo(), &mockGoogleClient{}, &mockReporter{}, "", model.Credentials{})
		s.conf.Endpoint = oauth2.Endpoint{TokenURL: ts.URL}

		err := s.ExchangeCode(context.Background(), "bad-code")
		if !errors.Is(err, model.ErrAuthentication) {
			t.Errorf("err = %v, want ErrAuthentication", err)
		}
	})
}

func TestProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("キャッシュ済みプロフィールを優先する", func(t *testing.T) {
		repo := newMockCredRepo()
		repo.profiles["user-1"] = model.UserProfile{
			UserID: "user-1",
			Email:  "hitoshi@example.com",
			Name:   "Hitoshi",
		}
		client := &mockGoogleClient{}
		s := newTestSession(repo, client, &mockReporter{}, "user-1", model.Credentials{})

		profile, err := s.Profile(ctx, false)
		if err != nil {
			t.Fatalf("Profile failed: %v", err)
		}
		if profile.Email != "hitoshi@example.com" {
			t.Errorf("Email = %q", profile.Email)
		}
		if client.userinfoCallCount != 0 {
			t.Errorf("userinfo called %d times, want 0", client.userinfoCallCount)
		}
	})

	t.Run("forceRefreshでキャッシュを無視してプロバイダーを呼ぶ", func(t *testing.T) {
		repo := newMockCredRepo()
		repo.profiles["user-1"] = model.UserProfile{UserID: "user-1", Email: "stale@example.com", Name: "Stale"}
		client := &mockGoogleClient{
			userinfoFunc: func(ctx context.Context, ts oauth2.TokenSource) (*Userinfo, error) {
				return &Userinfo{ID: "user-1", Email: "fresh@example.com", VerifiedEmail: true, Name: "Fresh"}, nil
			},
		}
		s := newTestSession(repo, client, &mockReporter{}, "user-1", model.Credentials{AccessToken: "a"})

		profile, err := s.Profile(ctx, true)
		if err != nil {
			t.Fatalf("Profile failed: %v", err)
		}
		if profile.Email != "fresh@example.com" {
			t.Errorf("Email = %q, want fresh@example.com", profile.Email)
		}
		if client.userinfoCallCount != 1 {
			t.Errorf("userinfo called %d times, want 1", client.userinfoCallCount)
		}
	})

	t.Run("キャッシュミス時は取得結果をキャッシュしてユーザーIDを解決する", func(t *testing.T) {
		repo := newMockCredRepo()
		client := &mockGoogleClient{
			userinfoFunc: func(ctx context.Context, ts oauth2.TokenSource) (*Userinfo, error) {
				return &Userinfo{ID: "user-1", Email: "hitoshi@example.com", VerifiedEmail: true, Name: "Hitoshi"}, nil
			},
		}
		s := newTestSession(repo, client, &mockReporter{}, "", model.Credentials{AccessToken: "a"})

		profile, err := s.Profile(ctx, false)
		if err != nil {
			t.Fatalf("Profile failed: %v", err)
		}
		if profile.UserID != "user-1" {
			t.Errorf("UserID = %q", profile.UserID)
		}
		if _, ok := repo.profiles["user-1"]; !ok {
			t.Error("profile not cached")
		}

		userID, err := s.UserID(ctx)
		if err != nil {
			t.Fatalf("UserID failed: %v", err)
		}
		if userID != "user-1" {
			t.Errorf("UserID = %q, want user-1", userID)
		}
	})

	t.Run("検証済みメールが無い場合はErrProfileIncomplete", func(t *testing.T) {
		client := &mockGoogleClient{
			userinfoFunc: func(ctx context.Context, ts oauth2.TokenSource) (*Userinfo, error) {
				return &Userinfo{ID: "user-1", Email: "hitoshi@example.com", VerifiedEmail: false, Name: "Hitoshi"}, nil
			},
		}
		s := newTestSession(newMockCredRepo(), client, &mockReporter{}, "", model.Credentials{AccessToken: "a"})

		_, err := s.Profile(ctx, false)
		if !errors.Is(err, model.ErrProfileIncomplete) {
			t.Errorf("err = %v, want ErrProfileIncomplete", err)
		}
	})
}

func TestNotifyingTokenSource(t *testing.T) {
	t.Run("アクセストークンの変化でコールバックが呼ばれる", func(t *testing.T) {
		base := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "token-b"})
		var notified []*oauth2.Token
		src := newNotifyingTokenSource(base, "token-a", func(tok *oauth2.Token) {
			notified = append(notified, tok)
		})

		tok, err := src.Token()
		if err != nil {
			t.Fatalf("Token failed: %v", err)
		}
		if tok.AccessToken != "token-b" {
			t.Errorf("AccessToken = %q", tok.AccessToken)
		}
		if len(notified) != 1 {
			t.Fatalf("notified %d times, want 1", len(notified))
		}

		// 同じトークンの再取得では通知されない
		if _, err := src.Token(); err != nil {
			t.Fatalf("Token failed: %v", err)
		}
		if len(notified) != 1 {
			t.Errorf("notified %d times after repeat, want 1", len(notified))
		}
	})
}

func TestManagerSessionFor(t *testing.T) {
	ctx := context.Background()
	repo := newMockCredRepo()
	repo.credentials["user-1"] = model.Credentials{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
	}

	m := NewManager(ManagerConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/api/google_oauth/on_redirect",
		Scopes:       []string{"openid"},
	}, repo, &mockGoogleClient{}, &mockReporter{}, discardLogger())

	s, err := m.SessionFor(ctx, "user-1")
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}
	if s.creds.AccessToken != "stored-access" {
		t.Errorf("AccessToken = %q, want stored-access", s.creds.AccessToken)
	}

	// 資格情報が無くてもセッションは生成される
	s2, err := m.SessionFor(ctx, "unknown-user")
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}
	if s2.creds.AccessToken != "" {
		t.Errorf("AccessToken = %q, want empty", s2.creds.AccessToken)
	}
}
