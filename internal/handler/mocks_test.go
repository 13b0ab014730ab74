package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/ytletter/internal/auth"
	"github.com/hitoshi/ytletter/internal/mail"
	"github.com/hitoshi/ytletter/internal/middleware"
	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/notify"
	"github.com/hitoshi/ytletter/internal/repository"
	"golang.org/x/oauth2"
)

// ハンドラーテスト共通のテストダブル。

type stubCredRepo struct {
	mu       sync.Mutex
	bound    map[string]string
	deleted  []string
	profiles map[string]model.UserProfile
}

func newStubCredRepo(userID string) *stubCredRepo {
	return &stubCredRepo{
		bound: make(map[string]string),
		profiles: map[string]model.UserProfile{
			userID: {UserID: userID, Email: "owner@example.com", Name: "Owner"},
		},
	}
}

func (s *stubCredRepo) ResolveUser(ctx context.Context, token string) (string, error) {
	return "", nil
}

func (s *stubCredRepo) BindUser(ctx context.Context, token, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound[token] = userID
	return nil
}

func (s *stubCredRepo) DeleteSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, token)
	return nil
}

func (s *stubCredRepo) GetCredentials(ctx context.Context, userID string) (*model.Credentials, error) {
	return &model.Credentials{AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (s *stubCredRepo) PutCredentials(ctx context.Context, userID string, creds model.Credentials) error {
	return nil
}

func (s *stubCredRepo) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *stubCredRepo) PutProfile(ctx context.Context, userID string, profile model.UserProfile) error {
	return nil
}

func (s *stubCredRepo) Touch(ctx context.Context, userID, token string) error { return nil }

func (s *stubCredRepo) Purge(ctx context.Context, userID, token string, opts repository.PurgeOptions) error {
	return nil
}

type stubGoogleClient struct{}

func (stubGoogleClient) Userinfo(ctx context.Context, ts oauth2.TokenSource) (*auth.Userinfo, error) {
	return nil, errors.New("userinfo not configured")
}

func (stubGoogleClient) TokeninfoScopes(ctx context.Context, ts oauth2.TokenSource) ([]string, error) {
	return nil, errors.New("tokeninfo not configured")
}

type nopReporter struct{}

func (nopReporter) CaptureException(ctx context.Context, err error, extra map[string]any) {}

type nopCollector struct{}

func (nopCollector) RecordSyncSuccess()                {}
func (nopCollector) RecordSyncFailure(reason string)   {}
func (nopCollector) RecordSyncLatency(d time.Duration) {}
func (nopCollector) RecordEmailSent()                  {}
func (nopCollector) RecordSchedulerTick()              {}
func (nopCollector) SetSubscribedUsers(n int)          {}
func (nopCollector) RecordHTTPStatus(code int)         {}

type mockSubRepo struct {
	mu   sync.Mutex
	subs map[string][]model.MailSubscription
}

func newMockSubRepo() *mockSubRepo {
	return &mockSubRepo{subs: make(map[string][]model.MailSubscription)}
}

func (m *mockSubRepo) ListByUserID(ctx context.Context, userID string) ([]model.MailSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[userID], nil
}

func (m *mockSubRepo) Replace(ctx context.Context, userID string, updates []repository.SubscriptionUpdate) ([]model.MailSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := make(map[int]model.MailSubscription)
	maxSerial := -1
	for _, s := range m.subs[userID] {
		old[s.Serial] = s
		if s.Serial > maxSerial {
			maxSerial = s.Serial
		}
	}

	subs := make([]model.MailSubscription, 0, len(updates))
	for _, u := range updates {
		var serial int
		if u.Serial != nil {
			serial = *u.Serial
			if serial > maxSerial {
				maxSerial = serial
			}
		} else {
			maxSerial++
			serial = maxSerial
		}
		subs = append(subs, model.MailSubscription{
			Serial:                   serial,
			ToName:                   u.ToName,
			ToEmail:                  u.ToEmail,
			PlaylistID:               u.PlaylistID,
			Etag:                     u.Etag,
			LastProcessedPublishDate: model.EpochMillis{Time: u.LastProcessedPublishDate},
		})
	}
	m.subs[userID] = subs
	return subs, nil
}

func (m *mockSubRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.subs {
		ids = append(ids, id)
	}
	return ids, nil
}

type mockSyncer struct {
	results map[string]syncResult
}

type syncResult struct {
	items []model.PlaylistItem
	etag  string
	err   error
}

func (m *mockSyncer) SyncSince(ctx context.Context, playlistID string, minDate time.Time, etag string) ([]model.PlaylistItem, string, error) {
	res, ok := m.results[playlistID]
	if !ok {
		return nil, "etag-empty", nil
	}
	return res.items, res.etag, res.err
}

type mockSender struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *mockSender) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(title, preview string, items []model.PlaylistItem) (string, error) {
	return fmt.Sprintf("<html>%s (%d items)</html>", title, len(items)), nil
}

type mockLister struct {
	playlists []model.Playlist
	etag      string
	err       error
}

func (m *mockLister) ListPlaylists(ctx context.Context, etag string) ([]model.Playlist, string, error) {
	return m.playlists, m.etag, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestManager(repo *stubCredRepo) *auth.Manager {
	return auth.NewManager(auth.ManagerConfig{
		ClientID:    "client-id",
		RedirectURL: "http://localhost:8080/api/google_oauth/on_redirect",
		Scopes:      []string{"openid"},
	}, repo, stubGoogleClient{}, nopReporter{}, testLogger())
}

func newTestGuard(repo *stubCredRepo) *middleware.SessionGuard {
	return middleware.NewSessionGuard(newTestManager(repo), repo, middleware.SessionGuardConfig{
		SessionTTL: time.Hour,
	}, testLogger())
}

func newTestSession(t *testing.T, repo *stubCredRepo, userID string) *auth.Session {
	t.Helper()
	session, err := newTestManager(repo).SessionFor(context.Background(), userID)
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}
	return session
}

func newTestDispatcher(subs *mockSubRepo, syncer *mockSyncer, sender *mockSender) *notify.Dispatcher {
	return notify.NewDispatcher(
		subs,
		fakeRenderer{},
		func(ctx context.Context, ts oauth2.TokenSource) (notify.PlaylistSyncer, error) { return syncer, nil },
		func(ctx context.Context, ts oauth2.TokenSource) (mail.Sender, error) { return sender, nil },
		nopCollector{},
		testLogger(),
	)
}
