package auth

import (
	"context"
	"log/slog"

	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/report"
	"github.com/hitoshi/ytletter/internal/repository"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ManagerConfig はOAuthクライアントの設定。
type ManagerConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Manager はユーザーごとのSessionを構築するファクトリ。
// OAuth設定と依存コラボレータを保持する。
type Manager struct {
	conf     *oauth2.Config
	repo     repository.CredentialRepository
	client   GoogleClient
	reporter report.Reporter
	logger   *slog.Logger
}

// NewManager はManagerを生成する。
func NewManager(
	config ManagerConfig,
	repo repository.CredentialRepository,
	client GoogleClient,
	reporter report.Reporter,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		conf: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint:     google.Endpoint,
		},
		repo:     repo,
		client:   client,
		reporter: reporter,
		logger:   logger,
	}
}

// NewSession はユーザー未知のセッションを生成する。
// 認可コード交換フローや未ログインの401応答で使う。
func (m *Manager) NewSession() *Session {
	return newSession(m.conf, m.repo, m.client, m.reporter, m.logger, "", model.Credentials{})
}

// SessionFor は保存済み資格情報を読み込んでユーザーのセッションを生成する。
// 資格情報が無い場合でもセッションは返る（以後のAPI呼び出しは認証エラーになる）。
func (m *Manager) SessionFor(ctx context.Context, userID string) (*Session, error) {
	var creds model.Credentials
	if userID != "" {
		stored, err := m.repo.GetCredentials(ctx, userID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			creds = *stored
		}
	}
	return newSession(m.conf, m.repo, m.client, m.reporter, m.logger, userID, creds), nil
}
