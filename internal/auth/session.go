package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/report"
	"github.com/hitoshi/ytletter/internal/repository"
	"golang.org/x/oauth2"
)

// tokenRefreshWaitTimeout はトークン更新待ちの上限。
// 更新イベントが来ない場合、待機者は永久に待たずこの時間で失敗する。
const tokenRefreshWaitTimeout = 2 * time.Second

// ErrTokenRefreshTimeout はトークン更新待ちがタイムアウトしたことを示す。
var ErrTokenRefreshTimeout = fmt.Errorf("timed out waiting for token refresh")

// Session は1ユーザー分のOAuthクライアントを包むセッション。
// 寿命は1リクエストまたはスケジューラの1ティック。永続化の正はCredentialRepository。
//
// トークン更新はAPI呼び出しの副作用として任意のタイミングで発生する。
// Sessionは待機者のキューを持ち、更新イベント1回ごとに、その時点で登録済みの
// 待機者全員を登録順にまとめて解決する。イベント後に登録した待機者は次の
// イベントを待つ。
type Session struct {
	conf     *oauth2.Config
	repo     repository.CredentialRepository
	client   GoogleClient
	reporter report.Reporter
	logger   *slog.Logger

	mu      sync.Mutex
	userID  string
	creds   model.Credentials
	waiters []chan error

	tsMu   sync.Mutex
	source *notifyingTokenSource
}

// newSession はSessionを生成する。userIDとcredsは未知であれば空でよい。
func newSession(
	conf *oauth2.Config,
	repo repository.CredentialRepository,
	client GoogleClient,
	reporter report.Reporter,
	logger *slog.Logger,
	userID string,
	creds model.Credentials,
) *Session {
	return &Session{
		conf:     conf,
		repo:     repo,
		client:   client,
		reporter: reporter,
		logger:   logger,
		userID:   userID,
		creds:    creds,
	}
}

// AuthCodeURL は認可URLを生成する。
// access_type=offlineとprompt=consentを常に付け、初回同意以外でも
// リフレッシュトークンが発行されるようにする（Google側の仕様対策）。
func (s *Session) AuthCodeURL(state string) string {
	return s.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCode は認可コードをトークンに交換する。
// 交換結果はトークン更新パイプラインを通して取り込まれ、更新シグナルの
// 完了を待ってから返る。交換自体の失敗は認証エラー。
func (s *Session) ExchangeCode(ctx context.Context, code string) error {
	tok, err := s.conf.Exchange(ctx, code)
	if err != nil {
		return model.NewAuthenticationError("code exchange failed: %v", err)
	}

	wait := s.registerWaiter()
	s.deliverTokens(ctx, credentialsFromToken(tok))
	return s.awaitWaiter(ctx, wait)
}

// WaitTokenRefresh は次のトークン更新イベントの完了を待つ。
// 2秒のハードタイムアウトを超えるとErrTokenRefreshTimeoutを返す。
func (s *Session) WaitTokenRefresh(ctx context.Context) error {
	return s.awaitWaiter(ctx, s.registerWaiter())
}

// registerWaiter は待機者をキューに登録し、結果チャネルを返す。
func (s *Session) registerWaiter() chan error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	return ch
}

// awaitWaiter は待機者の解決・タイムアウト・コンテキスト取消を競わせる。
func (s *Session) awaitWaiter(ctx context.Context, ch chan error) error {
	timer := time.NewTimer(tokenRefreshWaitTimeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return ErrTokenRefreshTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverTokens は受信したトークン一式を取り込む。
// 1. 待機者のバッチをスナップショットする（以後の登録は次イベント待ち）
// 2. 非ゼロフィールドのみマージする
// 3. マージ後にリフレッシュトークンが無ければ致命的認証エラー:
//    待機者全員を拒否し、外部のエラートラッキングへ報告する。保存はしない。
// 4. 有効ならトークンソースを差し替え、ユーザーIDを解決し、永続化してから
//    待機者全員を登録順に解決する。
func (s *Session) deliverTokens(ctx context.Context, incoming model.Credentials) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	merged := s.creds.Merge(incoming)

	if !merged.HasRefreshToken() {
		userID := s.userID
		s.mu.Unlock()

		err := model.NewAuthenticationError("refresh token is missing from token response")
		s.reporter.CaptureException(ctx, err, map[string]any{
			"user_id": userID,
		})
		resolveWaiters(waiters, err)
		return
	}

	s.creds = merged
	s.mu.Unlock()

	s.resetTokenSource(merged)

	if err := s.persistCredentials(ctx, merged); err != nil {
		s.logger.Error("failed to persist refreshed credentials",
			slog.String("error", err.Error()),
		)
		resolveWaiters(waiters, err)
		return
	}

	resolveWaiters(waiters, nil)
}

// persistCredentials はユーザーIDを解決した上で資格情報を保存する。
func (s *Session) persistCredentials(ctx context.Context, creds model.Credentials) error {
	userID, err := s.UserID(ctx)
	if err != nil {
		return err
	}
	return s.repo.PutCredentials(ctx, userID, creds)
}

// resolveWaiters は待機者を登録順に解決する。
func resolveWaiters(waiters []chan error, err error) {
	for _, ch := range waiters {
		ch <- err
	}
}

// Profile はユーザープロフィールを返す。
// ユーザーIDが既知でforceRefreshでなければキャッシュを優先する。
// キャッシュミス時はプロバイダーを呼び、id・検証済みメール・名前の
// いずれかが欠けていればErrProfileIncompleteを返す（リトライしない）。
func (s *Session) Profile(ctx context.Context, forceRefresh bool) (*model.UserProfile, error) {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	if userID != "" && !forceRefresh {
		cached, err := s.repo.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	info, err := s.client.Userinfo(ctx, s.TokenSource())
	if err != nil {
		return nil, err
	}

	profile, err := profileFromUserinfo(info)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.userID = profile.UserID
	s.mu.Unlock()

	if err := s.repo.PutProfile(ctx, profile.UserID, *profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// UserID はユーザーIDを返す。未知の場合はプロフィール取得で遅延解決する。
func (s *Session) UserID(ctx context.Context) (string, error) {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	if userID != "" {
		return userID, nil
	}

	profile, err := s.Profile(ctx, false)
	if err != nil {
		return "", err
	}
	return profile.UserID, nil
}

// GrantedScopes は現在のアクセストークンに許可されたスコープ一覧を返す。
func (s *Session) GrantedScopes(ctx context.Context) ([]string, error) {
	return s.client.TokeninfoScopes(ctx, s.TokenSource())
}

// TokenSource はこのセッションのトークンソースを返す。
// ソースはリフレッシュを検知すると更新パイプラインへトークンを渡す。
func (s *Session) TokenSource() oauth2.TokenSource {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	if s.source == nil {
		s.mu.Lock()
		creds := s.creds
		s.mu.Unlock()
		s.source = newNotifyingTokenSource(s.baseTokenSource(creds), creds.AccessToken, s.onTokenRefresh)
	}
	return s.source
}

// resetTokenSource はマージ済み資格情報でトークンソースを差し替える。
func (s *Session) resetTokenSource(creds model.Credentials) {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	if s.source == nil {
		s.source = newNotifyingTokenSource(s.baseTokenSource(creds), creds.AccessToken, s.onTokenRefresh)
		return
	}
	s.source.reset(s.baseTokenSource(creds), creds.AccessToken)
}

// baseTokenSource は資格情報から自動リフレッシュ付きのソースを作る。
func (s *Session) baseTokenSource(creds model.Credentials) oauth2.TokenSource {
	return s.conf.TokenSource(context.Background(), tokenFromCredentials(creds))
}

// onTokenRefresh はトークンソースが新しいトークンを観測した際に呼ばれる。
func (s *Session) onTokenRefresh(tok *oauth2.Token) {
	s.deliverTokens(context.Background(), credentialsFromToken(tok))
}

// profileFromUserinfo はUserinfoを検証してUserProfileへ変換する。
func profileFromUserinfo(info *Userinfo) (*model.UserProfile, error) {
	if info.ID == "" {
		return nil, model.NewProfileIncompleteError("cannot find a valid user id in profile")
	}
	if !info.VerifiedEmail || info.Email == "" {
		return nil, model.NewProfileIncompleteError("cannot find verified email in profile")
	}
	if info.Name == "" {
		return nil, model.NewProfileIncompleteError("cannot find name in profile")
	}

	return &model.UserProfile{
		UserID:  info.ID,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}

// credentialsFromToken はoauth2.Tokenをドメインの資格情報へ変換する。
func credentialsFromToken(tok *oauth2.Token) model.Credentials {
	return model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// tokenFromCredentials はドメインの資格情報をoauth2.Tokenへ変換する。
func tokenFromCredentials(creds model.Credentials) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
		Expiry:       creds.Expiry,
	}
}

// notifyingTokenSource はoauth2.TokenSourceを包み、基になるソースが
// 新しいアクセストークンを発行したことを検知してコールバックを呼ぶ。
// x/oauth2のリフレッシュはAPI呼び出しの内部で任意のゴルーチン上で起きるため、
// これが「帯域外のトークン更新イベント」の発生源になる。
type notifyingTokenSource struct {
	mu        sync.Mutex
	base      oauth2.TokenSource
	lastSeen  string
	onRefresh func(tok *oauth2.Token)
}

func newNotifyingTokenSource(base oauth2.TokenSource, lastSeen string, onRefresh func(tok *oauth2.Token)) *notifyingTokenSource {
	return &notifyingTokenSource{
		base:      base,
		lastSeen:  lastSeen,
		onRefresh: onRefresh,
	}
}

// Token はトークンを返す。アクセストークンの変化を観測したら、
// ロックの外でコールバックへ通知する。
func (n *notifyingTokenSource) Token() (*oauth2.Token, error) {
	n.mu.Lock()
	tok, err := n.base.Token()
	if err != nil {
		n.mu.Unlock()
		return nil, translateGoogleError(err)
	}

	refreshed := tok.AccessToken != n.lastSeen
	if refreshed {
		n.lastSeen = tok.AccessToken
	}
	n.mu.Unlock()

	if refreshed {
		n.onRefresh(tok)
	}
	return tok, nil
}

// reset は基になるソースと既知のアクセストークンを差し替える。
func (n *notifyingTokenSource) reset(base oauth2.TokenSource, lastSeen string) {
	n.mu.Lock()
	n.base = base
	n.lastSeen = lastSeen
	n.mu.Unlock()
}
