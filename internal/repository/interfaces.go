// Package repository はキーバリューストア上のデータ永続化を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/ytletter/internal/model"
)

// PurgeOptions はPurgeで削除対象から除外するキーを指定する。
type PurgeOptions struct {
	// KeepSession がtrueの場合、セッション→ユーザーの対応を残す。
	KeepSession bool
	// KeepSubscriptions がtrueの場合、通知設定を残す。
	// 認証失敗からの回復時は設定を残したまま資格情報だけ破棄し、再同意を強制する。
	KeepSubscriptions bool
}

// CredentialRepository はOAuth資格情報・プロフィールキャッシュ・
// セッション対応の永続化インターフェース。
// ストアに到達できない場合、各操作はmodel.ErrStoreUnavailableをラップしたエラーを返す。
type CredentialRepository interface {
	// ResolveUser はセッショントークンからユーザーIDを解決する。
	// ヒット時はセッションTTLを更新する。見つからない場合は空文字列を返す。
	ResolveUser(ctx context.Context, sessionToken string) (string, error)

	// BindUser はセッショントークンをユーザーIDに対応付ける。
	BindUser(ctx context.Context, sessionToken, userID string) error

	// DeleteSession はセッション対応を削除する。ログアウトと認証失敗時に使う。
	DeleteSession(ctx context.Context, sessionToken string) error

	// GetCredentials はユーザーのOAuth資格情報を取得する。
	// ヒット時はTTLを更新する。見つからない場合はnilを返す。
	GetCredentials(ctx context.Context, userID string) (*model.Credentials, error)

	// PutCredentials はユーザーのOAuth資格情報を保存する。
	PutCredentials(ctx context.Context, userID string, creds model.Credentials) error

	// GetProfile はキャッシュ済みプロフィールを取得する。
	// ヒット時はTTLを更新する。見つからない場合はnilを返す。
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)

	// PutProfile はプロフィールをキャッシュする。資格情報より短いTTLを使う。
	PutProfile(ctx context.Context, userID string, profile model.UserProfile) error

	// Touch はユーザーとセッションに関連する全キーのTTLを更新する。
	// 認証済みリクエストのたびに呼び、アクティブなユーザーの状態を生かし続ける。
	Touch(ctx context.Context, userID, sessionToken string) error

	// Purge は資格情報・プロフィール（およびオプションに応じて通知設定・セッション）を削除する。
	// 複数キーの削除はトランザクションではない。部分削除は次回アクセス時に
	// キャッシュミスとして自己修復される。
	Purge(ctx context.Context, userID, sessionToken string, opts PurgeOptions) error
}

// SubscriptionUpdate はReplaceに渡す通知設定1件の入力。
// Serialがnilの場合は新規として採番される。
// カーソル（Etag、LastProcessedPublishDate）が空で、かつ同じserialの既存設定が
// 同じplaylist_idを持つ場合は既存のカーソルが引き継がれる。
type SubscriptionUpdate struct {
	Serial                   *int
	ToName                   string
	ToEmail                  string
	PlaylistID               string
	Etag                     string
	LastProcessedPublishDate time.Time
}

// SubscriptionRepository は通知設定の永続化インターフェース。
type SubscriptionRepository interface {
	// ListByUserID はユーザーの通知設定一覧を返す。未設定の場合はnilを返す。
	// ヒット時はTTLを更新する。旧形式（単一オブジェクト）のレコードは
	// 読み込み時に要素1のリストへ移行して書き戻す。
	ListByUserID(ctx context.Context, userID string) ([]model.MailSubscription, error)

	// Replace はユーザーの通知設定一覧を丸ごと置き換える。
	// serialの採番とカーソルの引き継ぎ・破棄の規則を適用し、保存後の一覧を返す。
	Replace(ctx context.Context, userID string, updates []SubscriptionUpdate) ([]model.MailSubscription, error)

	// ListUserIDs は通知設定を持つ全ユーザーIDを列挙する。
	// キー名前空間のプレフィックススキャンで導出する。
	ListUserIDs(ctx context.Context) ([]string, error)
}
