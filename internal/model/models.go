// Package model はドメインモデルを定義する。
package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Credentials はGoogle OAuth2のトークン一式を表す。
// リフレッシュトークンは初回同意時にしか発行されないため、
// 一度取得したrefresh_tokenを空の値で上書きしてはならない。
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Merge はotherの非ゼロフィールドのみでレシーバを上書きした結果を返す。
// 空のrefresh_tokenで既存の値を消さないためのマージ規則。
func (c Credentials) Merge(other Credentials) Credentials {
	merged := c
	if other.AccessToken != "" {
		merged.AccessToken = other.AccessToken
	}
	if other.RefreshToken != "" {
		merged.RefreshToken = other.RefreshToken
	}
	if other.TokenType != "" {
		merged.TokenType = other.TokenType
	}
	if !other.Expiry.IsZero() {
		merged.Expiry = other.Expiry
	}
	if len(other.Scopes) > 0 {
		merged.Scopes = other.Scopes
	}
	return merged
}

// HasRefreshToken はリフレッシュトークンを保持しているかを返す。
func (c Credentials) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// UserProfile はGoogleのプロフィールエンドポイントから得たユーザー情報。
// 検証済みメールアドレスと表示名を必須とする。
type UserProfile struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

// EpochMillis はエポックミリ秒としてJSONに永続化される時刻。
// 旧レコードにはRFC3339文字列で保存されたものが混在するため、
// 読み込み時は数値と文字列の両方を受け付ける。
type EpochMillis struct {
	time.Time
}

// MarshalJSON はエポックミリ秒の数値として出力する。
func (m EpochMillis) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(m.UnixMilli(), 10)), nil
}

// UnmarshalJSON はエポックミリ秒またはRFC3339文字列を解釈する。
func (m *EpochMillis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		m.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		m.Time = t
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	m.Time = time.UnixMilli(ms)
	return nil
}

// MailSubscription は1ユーザーの通知設定1件を表す。
// Serialはユーザー内で一意な単調増加の整数で、編集をまたいで設定を識別する。
// EtagとLastProcessedPublishDateが同期カーソルを構成する。
type MailSubscription struct {
	Serial                   int         `json:"serial"`
	ToName                   string      `json:"to_name"`
	ToEmail                  string      `json:"to_email"`
	PlaylistID               string      `json:"playlist_id"`
	Etag                     string      `json:"etag,omitempty"`
	LastProcessedPublishDate EpochMillis `json:"lastProcessedPublishDate,omitempty"`
}

// HasCursor は同期カーソルを保持しているかを返す。
func (s MailSubscription) HasCursor() bool {
	return s.Etag != "" || !s.LastProcessedPublishDate.IsZero()
}

// Playlist はユーザーが所有するYouTubeプレイリストの概要。
type Playlist struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ItemCount   int64  `json:"itemCount"`
}

// PlaylistItem はプレイリスト内の1動画を表す。
type PlaylistItem struct {
	VideoID      string    `json:"videoId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	PublishedAt  time.Time `json:"publishedAt"`
}

// EmailPreview は1通知設定に対して合成されたメール。
// 永続化されず、プレビュー表示と送信の両方に使われる。
type EmailPreview struct {
	Subject   string `json:"subject"`
	Content   string `json:"content"`
	FromName  string `json:"fromName"`
	FromEmail string `json:"fromEmail"`
	ToName    string `json:"toName"`
	ToEmail   string `json:"toEmail"`
}
