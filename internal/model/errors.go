package model

import (
	"errors"
	"fmt"
)

// センチネルエラー。errors.Isで分類する。
var (
	// ErrAuthentication はセッションまたは資格情報が無効・更新不能であることを示す。
	// 検出した側は再同意フローを強制する。
	ErrAuthentication = errors.New("authentication failed")

	// ErrProfileIncomplete はプロフィールに必須フィールド（id、検証済みメール、名前）が
	// 欠けていることを示す。リトライしても解消しない致命エラー。
	ErrProfileIncomplete = errors.New("user profile is incomplete")

	// ErrPlaylistNotFound は参照先プレイリストが削除または非公開になったことを示す。
	// 該当の通知設定は自動削除せず、stale扱いのまま残す。
	ErrPlaylistNotFound = errors.New("playlist not found")

	// ErrStoreUnavailable はキーバリューストアに到達できないことを示す。
	ErrStoreUnavailable = errors.New("key-value store unavailable")
)

// NewAuthenticationError は原因付きの認証エラーを生成する。
func NewAuthenticationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, args...))
}

// NewProfileIncompleteError は不完全プロフィールエラーを生成する。
func NewProfileIncompleteError(reason string) error {
	return fmt.Errorf("%w: %s", ErrProfileIncomplete, reason)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, playlist, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSessionMismatch    = "SESSION_MISMATCH"
	ErrCodeBrokenScope        = "BROKEN_SCOPE"
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeBadSerial          = "BAD_SERIAL"
	ErrCodeDuplicateSettings  = "DUPLICATE_SETTINGS"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeTestEmailForbidden = "TEST_EMAIL_FORBIDDEN"
)

// NewSessionMismatchError はCSRF検出（stateとセッショントークンの不一致）エラーを生成する。
func NewSessionMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionMismatch,
		Message:  "セッショントークンがstateと一致しません。",
		Category: "auth",
		Action:   "最初からやり直してください。",
	}
}

// NewBrokenScopeError は許可スコープ不足エラーを生成する。
func NewBrokenScopeError(scopes []string) *APIError {
	return &APIError{
		Code:     ErrCodeBrokenScope,
		Message:  fmt.Sprintf("必要な権限が許可されていません: %v", scopes),
		Category: "auth",
		Action:   "すべてのチェックボックスを有効にして再度許可してください。",
	}
}

// NewAuthFailedError は認可コード交換失敗エラーを生成する。
func NewAuthFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewBadSerialError は存在しないserialを指定した場合のエラーを生成する。
func NewBadSerialError(serial int) *APIError {
	return &APIError{
		Code:     ErrCodeBadSerial,
		Message:  fmt.Sprintf("不明なserialが指定されました: %d", serial),
		Category: "validation",
		Action:   "設定を読み込み直してから再度保存してください。",
	}
}

// NewDuplicateSettingsError は(宛先, プレイリスト)の重複エラーを生成する。
func NewDuplicateSettingsError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSettings,
		Message:  "同じ宛先と同じプレイリストの組み合わせが重複しています。",
		Category: "validation",
		Action:   "宛先またはプレイリストを変更してください。",
	}
}

// NewValidationFailedError はスキーマ検証失敗エラーを生成する。
func NewValidationFailedError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容が不正です: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewTestEmailForbiddenError は本番環境でのテスト送信エラーを生成する。
func NewTestEmailForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeTestEmailForbidden,
		Message:  "テストメール送信はこの環境では許可されていません。",
		Category: "validation",
		Action:   "send_test_emailを外して保存してください。",
	}
}
