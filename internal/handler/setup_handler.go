package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ytletter/internal/middleware"
	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/notify"
	"github.com/hitoshi/ytletter/internal/subscription"
	"golang.org/x/oauth2"
)

// maxSetupBodySize は設定保存リクエストボディの上限バイト数。
const maxSetupBodySize = 64 * 1024

// PlaylistLister はユーザー所有プレイリストの一覧取得のインターフェース。
type PlaylistLister interface {
	ListPlaylists(ctx context.Context, etag string) ([]model.Playlist, string, error)
}

// SubscriptionReader は通知設定一覧の読み取りのインターフェース。
type SubscriptionReader interface {
	ListByUserID(ctx context.Context, userID string) ([]model.MailSubscription, error)
}

// SetupHandler は通知設定の取得・保存のHTTPハンドラー。
type SetupHandler struct {
	service    *subscription.Service
	subs       SubscriptionReader
	dispatcher *notify.Dispatcher
	newLister  func(ctx context.Context, ts oauth2.TokenSource) (PlaylistLister, error)
	guard      *middleware.SessionGuard
	logger     *slog.Logger
}

// NewSetupHandler はSetupHandlerを生成する。
func NewSetupHandler(
	service *subscription.Service,
	subs SubscriptionReader,
	dispatcher *notify.Dispatcher,
	newLister func(ctx context.Context, ts oauth2.TokenSource) (PlaylistLister, error),
	guard *middleware.SessionGuard,
	logger *slog.Logger,
) *SetupHandler {
	return &SetupHandler{
		service:    service,
		subs:       subs,
		dispatcher: dispatcher,
		newLister:  newLister,
		guard:      guard,
		logger:     logger,
	}
}

// setupResponse はGET /api/playlists_setupのレスポンス。
type setupResponse struct {
	Etag          string                     `json:"etag"`
	Playlists     []model.Playlist           `json:"playlists"`
	Profile       *model.UserProfile         `json:"profile"`
	Settings      []model.MailSubscription   `json:"settings"`
	EmailPreviews map[int]model.EmailPreview `json:"emailPreviews"`
}

// setupUpdateResponse はPOST /api/playlists_setupのレスポンス。
type setupUpdateResponse struct {
	Status          string                     `json:"status"`
	UpdatedSettings []model.MailSubscription   `json:"updatedSettings"`
	EmailPreviews   map[int]model.EmailPreview `json:"emailPreviews"`
}

// Get は設定画面に必要な情報一式を返す。
// GET /api/playlists_setup
//
// プレイリスト一覧・プロフィール・現在の設定・メールプレビューを1回で返す。
// プレビューは副作用なし（カーソル更新もメール送信もしない）で合成する。
func (h *SetupHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	profile, err := session.Profile(r.Context(), false)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	settings, err := h.subs.ListByUserID(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if settings == nil {
		settings = []model.MailSubscription{}
	}

	previews, err := h.dispatcher.Run(r.Context(), session, notify.Options{})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	lister, err := h.newLister(r.Context(), session.TokenSource())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	playlists, etag, err := lister.ListPlaylists(r.Context(), "")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(setupResponse{
		Etag:          etag,
		Playlists:     playlists,
		Profile:       profile,
		Settings:      settings,
		EmailPreviews: previews,
	})
}

// Post は通知設定一覧を検証して丸ごと置き換える。
// POST /api/playlists_setup
//
// send_test_emailが指定されていた場合は保存後にテストメールを送信する
// （本番環境では拒否される）。カーソルは更新しない。
func (h *SetupHandler) Post(w http.ResponseWriter, r *http.Request) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSetupBodySize))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationFailedError("failed to read request body"))
		return
	}

	current, err := h.subs.ListByUserID(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	inputs, sendTestEmail, err := h.service.Validate(body, current)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if _, err := h.service.Apply(r.Context(), userID, inputs); err != nil {
		h.handleError(w, r, err)
		return
	}

	previews, err := h.dispatcher.Run(r.Context(), session, notify.Options{
		SendEmail: sendTestEmail,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	updated, err := h.subs.ListByUserID(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(setupUpdateResponse{
		Status:          "ok",
		UpdatedSettings: updated,
		EmailPreviews:   previews,
	})
}

// handleError は認証エラーをセッション破棄つき401へ、それ以外を共通処理へ振り分ける。
func (h *SetupHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.guard.HandleAuthError(w, r, err) {
		return
	}
	if errors.Is(err, model.ErrPlaylistNotFound) {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "PLAYLIST_NOT_FOUND",
			Message:  "プレイリストが見つかりません。削除または非公開になった可能性があります。",
			Category: "playlist",
			Action:   "設定を確認してください。",
		})
		return
	}
	handleServiceError(w, err)
}
