// Package playlist はYouTubeプレイリストの増分同期を提供する。
// ページングとカーソル（etag + 最終処理時刻）のフィルタを担当する。
package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/ytletter/internal/model"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// pageSize は1ページあたりの取得件数。
const pageSize = 15

// Client はユーザーのトークンで動くYouTube APIクライアント。
type Client struct {
	svc    *youtube.Service
	logger *slog.Logger
}

// NewClient はトークンソースからClientを生成する。
// optsはテスト用のエンドポイント差し替えなどに使う。
func NewClient(ctx context.Context, ts oauth2.TokenSource, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build youtube service: %w", err)
	}
	return &Client{svc: svc, logger: logger}, nil
}

// ListPlaylists はユーザー所有のプレイリストを全ページ走査して返す。
// 最初のページのetagを新しいカーソルetagとして返す。
// 渡されたetagに変化がない場合（304）は空の一覧と同じetagを返す。
func (c *Client) ListPlaylists(ctx context.Context, etag string) ([]model.Playlist, string, error) {
	var (
		playlists []model.Playlist
		pageToken string
		newEtag   string
	)

	for {
		call := c.svc.Playlists.List([]string{"id", "snippet", "localizations", "contentDetails"}).
			Mine(true).
			MaxResults(pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		if etag != "" {
			call = call.IfNoneMatch(etag)
		}

		res, err := call.Do()
		if err != nil {
			if googleapi.IsNotModified(err) {
				return nil, etag, nil
			}
			return nil, "", c.translateError("playlists.list", err)
		}

		if newEtag == "" {
			newEtag = res.Etag
		}
		for _, p := range res.Items {
			playlists = append(playlists, model.Playlist{
				ID:          p.Id,
				Title:       p.Snippet.Title,
				Description: p.Snippet.Description,
				ItemCount:   itemCount(p),
			})
		}

		pageToken = res.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return playlists, newEtag, nil
}

// SyncSince はプレイリストの項目を全ページ走査し、minDateより厳密に新しい
// 項目だけを古い順に並べて返す。ページは新しい順で届くため最後に反転する。
// 最初のページのetagを新しいカーソルetagとして返す。
// 渡されたetagに変化がない場合（304）は空の一覧と同じetagを返す。
func (c *Client) SyncSince(ctx context.Context, playlistID string, minDate time.Time, etag string) ([]model.PlaylistItem, string, error) {
	var (
		items     []model.PlaylistItem
		pageToken string
		newEtag   string
	)

	for {
		call := c.svc.PlaylistItems.List([]string{"id", "snippet", "status", "contentDetails"}).
			PlaylistId(playlistID).
			MaxResults(pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		if etag != "" {
			call = call.IfNoneMatch(etag)
		}

		res, err := call.Do()
		if err != nil {
			if googleapi.IsNotModified(err) {
				return nil, etag, nil
			}
			return nil, "", c.translateError("playlistItems.list", err)
		}

		if newEtag == "" {
			newEtag = res.Etag
		}
		for _, entry := range res.Items {
			item, err := itemFromEntry(entry)
			if err != nil {
				c.logger.Warn("skipping playlist item with invalid publish date",
					slog.String("playlist_id", playlistID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if minDate.IsZero() || item.PublishedAt.After(minDate) {
				items = append(items, item)
			}
		}

		pageToken = res.NextPageToken
		if pageToken == "" {
			break
		}
	}

	// プロバイダーは新しい順で返すため、時系列（古い順）へ反転する
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, newEtag, nil
}

// translateError はYouTube APIのエラーをドメインエラーへ変換する。
// 401は認証エラーとして伝播し、呼び出し元で再同意フローに入る。
// 404はプレイリストの削除・非公開を意味する。その他はログに残してそのまま返す。
func (c *Client) translateError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return model.NewAuthenticationError("%s returned 401: %v", op, gerr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s: %v", model.ErrPlaylistNotFound, op, gerr.Message)
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return model.NewAuthenticationError("%s token retrieval failed: %v", op, rerr.ErrorCode)
	}

	c.logger.Error("unknown error from google api",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return err
}

// itemFromEntry はAPIレスポンスの1項目をドメインモデルへ変換する。
func itemFromEntry(entry *youtube.PlaylistItem) (model.PlaylistItem, error) {
	publishedAt, err := time.Parse(time.RFC3339, entry.Snippet.PublishedAt)
	if err != nil {
		return model.PlaylistItem{}, fmt.Errorf("invalid publishedAt %q: %w", entry.Snippet.PublishedAt, err)
	}

	return model.PlaylistItem{
		VideoID:      videoID(entry),
		Title:        entry.Snippet.Title,
		Description:  entry.Snippet.Description,
		ThumbnailURL: thumbnailURL(entry),
		PublishedAt:  publishedAt,
	}, nil
}

// videoID は項目の動画IDを返す。
func videoID(entry *youtube.PlaylistItem) string {
	if entry.ContentDetails != nil && entry.ContentDetails.VideoId != "" {
		return entry.ContentDetails.VideoId
	}
	if entry.Snippet.ResourceId != nil {
		return entry.Snippet.ResourceId.VideoId
	}
	return ""
}

// thumbnailURL は利用可能な最良のサムネイルURLを返す。
func thumbnailURL(entry *youtube.PlaylistItem) string {
	t := entry.Snippet.Thumbnails
	if t == nil {
		return ""
	}
	for _, candidate := range []*youtube.Thumbnail{t.High, t.Medium, t.Default} {
		if candidate != nil && candidate.Url != "" {
			return candidate.Url
		}
	}
	return ""
}

// itemCount はプレイリストの動画数を返す。
func itemCount(p *youtube.Playlist) int64 {
	if p.ContentDetails == nil {
		return 0
	}
	return p.ContentDetails.ItemCount
}
