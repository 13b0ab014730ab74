// Package notify はプレイリスト更新の検出からメール送信までの一連の処理を担う。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/ytletter/internal/auth"
	"github.com/hitoshi/ytletter/internal/mail"
	"github.com/hitoshi/ytletter/internal/metrics"
	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/repository"
	"golang.org/x/oauth2"
)

// SessionSource はユーザーIDから認証済みセッションを構築する。
type SessionSource interface {
	SessionFor(ctx context.Context, userID string) (*auth.Session, error)
}

// subjectHardLimit は件名の最大文字数。超過分は「...」で切り詰める。
const subjectHardLimit = 128

// PlaylistSyncer はプレイリストの増分取得のインターフェース。
type PlaylistSyncer interface {
	SyncSince(ctx context.Context, playlistID string, minDate time.Time, etag string) ([]model.PlaylistItem, string, error)
}

// Options はDispatcher.Runの動作を制御する。
// プレビュー表示ではどちらもfalseにして副作用を止める。
type Options struct {
	// UpdateCursor がtrueの場合、同期カーソルを書き戻す。
	UpdateCursor bool
	// SendEmail がtrueの場合、実際にメールを送信する。
	SendEmail bool
}

// Dispatcher は1ユーザーの全通知設定を順に処理し、
// 新着動画があった設定ごとにメールを合成する。
type Dispatcher struct {
	subs      repository.SubscriptionRepository
	renderer  mail.Renderer
	newSyncer func(ctx context.Context, ts oauth2.TokenSource) (PlaylistSyncer, error)
	newSender func(ctx context.Context, ts oauth2.TokenSource) (mail.Sender, error)
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
// newSyncerとnewSenderはユーザーのトークンソースからAPIクライアントを
// 組み立てるファクトリで、テストではモックに差し替える。
func NewDispatcher(
	subs repository.SubscriptionRepository,
	renderer mail.Renderer,
	newSyncer func(ctx context.Context, ts oauth2.TokenSource) (PlaylistSyncer, error),
	newSender func(ctx context.Context, ts oauth2.TokenSource) (mail.Sender, error),
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		subs:      subs,
		renderer:  renderer,
		newSyncer: newSyncer,
		newSender: newSender,
		metrics:   collector,
		logger:    logger,
	}
}

// Run はユーザーの全通知設定を保存順に同期し、合成したメールを
// serialをキーとして返す。新着が無い設定はスキップされ、カーソルも変更されない。
// 同期エラー（認証失敗・プレイリスト消失を含む）は即座に処理全体を中断する。
// 送信が全て成功した後にのみカーソルを書き戻す。
func (d *Dispatcher) Run(ctx context.Context, session *auth.Session, opts Options) (map[int]model.EmailPreview, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := session.Profile(ctx, false)
	if err != nil {
		return nil, err
	}

	subscriptions, err := d.subs.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	emails := map[int]model.EmailPreview{}
	if len(subscriptions) == 0 {
		return emails, nil
	}

	syncer, err := d.newSyncer(ctx, session.TokenSource())
	if err != nil {
		return nil, err
	}

	started := time.Now()
	defer func() {
		d.metrics.RecordSyncLatency(time.Since(started))
	}()

	updated := map[int]model.MailSubscription{}
	for _, sub := range subscriptions {
		items, newEtag, err := syncer.SyncSince(ctx, sub.PlaylistID, sub.LastProcessedPublishDate.Time, sub.Etag)
		if err != nil {
			d.metrics.RecordSyncFailure(failureReason(err))
			return nil, err
		}
		d.metrics.RecordSyncSuccess()

		d.logger.Debug("synced playlist",
			slog.String("user_id", userID),
			slog.Int("serial", sub.Serial),
			slog.Int("new_items", len(items)),
		)

		if len(items) == 0 {
			continue
		}

		next := sub
		next.Etag = newEtag
		next.LastProcessedPublishDate = model.EpochMillis{Time: maxPublishDate(items)}
		updated[sub.Serial] = next

		preview := previewText(items)
		subject := safeSubject(preview)
		content, err := d.renderer.Render(subject, preview, items)
		if err != nil {
			return nil, err
		}

		emails[sub.Serial] = model.EmailPreview{
			Subject:   subject,
			Content:   content,
			FromName:  profile.Name,
			FromEmail: profile.Email,
			ToName:    sub.ToName,
			ToEmail:   sub.ToEmail,
		}
	}

	if opts.SendEmail && len(emails) > 0 {
		if err := d.sendAll(ctx, session, emails); err != nil {
			return nil, err
		}
	}

	if opts.UpdateCursor && len(updated) > 0 {
		if err := d.writeCursors(ctx, userID, subscriptions, updated); err != nil {
			return nil, err
		}
	}

	return emails, nil
}

// sendAll は合成済みメールをserialの昇順で1通ずつ送信する。
func (d *Dispatcher) sendAll(ctx context.Context, session *auth.Session, emails map[int]model.EmailPreview) error {
	sender, err := d.newSender(ctx, session.TokenSource())
	if err != nil {
		return err
	}

	serials := make([]int, 0, len(emails))
	for serial := range emails {
		serials = append(serials, serial)
	}
	sort.Ints(serials)

	for _, serial := range serials {
		email := emails[serial]
		err := sender.Send(ctx, mail.Message{
			FromName:    email.FromName,
			FromEmail:   email.FromEmail,
			ToName:      email.ToName,
			ToEmail:     email.ToEmail,
			Subject:     email.Subject,
			HTMLContent: email.Content,
		})
		if err != nil {
			return err
		}
		d.metrics.RecordEmailSent()
	}
	return nil
}

// failureReason は同期失敗の原因をメトリクスのラベル値に分類する。
func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrAuthentication):
		return "authentication"
	case errors.Is(err, model.ErrPlaylistNotFound):
		return "playlist_not_found"
	default:
		return "other"
	}
}

// writeCursors は更新のあった設定だけカーソルを差し替えて一覧を書き戻す。
func (d *Dispatcher) writeCursors(
	ctx context.Context,
	userID string,
	subscriptions []model.MailSubscription,
	updated map[int]model.MailSubscription,
) error {
	updates := make([]repository.SubscriptionUpdate, 0, len(subscriptions))
	for _, sub := range subscriptions {
		if next, ok := updated[sub.Serial]; ok {
			sub = next
		}
		serial := sub.Serial
		updates = append(updates, repository.SubscriptionUpdate{
			Serial:                   &serial,
			ToName:                   sub.ToName,
			ToEmail:                  sub.ToEmail,
			PlaylistID:               sub.PlaylistID,
			Etag:                     sub.Etag,
			LastProcessedPublishDate: sub.LastProcessedPublishDate.Time,
		})
	}

	if _, err := d.subs.Replace(ctx, userID, updates); err != nil {
		return err
	}
	return nil
}

// previewText は件名と本文プレビューに使う要約文を組み立てる。
func previewText(items []model.PlaylistItem) string {
	titles := make([]string, 0, len(items))
	for _, item := range items {
		titles = append(titles, item.Title)
	}

	prefix := "Shared a video to you! "
	if len(items) > 1 {
		prefix = fmt.Sprintf("Shared %d videos to you! ", len(items))
	}
	return prefix + strings.Join(titles, "; ")
}

// safeSubject は件名を128文字に切り詰める。超過時は末尾を「...」にする。
func safeSubject(subject string) string {
	runes := []rune(subject)
	if len(runes) <= subjectHardLimit {
		return subject
	}
	return string(runes[:subjectHardLimit-3]) + "..."
}

// UserRunner はユーザーIDだけを受け取ってディスパッチを実行するアダプタ。
// スケジューラのようにセッションを持たない呼び出し元が使う。
type UserRunner struct {
	sessions   SessionSource
	dispatcher *Dispatcher
}

// NewUserRunner はUserRunnerを生成する。
func NewUserRunner(sessions SessionSource, dispatcher *Dispatcher) *UserRunner {
	return &UserRunner{sessions: sessions, dispatcher: dispatcher}
}

// DispatchUser は保存済み資格情報からセッションを組み立ててRunを実行する。
func (u *UserRunner) DispatchUser(ctx context.Context, userID string, opts Options) (map[int]model.EmailPreview, error) {
	session, err := u.sessions.SessionFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.dispatcher.Run(ctx, session, opts)
}

// maxPublishDate は項目の中で最も新しい公開時刻を返す。
func maxPublishDate(items []model.PlaylistItem) time.Time {
	var max time.Time
	for _, item := range items {
		if item.PublishedAt.After(max) {
			max = item.PublishedAt
		}
	}
	return max
}
