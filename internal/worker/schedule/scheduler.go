// Package schedule は定期的なプレイリスト同期タスクを駆動する。
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/ytletter/internal/metrics"
	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/notify"
	"github.com/hitoshi/ytletter/internal/report"
	"github.com/hitoshi/ytletter/internal/repository"
)

// Dispatcher は1ユーザー分の同期・通知処理のインターフェース。
type Dispatcher interface {
	DispatchUser(ctx context.Context, userID string, opts notify.Options) (map[int]model.EmailPreview, error)
}

// UserLister は通知設定を持つユーザーの列挙のインターフェース。
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// CredentialMaintainer はユーザーの保存状態のTTL更新と破棄のインターフェース。
type CredentialMaintainer interface {
	Touch(ctx context.Context, userID, sessionToken string) error
	Purge(ctx context.Context, userID, sessionToken string, opts repository.PurgeOptions) error
}

// Config はSchedulerの設定。
type Config struct {
	// Interval はティックの間隔。
	Interval time.Duration
	// LiveMode がtrueの場合のみ、カーソル更新とメール送信の副作用を有効にする。
	LiveMode bool
}

// Status はスケジューラの現在状態のスナップショット。
type Status struct {
	Started   bool `json:"isStarted"`
	TaskCount int  `json:"taskCount"`
	UserCount int  `json:"userCount"`
}

// Scheduler は自己再スケジュール型のバックグラウンドタスク。
//
// 最初のTriggerで起動し、以後は各ティックの末尾で次のティックを1つだけ
// 予約する。ティックの先頭で前回予約したタイマーを解除するため、
// 外部から何度Triggerされてもティックが並行実行されることはない。
// 予約済みタイマーが2つ以上見つかった場合は不変条件違反として報告する。
type Scheduler struct {
	config     Config
	users      UserLister
	creds      CredentialMaintainer
	dispatcher Dispatcher
	reporter   report.Reporter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger

	mu        sync.Mutex
	started   bool
	taskCount int
	userCount int
	timers    []*time.Timer
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(
	config Config,
	users UserLister,
	creds CredentialMaintainer,
	dispatcher Dispatcher,
	reporter report.Reporter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		config:     config,
		users:      users,
		creds:      creds,
		dispatcher: dispatcher,
		reporter:   reporter,
		metrics:    collector,
		logger:     logger,
	}
}

// Trigger はスケジューラを起動する。すでに起動済みの場合は何もしない。
// いずれの場合も現在のステータスを返す。
func (s *Scheduler) Trigger() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.logger.Info("launching scheduler")
		s.started = true
		go s.tick(context.Background())
	}
	return s.statusLocked()
}

// Status は現在のステータスのスナップショットを返す。
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	return Status{
		Started:   s.started,
		TaskCount: s.taskCount,
		UserCount: s.userCount,
	}
}

// Stop は予約済みのティックを解除する。シャットダウン時に呼ぶ。
// 実行中のティックは中断しない。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = nil
	s.started = false
}

// tick は1回分のタスクを実行し、末尾で次のティックを予約する。
func (s *Scheduler) tick(ctx context.Context) {
	taskCount := s.disarmAndCount()
	s.metrics.RecordSchedulerTick()

	userIDs, err := s.users.ListUserIDs(ctx)
	if err != nil {
		s.logger.Error("failed to enumerate users",
			slog.String("error", err.Error()),
		)
		s.reporter.CaptureException(ctx, err, nil)
		s.arm()
		return
	}

	s.mu.Lock()
	s.userCount = len(userIDs)
	s.mu.Unlock()
	s.metrics.SetSubscribedUsers(len(userIDs))

	s.logger.Info("scheduler starting task",
		slog.Int("task_count", taskCount),
		slog.Int("user_count", len(userIDs)),
	)

	for _, userID := range userIDs {
		s.processUser(ctx, userID)
	}

	s.arm()
}

// disarmAndCount は前回予約したタイマーを解除し、タスク番号を進めて返す。
// 予約が2つ以上残っていた場合は不変条件違反として報告する。
func (s *Scheduler) disarmAndCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.timers) > 1 {
		err := fmt.Errorf("found %d previously armed timers, expected at most 1", len(s.timers))
		s.reporter.CaptureException(context.Background(), err, nil)
	}
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = nil

	s.taskCount++
	return s.taskCount
}

// arm は次のティックを1つだけ予約する。
func (s *Scheduler) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.timers = append(s.timers, time.AfterFunc(s.config.Interval, func() {
		s.tick(context.Background())
	}))
}

// processUser は1ユーザー分の同期・通知を実行する。
// 成功時は保存状態のTTLを更新する。認証エラー時は資格情報を破棄して
// 再同意を強制する（セッションと通知設定は残す）。その他のエラーは
// 報告して次のユーザーへ進む。
func (s *Scheduler) processUser(ctx context.Context, userID string) {
	_, err := s.dispatcher.DispatchUser(ctx, userID, notify.Options{
		UpdateCursor: s.config.LiveMode,
		SendEmail:    s.config.LiveMode,
	})
	if err == nil {
		if err := s.creds.Touch(ctx, userID, ""); err != nil {
			s.logger.Error("failed to refresh user state ttl",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if errors.Is(err, model.ErrAuthentication) {
		s.logger.Warn("purging credentials after authentication failure",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		purgeErr := s.creds.Purge(ctx, userID, "", repository.PurgeOptions{
			KeepSession:       true,
			KeepSubscriptions: true,
		})
		if purgeErr != nil {
			s.reporter.CaptureException(ctx, purgeErr, map[string]any{"user_id": userID})
		}
		return
	}

	s.logger.Error("scheduled dispatch failed",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
	s.reporter.CaptureException(ctx, err, map[string]any{"user_id": userID})
}
