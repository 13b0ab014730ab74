// Package database はキーバリューストア（Redis）への接続管理を提供する。
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Open はRedis接続を開く。
// redisURLは redis://[user:password@]host:port[/db] 形式。
// 接続ハンドルはプロセス全体で1つを共有する。
func Open(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Ping は接続の疎通を確認する。
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Heartbeat はヘルスチェック用の死活書き込みを提供する。
type Heartbeat struct {
	client *redis.Client
}

// NewHeartbeat はHeartbeatを生成する。
func NewHeartbeat(client *redis.Client) *Heartbeat {
	return &Heartbeat{client: client}
}

// WriteHeartbeat は現在時刻のエポックミリ秒をheartbeatキーへ書き込んで返す。
func (h *Heartbeat) WriteHeartbeat(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	if err := h.client.Set(ctx, "heartbeat", now, 0).Err(); err != nil {
		return 0, fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return now, nil
}
