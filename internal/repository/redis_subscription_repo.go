package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hitoshi/ytletter/internal/model"
)

// RedisSubscriptionRepo はRedisを使用した通知設定リポジトリ。
type RedisSubscriptionRepo struct {
	client *redis.Client
	keys   keyBuilder
	ttl    time.Duration
}

// NewRedisSubscriptionRepo はRedisSubscriptionRepoを生成する。
// ttlには資格情報と同じ30日を渡す。
func NewRedisSubscriptionRepo(client *redis.Client, prefix string, ttl time.Duration) *RedisSubscriptionRepo {
	return &RedisSubscriptionRepo{
		client: client,
		keys:   keyBuilder{prefix: prefix},
		ttl:    ttl,
	}
}

// ListByUserID はユーザーの通知設定一覧を返す。未設定の場合はnilを返す。
// 単一オブジェクトで保存された旧形式のレコードは要素1のリストへ移行して書き戻す。
func (r *RedisSubscriptionRepo) ListByUserID(ctx context.Context, userID string) ([]model.MailSubscription, error) {
	key := r.keys.subscriptions(userID)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("list subscriptions", err)
	}

	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return nil, storeError("refresh subscriptions ttl", err)
	}

	subs, migrated, err := decodeSubscriptions([]byte(val))
	if err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}

	if migrated {
		if err := r.write(ctx, userID, subs); err != nil {
			return nil, err
		}
	}

	return subs, nil
}

// Replace はユーザーの通知設定一覧を丸ごと置き換える。
// serialの採番規則: 指定がなければ既存の最大serial+1から単調に割り当てる。
// カーソルの引き継ぎ規則: 入力にカーソルがなく、同じserialの既存設定が同じ
// playlist_idを持つ場合のみ既存カーソルを引き継ぐ。playlist_idが変わった設定は
// 概念的に新規であり、カーソルは破棄される。
func (r *RedisSubscriptionRepo) Replace(ctx context.Context, userID string, updates []SubscriptionUpdate) ([]model.MailSubscription, error) {
	old, err := r.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	oldBySerial := make(map[int]model.MailSubscription, len(old))
	maxSerial := -1
	for _, s := range old {
		oldBySerial[s.Serial] = s
		if s.Serial > maxSerial {
			maxSerial = s.Serial
		}
	}

	subs := make([]model.MailSubscription, 0, len(updates))
	for _, u := range updates {
		var serial int
		if u.Serial != nil {
			serial = *u.Serial
			if serial > maxSerial {
				maxSerial = serial
			}
		} else {
			maxSerial++
			serial = maxSerial
		}

		sub := model.MailSubscription{
			Serial:                   serial,
			ToName:                   u.ToName,
			ToEmail:                  u.ToEmail,
			PlaylistID:               u.PlaylistID,
			Etag:                     u.Etag,
			LastProcessedPublishDate: model.EpochMillis{Time: u.LastProcessedPublishDate},
		}

		if prev, ok := oldBySerial[serial]; ok && prev.PlaylistID == u.PlaylistID {
			if sub.Etag == "" {
				sub.Etag = prev.Etag
			}
			if sub.LastProcessedPublishDate.IsZero() {
				sub.LastProcessedPublishDate = prev.LastProcessedPublishDate
			}
		}

		subs = append(subs, sub)
	}

	if err := r.write(ctx, userID, subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// ListUserIDs は通知設定を持つ全ユーザーIDを列挙する。
// SCANによるプレフィックス走査でキーを集め、プレフィックスを剥がしてIDを得る。
func (r *RedisSubscriptionRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	var userIDs []string
	iter := r.client.Scan(ctx, 0, r.keys.subscriptionScanPattern(), 100).Iterator()
	for iter.Next(ctx) {
		if id := r.keys.userIDFromSubscriptionKey(iter.Val()); id != "" {
			userIDs = append(userIDs, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, storeError("scan user ids", err)
	}
	return userIDs, nil
}

// write は設定一覧をTTL付きで保存する。
func (r *RedisSubscriptionRepo) write(ctx context.Context, userID string, subs []model.MailSubscription) error {
	val, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("failed to encode subscriptions: %w", err)
	}
	if err := r.client.Set(ctx, r.keys.subscriptions(userID), val, r.ttl).Err(); err != nil {
		return storeError("write subscriptions", err)
	}
	return nil
}

// decodeSubscriptions はリスト形式または旧単一オブジェクト形式のJSONを解釈する。
// 旧形式の場合はserial 0の要素1リストへ移行し、migrated=trueを返す。
func decodeSubscriptions(data []byte) (subs []model.MailSubscription, migrated bool, err error) {
	if err = json.Unmarshal(data, &subs); err == nil {
		return subs, false, nil
	}

	var legacy model.MailSubscription
	if legacyErr := json.Unmarshal(data, &legacy); legacyErr != nil {
		return nil, false, err
	}
	legacy.Serial = 0
	return []model.MailSubscription{legacy}, true, nil
}

// compile-time interface check
var _ SubscriptionRepository = (*RedisSubscriptionRepo)(nil)
