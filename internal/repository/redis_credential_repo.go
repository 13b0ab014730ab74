package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hitoshi/ytletter/internal/model"
)

// RedisCredentialRepoConfig はTTLの設定。
type RedisCredentialRepoConfig struct {
	SessionTTL     time.Duration
	CredentialsTTL time.Duration
	ProfileTTL     time.Duration
}

// RedisCredentialRepo はRedisを使用した資格情報リポジトリ。
// 値の更新は常にTTL付きのキー全体置き換えで行い、部分更新はしない。
type RedisCredentialRepo struct {
	client *redis.Client
	keys   keyBuilder
	config RedisCredentialRepoConfig
}

// NewRedisCredentialRepo はRedisCredentialRepoを生成する。
func NewRedisCredentialRepo(client *redis.Client, prefix string, config RedisCredentialRepoConfig) *RedisCredentialRepo {
	return &RedisCredentialRepo{
		client: client,
		keys:   keyBuilder{prefix: prefix},
		config: config,
	}
}

// ResolveUser はセッショントークンからユーザーIDを解決する。
// ヒット時はセッションTTLを更新する。見つからない場合は空文字列を返す。
func (r *RedisCredentialRepo) ResolveUser(ctx context.Context, sessionToken string) (string, error) {
	key := r.keys.session(sessionToken)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", storeError("resolve user", err)
	}

	if err := r.client.Expire(ctx, key, r.config.SessionTTL).Err(); err != nil {
		return "", storeError("refresh session ttl", err)
	}

	var userID string
	if err := json.Unmarshal([]byte(val), &userID); err != nil {
		return "", fmt.Errorf("failed to decode session value: %w", err)
	}
	return userID, nil
}

// BindUser はセッショントークンをユーザーIDに対応付ける。
func (r *RedisCredentialRepo) BindUser(ctx context.Context, sessionToken, userID string) error {
	val, err := json.Marshal(userID)
	if err != nil {
		return fmt.Errorf("failed to encode user id: %w", err)
	}
	if err := r.client.Set(ctx, r.keys.session(sessionToken), val, r.config.SessionTTL).Err(); err != nil {
		return storeError("bind user", err)
	}
	return nil
}

// DeleteSession はセッション対応を削除する。
func (r *RedisCredentialRepo) DeleteSession(ctx context.Context, sessionToken string) error {
	if err := r.client.Del(ctx, r.keys.session(sessionToken)).Err(); err != nil {
		return storeError("delete session", err)
	}
	return nil
}

// GetCredentials はユーザーのOAuth資格情報を取得する。
// ヒット時はTTLを更新する。見つからない場合はnilを返す。
func (r *RedisCredentialRepo) GetCredentials(ctx context.Context, userID string) (*model.Credentials, error) {
	key := r.keys.credentials(userID)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get credentials", err)
	}

	if err := r.client.Expire(ctx, key, r.config.CredentialsTTL).Err(); err != nil {
		return nil, storeError("refresh credentials ttl", err)
	}

	var creds model.Credentials
	if err := json.Unmarshal([]byte(val), &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

// PutCredentials はユーザーのOAuth資格情報を保存する。
func (r *RedisCredentialRepo) PutCredentials(ctx context.Context, userID string, creds model.Credentials) error {
	val, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := r.client.Set(ctx, r.keys.credentials(userID), val, r.config.CredentialsTTL).Err(); err != nil {
		return storeError("put credentials", err)
	}
	return nil
}

// GetProfile はキャッシュ済みプロフィールを取得する。
// ヒット時はTTLを更新する。見つからない場合はnilを返す。
func (r *RedisCredentialRepo) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	key := r.keys.profile(userID)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get profile", err)
	}

	if err := r.client.Expire(ctx, key, r.config.ProfileTTL).Err(); err != nil {
		return nil, storeError("refresh profile ttl", err)
	}

	var profile model.UserProfile
	if err := json.Unmarshal([]byte(val), &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// PutProfile はプロフィールをキャッシュする。
func (r *RedisCredentialRepo) PutProfile(ctx context.Context, userID string, profile model.UserProfile) error {
	val, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := r.client.Set(ctx, r.keys.profile(userID), val, r.config.ProfileTTL).Err(); err != nil {
		return storeError("put profile", err)
	}
	return nil
}

// Touch はユーザーとセッションに関連する全キーのTTLを更新する。
func (r *RedisCredentialRepo) Touch(ctx context.Context, userID, sessionToken string) error {
	pipe := r.client.Pipeline()
	if sessionToken != "" {
		pipe.Expire(ctx, r.keys.session(sessionToken), r.config.SessionTTL)
	}
	if userID != "" {
		pipe.Expire(ctx, r.keys.credentials(userID), r.config.CredentialsTTL)
		pipe.Expire(ctx, r.keys.subscriptions(userID), r.config.CredentialsTTL)
		pipe.Expire(ctx, r.keys.profile(userID), r.config.ProfileTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeError("touch", err)
	}
	return nil
}

// Purge は資格情報・プロフィール（およびオプションに応じて通知設定・セッション）を削除する。
func (r *RedisCredentialRepo) Purge(ctx context.Context, userID, sessionToken string, opts PurgeOptions) error {
	var keys []string
	if userID != "" {
		keys = append(keys, r.keys.credentials(userID), r.keys.profile(userID))
		if !opts.KeepSubscriptions {
			keys = append(keys, r.keys.subscriptions(userID))
		}
	}
	if sessionToken != "" && !opts.KeepSession {
		keys = append(keys, r.keys.session(sessionToken))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return storeError("purge", err)
	}
	return nil
}

// storeError はRedisのエラーをErrStoreUnavailableとしてラップする。
func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}

// compile-time interface check
var _ CredentialRepository = (*RedisCredentialRepo)(nil)
