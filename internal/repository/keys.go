package repository

// キーバリューストアの論理キーレイアウト。
// ListUserIDsのプレフィックススキャンがこのレイアウトに依存するため、
// 変更する場合はスキャン側も合わせて更新すること。
const (
	sessionKeyPrefix      = "userIdOfSessionToken:"
	credentialsKeyPrefix  = "oauthCredentialsOfUserId:"
	profileKeyPrefix      = "cachedProfileOfUserId:"
	subscriptionKeyPrefix = "youTubeMailSettingsOfUserId:"
)

// keyBuilder は設定されたグローバルプレフィックスを前置してキーを組み立てる。
type keyBuilder struct {
	prefix string
}

func (k keyBuilder) session(token string) string {
	return k.prefix + sessionKeyPrefix + token
}

func (k keyBuilder) credentials(userID string) string {
	return k.prefix + credentialsKeyPrefix + userID
}

func (k keyBuilder) profile(userID string) string {
	return k.prefix + profileKeyPrefix + userID
}

func (k keyBuilder) subscriptions(userID string) string {
	return k.prefix + subscriptionKeyPrefix + userID
}

func (k keyBuilder) subscriptionScanPattern() string {
	return k.prefix + subscriptionKeyPrefix + "*"
}

func (k keyBuilder) userIDFromSubscriptionKey(key string) string {
	full := k.prefix + subscriptionKeyPrefix
	if len(key) <= len(full) {
		return ""
	}
	return key[len(full):]
}
