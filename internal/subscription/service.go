// Package subscription は通知設定の検証と保存を提供する。
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/repository"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// settingsSchema は設定保存リクエストボディの検証スキーマ。
const settingsSchema = `{
    "type": "array",
    "minItems": 1,
    "maxItems": 3,
    "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["to_name", "to_email", "playlist_id"],
        "properties": {
            "serial": {
                "type": "integer"
            },
            "send_test_email": {
                "type": "boolean"
            },
            "to_name": {
                "type": "string",
                "minLength": 1,
                "maxLength": 100
            },
            "to_email": {
                "type": "string",
                "minLength": 1,
                "maxLength": 200,
                "format": "email"
            },
            "playlist_id": {
                "type": "string",
                "minLength": 4,
                "maxLength": 200
            }
        }
    }
}`

// SettingsInput は設定保存リクエストの1要素。
type SettingsInput struct {
	Serial        *int   `json:"serial,omitempty"`
	SendTestEmail bool   `json:"send_test_email,omitempty"`
	ToName        string `json:"to_name"`
	ToEmail       string `json:"to_email"`
	PlaylistID    string `json:"playlist_id"`
}

// Service は通知設定の検証・保存を担う。
type Service struct {
	repo     repository.SubscriptionRepository
	schema   *jsonschema.Schema
	liveMode bool
}

// NewService はServiceを生成する。liveModeがtrueの場合、テストメール送信を拒否する。
func NewService(repo repository.SubscriptionRepository, liveMode bool) (*Service, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(settingsSchema)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource("settings.json", doc); err != nil {
		return nil, fmt.Errorf("failed to register settings schema: %w", err)
	}
	schema, err := compiler.Compile("settings.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile settings schema: %w", err)
	}

	return &Service{repo: repo, schema: schema, liveMode: liveMode}, nil
}

// Validate はリクエストボディを検証してSettingsInputの一覧と
// テストメール送信フラグを返す。
//
// スキーマ検証の後に以下を順に確認する:
//  1. 指定されたserialが既存設定に存在すること
//  2. テストメール送信が環境で許可されていること
//  3. (to_email, playlist_id)の組み合わせが重複しないこと
func (s *Service) Validate(body []byte, current []model.MailSubscription) ([]SettingsInput, bool, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, false, model.NewValidationFailedError(err.Error())
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, false, model.NewValidationFailedError(err.Error())
	}

	inputs, err := decodeSettings(body)
	if err != nil {
		return nil, false, model.NewValidationFailedError(err.Error())
	}

	existingSerials := map[int]bool{}
	for _, sub := range current {
		existingSerials[sub.Serial] = true
	}

	sendTestEmail := false
	fingerprints := map[string]bool{}
	for _, input := range inputs {
		if input.Serial != nil && !existingSerials[*input.Serial] {
			return nil, false, model.NewBadSerialError(*input.Serial)
		}

		sendTestEmail = sendTestEmail || input.SendTestEmail
		if sendTestEmail && s.liveMode {
			return nil, false, model.NewTestEmailForbiddenError()
		}

		fingerprint := fmt.Sprintf("%s*/*%s", input.ToEmail, input.PlaylistID)
		if fingerprints[fingerprint] {
			return nil, false, model.NewDuplicateSettingsError()
		}
		fingerprints[fingerprint] = true
	}

	return inputs, sendTestEmail, nil
}

// Apply は検証済みの設定一覧でユーザーの通知設定を丸ごと置き換える。
// serialの採番とカーソルの引き継ぎはリポジトリ側の規則に従う。
func (s *Service) Apply(ctx context.Context, userID string, inputs []SettingsInput) ([]model.MailSubscription, error) {
	updates := make([]repository.SubscriptionUpdate, 0, len(inputs))
	for _, input := range inputs {
		updates = append(updates, repository.SubscriptionUpdate{
			Serial:     input.Serial,
			ToName:     input.ToName,
			ToEmail:    input.ToEmail,
			PlaylistID: input.PlaylistID,
		})
	}
	return s.repo.Replace(ctx, userID, updates)
}

// decodeSettings はスキーマ検証済みのボディを型付きの一覧へ変換する。
func decodeSettings(body []byte) ([]SettingsInput, error) {
	var inputs []SettingsInput
	if err := json.Unmarshal(body, &inputs); err != nil {
		return nil, err
	}
	return inputs, nil
}
