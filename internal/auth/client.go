// Package auth はGoogle OAuthセッションとトークン更新の同期を提供する。
package auth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Userinfo はGoogleのプロフィールエンドポイントのレスポンス。
type Userinfo struct {
	ID            string
	Email         string
	VerifiedEmail bool
	Name          string
	Picture       string
}

// GoogleClient はプロフィール取得とトークン検査のインターフェース。
// テストではモックに差し替える。
type GoogleClient interface {
	// Userinfo はアクセストークンでプロフィールを取得する。
	Userinfo(ctx context.Context, ts oauth2.TokenSource) (*Userinfo, error)
	// TokeninfoScopes はアクセストークンに許可されたスコープ一覧を返す。
	TokeninfoScopes(ctx context.Context, ts oauth2.TokenSource) ([]string, error)
}

// googleAPIClient はgoogle.golang.org/apiを使用したGoogleClient実装。
type googleAPIClient struct{}

// NewGoogleAPIClient は本物のGoogle APIを呼ぶGoogleClientを生成する。
func NewGoogleAPIClient() GoogleClient {
	return &googleAPIClient{}
}

// Userinfo はoauth2/v2のuserinfoエンドポイントを呼ぶ。
func (c *googleAPIClient) Userinfo(ctx context.Context, ts oauth2.TokenSource) (*Userinfo, error) {
	svc, err := goauth2.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to build oauth2 service: %w", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, translateGoogleError(err)
	}

	return &Userinfo{
		ID:            info.Id,
		Email:         info.Email,
		VerifiedEmail: info.VerifiedEmail != nil && *info.VerifiedEmail,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}

// TokeninfoScopes はtokeninfoエンドポイントで許可スコープを取得する。
func (c *googleAPIClient) TokeninfoScopes(ctx context.Context, ts oauth2.TokenSource) ([]string, error) {
	tok, err := ts.Token()
	if err != nil {
		return nil, translateGoogleError(err)
	}

	svc, err := goauth2.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to build oauth2 service: %w", err)
	}

	info, err := svc.Tokeninfo().AccessToken(tok.AccessToken).Context(ctx).Do()
	if err != nil {
		return nil, translateGoogleError(err)
	}

	return strings.Fields(info.Scope), nil
}
