package auth

import (
	"errors"
	"net/http"

	"github.com/hitoshi/ytletter/internal/model"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// translateGoogleError はGoogle API/OAuthのエラーをドメインエラーへ変換する。
// 401とトークン更新失敗はErrAuthenticationになる。それ以外はそのまま返す。
func translateGoogleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized {
		return model.NewAuthenticationError("google api returned 401: %v", gerr.Message)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return model.NewAuthenticationError("token retrieval failed: %v", rerr.ErrorCode)
	}

	return err
}
