package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ytletter/internal/model"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Sender はメール1通を送信する。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// GmailSender はユーザー自身のGmailアカウントから送信するSender実装。
type GmailSender struct {
	svc    *gmail.Service
	logger *slog.Logger
}

var _ Sender = (*GmailSender)(nil)

// NewGmailSender はトークンソースからGmailSenderを生成する。
func NewGmailSender(ctx context.Context, ts oauth2.TokenSource, logger *slog.Logger, opts ...option.ClientOption) (*GmailSender, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build gmail service: %w", err)
	}
	return &GmailSender{svc: svc, logger: logger}, nil
}

// Send はメッセージを組み立ててusers.messages.sendで送信する。
// rawフィールドはパディング無しのURLセーフbase64。
func (s *GmailSender) Send(ctx context.Context, msg Message) error {
	raw := base64.RawURLEncoding.EncodeToString([]byte(buildMIME(msg)))

	res, err := s.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return translateSendError(err)
	}

	s.logger.Info("sent gmail message",
		slog.String("message_id", res.Id),
		slog.String("to", msg.ToEmail),
	)
	return nil
}

// translateSendError はGmail APIのエラーをドメインエラーへ変換する。
func translateSendError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized {
		return model.NewAuthenticationError("gmail send returned 401: %v", gerr.Message)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return model.NewAuthenticationError("gmail token retrieval failed: %v", rerr.ErrorCode)
	}

	return fmt.Errorf("failed to send gmail message: %w", err)
}

// DryRunSender は送信せずメッセージ全文をログに書くSender実装。
// 開発環境やテストメール無効時に使う。
type DryRunSender struct {
	logger *slog.Logger
}

var _ Sender = (*DryRunSender)(nil)

// NewDryRunSender はDryRunSenderを生成する。
func NewDryRunSender(logger *slog.Logger) *DryRunSender {
	return &DryRunSender{logger: logger}
}

// Send はメッセージをログへ出力するだけで成功を返す。
func (s *DryRunSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("dry-run email send",
		slog.String("to", msg.ToEmail),
		slog.String("subject", msg.Subject),
		slog.String("message", buildMIME(msg)),
	)
	return nil
}
