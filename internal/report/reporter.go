// Package report はエラートラッキング連携のインターフェースを提供する。
// 送信トランスポートの実装は外部コラボレータであり、ここでは契約と
// ログベースのデフォルト実装のみを持つ。
package report

import (
	"context"
	"log/slog"
)

// Reporter は回復不能または想定外のエラーを外部収集系へ通知するインターフェース。
type Reporter interface {
	// CaptureException はエラーと付随情報を報告する。
	// 報告自体の失敗が呼び出し元の処理を妨げてはならない。
	CaptureException(ctx context.Context, err error, extra map[string]any)
}

// SlogReporter は構造化ログへ出力するデフォルトのReporter実装。
type SlogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter はSlogReporterを生成する。loggerがnilの場合はslog.Defaultを使う。
func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogReporter{logger: logger}
}

// CaptureException はエラーをERRORレベルで記録する。
func (r *SlogReporter) CaptureException(ctx context.Context, err error, extra map[string]any) {
	attrs := []any{slog.String("error", err.Error())}
	for k, v := range extra {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.logger.ErrorContext(ctx, "captured exception", attrs...)
}

// compile-time interface check
var _ Reporter = (*SlogReporter)(nil)
