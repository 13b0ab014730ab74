package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/hitoshi/ytletter/internal/middleware"
	"github.com/hitoshi/ytletter/internal/model"
	"github.com/hitoshi/ytletter/internal/notify"
)

// PreviewHandler はメール本文のHTMLプレビューを返すHTTPハンドラー。
type PreviewHandler struct {
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

// NewPreviewHandler はPreviewHandlerを生成する。
func NewPreviewHandler(dispatcher *notify.Dispatcher, logger *slog.Logger) *PreviewHandler {
	return &PreviewHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Get は副作用なしでメールを合成し、最初のプレビューのHTMLをそのまま返す。
// GET /api/preview_email
//
// 新着が無い場合やプロバイダーのエラーはプレーンテキストの
// 「nothing to preview」で応答する。
func (h *PreviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	previews, err := h.dispatcher.Run(r.Context(), session, notify.Options{})
	if err != nil {
		if errors.Is(err, model.ErrAuthentication) || errors.Is(err, model.ErrPlaylistNotFound) {
			writeNothingToPreview(w)
			return
		}
		handleServiceError(w, err)
		return
	}

	if len(previews) == 0 {
		writeNothingToPreview(w)
		return
	}

	serials := make([]int, 0, len(previews))
	for serial := range previews {
		serials = append(serials, serial)
	}
	sort.Ints(serials)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(previews[serials[0]].Content))
}

func writeNothingToPreview(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("nothing to preview"))
}
