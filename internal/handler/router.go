package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/ytletter/internal/metrics"
	"github.com/hitoshi/ytletter/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionGuard      *middleware.SessionGuard
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// ハンドラー
	AuthHandler      *AuthHandler
	SetupHandler     *SetupHandler
	PreviewHandler   *PreviewHandler
	SchedulerHandler *SchedulerHandler
	HealthHandler    *HealthHandler

	// メトリクス公開
	MetricsGatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (認証ルートのみ) SessionGuard → RateLimit
//
// OAuthコールバック・ログアウト・タスク起動・ヘルスチェック・メトリクスは
// セッション認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 認証不要のルート ---

	r.Get("/api/google_oauth/on_redirect", deps.AuthHandler.OnRedirect)
	r.Post("/api/logout", deps.AuthHandler.Logout)
	r.Get("/api/task/schedule", deps.SchedulerHandler.Trigger)
	r.Get("/api/healthcheck", deps.HealthHandler.Get)
	r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: SessionGuard → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(deps.SessionGuard.Middleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/playlists_setup", deps.SetupHandler.Get)
		// 設定保存は専用のレート制限を追加
		r.With(deps.RateLimiter.SetupMiddleware()).Post("/api/playlists_setup", deps.SetupHandler.Post)

		r.Get("/api/preview_email", deps.PreviewHandler.Get)
	})

	return r
}
