// Package app はアプリケーションの初期化と起動を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/ytletter/internal/auth"
	"github.com/hitoshi/ytletter/internal/config"
	"github.com/hitoshi/ytletter/internal/database"
	"github.com/hitoshi/ytletter/internal/handler"
	"github.com/hitoshi/ytletter/internal/logger"
	"github.com/hitoshi/ytletter/internal/mail"
	"github.com/hitoshi/ytletter/internal/metrics"
	"github.com/hitoshi/ytletter/internal/middleware"
	"github.com/hitoshi/ytletter/internal/notify"
	"github.com/hitoshi/ytletter/internal/playlist"
	"github.com/hitoshi/ytletter/internal/report"
	"github.com/hitoshi/ytletter/internal/repository"
	"github.com/hitoshi/ytletter/internal/subscription"
	"github.com/hitoshi/ytletter/internal/worker/schedule"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("live_mode", cfg.LiveMode),
	)

	return runServe(cfg)
}

// runServe はAPIサーバーモードで起動する。
// Redis接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. Redis接続
	rdb, err := database.Open(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to open redis: %w", err)
	}
	defer rdb.Close()

	if err := database.Ping(context.Background(), rdb); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis connection established")

	// 2. リポジトリの初期化
	credRepo := repository.NewRedisCredentialRepo(rdb, cfg.RedisPrefix, repository.RedisCredentialRepoConfig{
		SessionTTL:     cfg.SessionTTL,
		CredentialsTTL: cfg.CredentialsTTL,
		ProfileTTL:     cfg.ProfileTTL,
	})
	subRepo := repository.NewRedisSubscriptionRepo(rdb, cfg.RedisPrefix, cfg.CredentialsTTL)

	// 3. メトリクスとエラー報告の初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	reporter := report.NewSlogReporter(log)

	// 4. 認証マネージャの初期化
	manager := auth.NewManager(auth.ManagerConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       cfg.OAuthScopes,
	}, credRepo, auth.NewGoogleAPIClient(), reporter, log)

	// 5. 通知パイプラインの初期化
	renderer := mail.NewHTMLRenderer()
	newSyncer := func(ctx context.Context, ts oauth2.TokenSource) (notify.PlaylistSyncer, error) {
		return playlist.NewClient(ctx, ts, log)
	}
	newSender := func(ctx context.Context, ts oauth2.TokenSource) (mail.Sender, error) {
		if cfg.EmailDryRun {
			return mail.NewDryRunSender(log), nil
		}
		return mail.NewGmailSender(ctx, ts, log)
	}
	dispatcher := notify.NewDispatcher(subRepo, renderer, newSyncer, newSender, collector, log)
	userRunner := notify.NewUserRunner(manager, dispatcher)

	// 6. スケジューラの初期化
	scheduler := schedule.NewScheduler(schedule.Config{
		Interval: cfg.TaskInterval,
		LiveMode: cfg.LiveMode,
	}, subRepo, credRepo, userRunner, reporter, collector, log)
	defer scheduler.Stop()

	// 7. 設定サービスの初期化
	subService, err := subscription.NewService(subRepo, cfg.LiveMode)
	if err != nil {
		return fmt.Errorf("failed to build subscription service: %w", err)
	}

	// 8. ミドルウェアとハンドラーの構築
	guard := middleware.NewSessionGuard(manager, credRepo, middleware.SessionGuardConfig{
		SessionTTL:   cfg.SessionTTL,
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	}, log)

	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.SetupRate = rate.Limit(float64(cfg.RateLimitSetup) / 60.0)
	rateLimiterCfg.SetupBurst = cfg.RateLimitSetup
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	newLister := func(ctx context.Context, ts oauth2.TokenSource) (handler.PlaylistLister, error) {
		return playlist.NewClient(ctx, ts, log)
	}

	deps := &handler.RouterDeps{
		SessionGuard:      guard,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,
		Metrics:           collector,

		AuthHandler:      handler.NewAuthHandler(manager, credRepo, guard, log),
		SetupHandler:     handler.NewSetupHandler(subService, subRepo, dispatcher, newLister, guard, log),
		PreviewHandler:   handler.NewPreviewHandler(dispatcher, log),
		SchedulerHandler: handler.NewSchedulerHandler(scheduler),
		HealthHandler:    handler.NewHealthHandler(database.NewHeartbeat(rdb), scheduler, log),

		MetricsGatherer: registry,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /api/healthcheck エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/api/healthcheck", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
