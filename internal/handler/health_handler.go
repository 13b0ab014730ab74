package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hitoshi/ytletter/internal/worker/schedule"
)

// HeartbeatWriter はストアへの死活書き込みのインターフェース。
type HeartbeatWriter interface {
	// WriteHeartbeat は現在時刻をストアへ書き込み、そのエポックミリ秒を返す。
	WriteHeartbeat(ctx context.Context) (int64, error)
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
// プロセスごとに安定したインスタンスIDを持つ。
type HealthHandler struct {
	instanceID string
	heartbeat  HeartbeatWriter
	scheduler  *schedule.Scheduler
	logger     *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(heartbeat HeartbeatWriter, scheduler *schedule.Scheduler, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		instanceID: uuid.NewString(),
		heartbeat:  heartbeat,
		scheduler:  scheduler,
		logger:     logger,
	}
}

// healthResponse はGET /api/healthcheckのレスポンス。
type healthResponse struct {
	Status          string          `json:"status"`
	InstanceID      string          `json:"instanceId"`
	RedisHeartbeat  int64           `json:"redisHeartbeat"`
	SchedulerStatus schedule.Status `json:"schedulerStatus"`
}

// Get はストアへの書き込み確認とスケジューラの起動確認を行う。
// GET /api/healthcheck
//
// スケジューラが未起動であればここで起動する。デプロイ直後の定期的な
// ヘルスチェックがスケジューラの起動保証を兼ねる。
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	heartbeat, err := h.heartbeat.WriteHeartbeat(r.Context())
	if err != nil {
		h.logger.Error("heartbeat write failed",
			slog.String("error", err.Error()),
		)
		handleServiceError(w, err)
		return
	}

	status := h.scheduler.Trigger()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:          "ok",
		InstanceID:      h.instanceID,
		RedisHeartbeat:  heartbeat,
		SchedulerStatus: status,
	})
}
