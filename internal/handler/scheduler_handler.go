package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/ytletter/internal/worker/schedule"
)

// SchedulerHandler はバックグラウンドタスクの起動・状態確認のHTTPハンドラー。
type SchedulerHandler struct {
	scheduler *schedule.Scheduler
}

// NewSchedulerHandler はSchedulerHandlerを生成する。
func NewSchedulerHandler(scheduler *schedule.Scheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// schedulerResponse はGET /api/task/scheduleのレスポンス。
type schedulerResponse struct {
	Status          string          `json:"status"`
	SchedulerStatus schedule.Status `json:"schedulerStatus"`
}

// Trigger はスケジューラを起動し（起動済みなら何もせず）現在の状態を返す。
// GET /api/task/schedule
func (h *SchedulerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	status := h.scheduler.Trigger()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(schedulerResponse{
		Status:          "ok",
		SchedulerStatus: status,
	})
}
