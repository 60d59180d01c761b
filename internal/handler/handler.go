// Package handler содержит HTTP-обработчики API конвейера аналитики и вознаграждений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecobin-pipeline/internal/middleware"
	"github.com/mmeshcher/ecobin-pipeline/internal/model"
	"github.com/mmeshcher/ecobin-pipeline/internal/repository"
	"github.com/mmeshcher/ecobin-pipeline/internal/rewards"
	"github.com/mmeshcher/ecobin-pipeline/internal/scheduler"
	"github.com/mmeshcher/ecobin-pipeline/internal/service"
)

// Service определяет контракт прикладной логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	CurrentInsight(ctx context.Context, binID string) (*model.Insight, error)
	ListAnomalies(ctx context.Context, binID string, since time.Time) ([]model.Anomaly, error)
	ListDailyMetrics(ctx context.Context, binID string, days int) ([]model.DailyMetric, error)
	RewardSummary(ctx context.Context, userID string) (*model.RewardSummary, error)
	RewardHistory(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
	Redeem(ctx context.Context, userID, rewardName string, pointsCost int64) (rewards.RedeemResult, error)
	RunJob(ctx context.Context, name string) error
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminAuth      *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// admin и metrics могут быть nil, тогда административные маршруты и /metrics не регистрируются.
func NewHandler(s Service, logger *zap.Logger, auth, admin *middleware.AuthMiddleware, metrics http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminAuth:      admin,
		metrics:        metrics,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetInsight возвращает актуальную рекомендацию по контейнеру.
func (h *Handler) GetInsight(w http.ResponseWriter, r *http.Request) {
	binID := chi.URLParam(r, "binID")

	ins, err := h.service.CurrentInsight(r.Context(), binID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get insight error", zap.Error(err), zap.String("bin_id", binID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, ins)
}

// GetAnomalies возвращает аномалии контейнера. Параметр since задаётся в RFC 3339.
func (h *Handler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	binID := chi.URLParam(r, "binID")

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		since = t
	}

	anomalies, err := h.service.ListAnomalies(r.Context(), binID, since)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRange) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("get anomalies error", zap.Error(err), zap.String("bin_id", binID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	h.writeJSON(w, http.StatusOK, anomalies)
}

// GetMetrics возвращает суточные метрики контейнера за последние days суток.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	binID := chi.URLParam(r, "binID")

	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		days = n
	}

	metrics, err := h.service.ListDailyMetrics(r.Context(), binID, days)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRange) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("get metrics error", zap.Error(err), zap.String("bin_id", binID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if metrics == nil {
		metrics = []model.DailyMetric{}
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

// GetRewardSummary возвращает баланс, ранг и прогресс до следующего ранга текущего пользователя.
func (h *Handler) GetRewardSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	summary, err := h.service.RewardSummary(r.Context(), userID)
	if err != nil {
		h.logger.Error("get reward summary error", zap.Error(err), zap.String("user_id", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// GetRewardHistory возвращает журнал баллов текущего пользователя.
func (h *Handler) GetRewardHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.service.RewardHistory(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("get reward history error", zap.Error(err), zap.String("user_id", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

type redeemRequest struct {
	RewardName string `json:"reward_name"`
	PointsCost int64  `json:"points_cost"`
}

// Redeem списывает баллы текущего пользователя за награду.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Redeem(r.Context(), userID, req.RewardName, req.PointsCost)
	if err != nil {
		switch {
		case errors.Is(err, rewards.ErrInvalidRedemption):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, rewards.ErrInsufficientPoints):
			h.writeJSON(w, http.StatusPaymentRequired, res)
		default:
			h.logger.Error("redeem error", zap.Error(err), zap.String("user_id", userID), zap.String("reward", req.RewardName))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// RunJob запускает задачу планировщика вне расписания и дожидается её завершения.
// Отключение клиента не прерывает запуск, его ограничивает таймаут задачи.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")

	err := h.service.RunJob(context.WithoutCancel(r.Context()), job)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"job": job, "status": "ok"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, scheduler.ErrStopped):
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error("manual job run failed", zap.Error(err), zap.String("job", job))
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"job": job, "status": "failed", "error": err.Error()})
	}
}
