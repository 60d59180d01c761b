// Package service реализует прикладной слой API конвейера: чтение производных данных,
// списание баллов и внеплановый запуск задач.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/ecobin-pipeline/internal/aggregator"
	"github.com/mmeshcher/ecobin-pipeline/internal/model"
	"github.com/mmeshcher/ecobin-pipeline/internal/rewards"
)

const (
	defaultMetricDays    = 7
	maxMetricDays        = 90
	defaultAnomalyWindow = 24 * time.Hour
)

// ErrInvalidRange возвращается для некорректного диапазона выборки.
var ErrInvalidRange = errors.New("invalid range")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	CurrentInsight(ctx context.Context, binID string) (*model.Insight, error)
	ListAnomalies(ctx context.Context, binID string, since time.Time) ([]model.Anomaly, error)
	ListDailyMetrics(ctx context.Context, binID string, from, to time.Time) ([]model.DailyMetric, error)
}

// Rewards описывает операции движка вознаграждений, доступные через API.
type Rewards interface {
	Summary(ctx context.Context, userID string) (*model.RewardSummary, error)
	History(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
	Redeem(ctx context.Context, userID, rewardName string, pointsCost int64) (rewards.RedeemResult, error)
}

// JobRunner запускает зарегистрированную задачу вне расписания.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// Service содержит прикладную логику API.
type Service struct {
	repo    Repository
	rewards Rewards
	jobs    JobRunner
	now     func() time.Time
}

// NewService создаёт новый сервис.
func NewService(repo Repository, rw Rewards, jobs JobRunner) *Service {
	return &Service{
		repo:    repo,
		rewards: rw,
		jobs:    jobs,
		now:     time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// CurrentInsight возвращает актуальную рекомендацию по контейнеру.
func (s *Service) CurrentInsight(ctx context.Context, binID string) (*model.Insight, error) {
	return s.repo.CurrentInsight(ctx, binID)
}

// ListAnomalies возвращает аномалии контейнера начиная с since.
// Нулевой since означает последние сутки.
func (s *Service) ListAnomalies(ctx context.Context, binID string, since time.Time) ([]model.Anomaly, error) {
	if since.IsZero() {
		since = s.now().Add(-defaultAnomalyWindow)
	}
	if since.After(s.now()) {
		return nil, ErrInvalidRange
	}
	return s.repo.ListAnomalies(ctx, binID, since)
}

// ListDailyMetrics возвращает суточные метрики контейнера за последние days суток, включая текущие.
func (s *Service) ListDailyMetrics(ctx context.Context, binID string, days int) ([]model.DailyMetric, error) {
	if days == 0 {
		days = defaultMetricDays
	}
	if days < 0 || days > maxMetricDays {
		return nil, ErrInvalidRange
	}

	to := aggregator.StartOfDay(s.now())
	from := to.AddDate(0, 0, 1-days)
	return s.repo.ListDailyMetrics(ctx, binID, from, to)
}

// RewardSummary возвращает баланс и ранг пользователя.
func (s *Service) RewardSummary(ctx context.Context, userID string) (*model.RewardSummary, error) {
	return s.rewards.Summary(ctx, userID)
}

// RewardHistory возвращает журнал баллов пользователя.
func (s *Service) RewardHistory(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.rewards.History(ctx, userID, limit)
}

// Redeem списывает баллы пользователя за награду.
func (s *Service) Redeem(ctx context.Context, userID, rewardName string, pointsCost int64) (rewards.RedeemResult, error) {
	return s.rewards.Redeem(ctx, userID, rewardName, pointsCost)
}

// RunJob запускает задачу планировщика вне расписания.
func (s *Service) RunJob(ctx context.Context, name string) error {
	return s.jobs.RunNow(ctx, name)
}
