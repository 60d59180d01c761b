// Package rewards начисляет баллы за сдачу вторсырья и обрабатывает их списание.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecobin-pipeline/internal/config"
	"github.com/mmeshcher/ecobin-pipeline/internal/model"
	"github.com/mmeshcher/ecobin-pipeline/internal/repository"
	"github.com/mmeshcher/ecobin-pipeline/internal/telemetry"
)

var (
	// ErrInsufficientPoints возвращается, если баланса не хватает для списания.
	ErrInsufficientPoints = repository.ErrInsufficientPoints
	// ErrInvalidRedemption возвращается для некорректного запроса на списание.
	ErrInvalidRedemption = errors.New("invalid redemption request")
)

const defaultHistoryLimit = 100

// Store описывает контракт доступа к данным, используемый движком вознаграждений.
type Store interface {
	ListUncreditedEvents(ctx context.Context, limit int) ([]model.BinEvent, error)
	CreditEvent(ctx context.Context, entry model.LedgerEntry) error
	Redeem(ctx context.Context, entry model.LedgerEntry, cost int64) (int64, error)
	GetBalance(ctx context.Context, userID string) (int64, int64, int64, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
}

// Engine начисляет баллы за события и списывает их по запросу пользователя.
type Engine struct {
	store     Store
	scoring   config.ScoringTable
	ranks     []config.RankTier
	batchSize int
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	locks     *keyedMutex
	now       func() time.Time
	newID     func() string
}

// New создаёт движок вознаграждений по таблицам начисления и рангов.
func New(store Store, tables *config.Tables, batchSize int, logger *zap.Logger, metrics *telemetry.Metrics) *Engine {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Engine{
		store:     store,
		scoring:   tables.Scoring,
		ranks:     tables.Ranks,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
		locks:     newKeyedMutex(),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// Run выполняет один проход начисления. Используется планировщиком.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.Accrue(ctx)
	return err
}

// Accrue начисляет баллы за все ещё не учтённые события и возвращает сумму начисленных баллов.
// Повторное начисление за событие отклоняется хранилищем и только логируется;
// временные ошибки прерывают проход, необработанные события будут учтены следующим проходом.
func (e *Engine) Accrue(ctx context.Context) (int64, error) {
	var (
		total      int64
		credited   int
		duplicates int
	)

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		events, err := e.store.ListUncreditedEvents(ctx, e.batchSize)
		if err != nil {
			return total, fmt.Errorf("accrue: %w", err)
		}

		progressed := 0
		for _, ev := range events {
			points := Points(ev, e.scoring)
			if points <= 0 || ev.UserID == "" {
				continue
			}

			eventID := ev.ID
			entry := model.LedgerEntry{
				ID:             e.newID(),
				UserID:         ev.UserID,
				EventID:        &eventID,
				Reason:         model.ReasonAccrual,
				PointsDelta:    points,
				ScoringVersion: e.scoring.Version,
				CreatedAt:      e.now().UTC(),
			}

			if err := e.store.CreditEvent(ctx, entry); err != nil {
				if errors.Is(err, repository.ErrDuplicateCredit) {
					duplicates++
					e.logger.Error("data integrity violation: event already credited",
						zap.Int64("event_id", ev.ID),
						zap.String("user_id", ev.UserID),
						zap.Error(err),
					)
					continue
				}
				return total, fmt.Errorf("accrue event %d: %w", ev.ID, err)
			}

			progressed++
			credited++
			total += points
			e.metrics.PointsCredited(points)
		}

		if len(events) < e.batchSize || progressed == 0 {
			break
		}
	}

	e.logger.Info("reward accrual finished",
		zap.Int("credited_events", credited),
		zap.Int64("credited_points", total),
		zap.Int("duplicates", duplicates),
		zap.String("scoring_version", e.scoring.Version),
	)

	return total, nil
}

// RedeemResult содержит итог списания.
type RedeemResult struct {
	Success bool   `json:"success"`
	Balance int64  `json:"balance"`
	Rank    string `json:"rank"`
}

// Redeem списывает pointsCost баллов за награду rewardName.
// При нехватке баллов возвращает ErrInsufficientPoints и текущий баланс без изменений.
func (e *Engine) Redeem(ctx context.Context, userID, rewardName string, pointsCost int64) (RedeemResult, error) {
	rewardName = strings.TrimSpace(rewardName)
	if userID == "" || rewardName == "" || pointsCost <= 0 {
		e.metrics.Redemption("invalid")
		return RedeemResult{}, ErrInvalidRedemption
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	balance, err := e.store.Redeem(ctx, model.LedgerEntry{
		ID:         e.newID(),
		UserID:     userID,
		Reason:     model.ReasonRedemption,
		RewardName: rewardName,
		CreatedAt:  e.now().UTC(),
	}, pointsCost)
	if err != nil {
		if errors.Is(err, ErrInsufficientPoints) {
			e.metrics.Redemption("insufficient")
			return RedeemResult{Balance: balance, Rank: Rank(balance, e.ranks)}, err
		}
		e.metrics.Redemption("error")
		return RedeemResult{}, fmt.Errorf("redeem %q for user %s: %w", rewardName, userID, err)
	}

	e.metrics.Redemption("success")
	e.logger.Info("points redeemed",
		zap.String("user_id", userID),
		zap.String("reward", rewardName),
		zap.Int64("cost", pointsCost),
		zap.Int64("balance", balance),
	)

	return RedeemResult{Success: true, Balance: balance, Rank: Rank(balance, e.ranks)}, nil
}

// Summary возвращает баланс пользователя, его ранг и расстояние до следующего ранга.
func (e *Engine) Summary(ctx context.Context, userID string) (*model.RewardSummary, error) {
	total, earned, redeemed, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reward summary: %w", err)
	}

	s := &model.RewardSummary{
		RewardBalance: model.RewardBalance{
			UserID:      userID,
			TotalPoints: total,
			Rank:        Rank(total, e.ranks),
		},
		EarnedPoints:   earned,
		RedeemedPoints: redeemed,
	}
	if next, ok := NextRank(total, e.ranks); ok {
		s.NextRank = next.Name
		s.PointsToNext = next.MinPoints - total
	}

	return s, nil
}

// History возвращает последние записи журнала баллов пользователя.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	entries, err := e.store.ListLedger(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("reward history: %w", err)
	}
	return entries, nil
}

// Points считает баллы за событие по таблице начисления.
func Points(ev model.BinEvent, s config.ScoringTable) int64 {
	return int64(ev.HighValue)*s.HighValue + int64(ev.LowValue)*s.LowValue + int64(ev.OrganicBin)*s.Organic
}

// Rank возвращает наивысший ранг, порог которого не превышает total.
// Пороги должны быть отсортированы по возрастанию.
func Rank(total int64, tiers []config.RankTier) string {
	rank := ""
	for _, t := range tiers {
		if total < t.MinPoints {
			break
		}
		rank = t.Name
	}
	return rank
}

// NextRank возвращает ближайший ранг выше текущего.
func NextRank(total int64, tiers []config.RankTier) (config.RankTier, bool) {
	for _, t := range tiers {
		if t.MinPoints > total {
			return t, true
		}
	}
	return config.RankTier{}, false
}
