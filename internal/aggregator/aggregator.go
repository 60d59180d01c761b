// Package aggregator сворачивает события контейнеров в суточные метрики.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
	"github.com/mmeshcher/ecobin-pipeline/internal/repository"
)

// Store описывает контракт доступа к данным, используемый агрегатором.
type Store interface {
	ListEvents(ctx context.Context, f repository.EventFilter) ([]model.BinEvent, error)
	ReplaceDailyMetrics(ctx context.Context, day time.Time, metrics []model.DailyMetric) error
}

// Aggregator пересчитывает суточные метрики.
type Aggregator struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New создаёт агрегатор.
func New(store Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Run пересчитывает метрики за только что завершившиеся сутки UTC.
func (a *Aggregator) Run(ctx context.Context) error {
	_, err := a.RunForDay(ctx, PreviousDay(a.now()))
	return err
}

// RunForDay пересчитывает метрики за указанные сутки и возвращает число записанных строк.
// Все строки дня заменяются одной транзакцией, поэтому повторный запуск не удваивает итоги.
func (a *Aggregator) RunForDay(ctx context.Context, day time.Time) (int, error) {
	day = StartOfDay(day)

	events, err := a.store.ListEvents(ctx, repository.EventFilter{
		From: day,
		To:   day.AddDate(0, 0, 1),
	})
	if err != nil {
		return 0, fmt.Errorf("aggregate %s: %w", day.Format(time.DateOnly), err)
	}

	valid := events[:0:0]
	for _, e := range events {
		if err := e.Validate(); err != nil {
			a.logger.Warn("skipping invalid event",
				zap.Int64("event_id", e.ID),
				zap.String("bin_id", e.BinID),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, e)
	}

	metrics := Aggregate(day, valid)

	if err := a.store.ReplaceDailyMetrics(ctx, day, metrics); err != nil {
		return 0, fmt.Errorf("aggregate %s: %w", day.Format(time.DateOnly), err)
	}

	a.logger.Info("daily metrics aggregated",
		zap.String("day", day.Format(time.DateOnly)),
		zap.Int("events", len(valid)),
		zap.Int("bins", len(metrics)),
	)

	return len(metrics), nil
}

// Backfill пересчитывает метрики за каждый день в диапазоне [from, to].
// Дни обрабатываются по одному; ошибка прерывает пересчёт, уже записанные дни остаются согласованными.
func (a *Aggregator) Backfill(ctx context.Context, from, to time.Time) error {
	from, to = StartOfDay(from), StartOfDay(to)
	if to.Before(from) {
		return fmt.Errorf("backfill: range end %s is before start %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.RunForDay(ctx, day); err != nil {
			return err
		}
	}

	return nil
}

// Aggregate группирует события по контейнерам и считает суточные итоги.
// События вне суток day игнорируются. Контейнеры без событий в результат не попадают.
// Результат отсортирован по идентификатору контейнера.
func Aggregate(day time.Time, events []model.BinEvent) []model.DailyMetric {
	day = StartOfDay(day)
	next := day.AddDate(0, 0, 1)

	type acc struct {
		metric  model.DailyMetric
		fillSum float64
		hourly  [24]int
	}
	byBin := make(map[string]*acc)

	for _, e := range events {
		ts := e.Timestamp.UTC()
		if ts.Before(day) || !ts.Before(next) {
			continue
		}

		b, ok := byBin[e.BinID]
		if !ok {
			b = &acc{metric: model.DailyMetric{BinID: e.BinID, Day: day}}
			byBin[e.BinID] = b
		}

		m := &b.metric
		m.Plastic += e.Plastic
		m.Paper += e.Paper
		m.Metal += e.Metal
		m.Glass += e.Glass
		m.Organic += e.Organic
		m.HighValue += e.HighValue
		m.LowValue += e.LowValue
		m.OrganicBin += e.OrganicBin
		m.WeightKg += e.WeightDelta
		m.DepositCount++
		b.fillSum += e.FillLevelPct
		b.hourly[ts.Hour()]++
	}

	res := make([]model.DailyMetric, 0, len(byBin))
	for _, b := range byBin {
		m := b.metric
		m.AvgFillLevel = b.fillSum / float64(m.DepositCount)
		for h, n := range b.hourly {
			if n > m.PeakHourDeposits {
				m.PeakHour = h
				m.PeakHourDeposits = n
			}
		}
		res = append(res, m)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].BinID < res[j].BinID })
	return res
}

// StartOfDay возвращает начало суток UTC для момента t.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// PreviousDay возвращает начало суток UTC, предшествующих суткам момента now.
func PreviousDay(now time.Time) time.Time {
	return StartOfDay(now).AddDate(0, 0, -1)
}
