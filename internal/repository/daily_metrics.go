package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
)

const dailyMetricColumns = `bin_id, day, plastic, paper, metal, glass, organic,
	hv_count, lv_count, org_count, total_weight_kg, deposit_count,
	avg_fill_level, peak_hour, peak_hour_deposits`

// ReplaceDailyMetrics атомарно заменяет все суточные метрики за день.
// Повторный запуск за тот же день даёт тот же набор строк.
func (r *PostgresRepository) ReplaceDailyMetrics(ctx context.Context, day time.Time, metrics []model.DailyMetric) error {
	day = truncateDay(day)

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM daily_metrics WHERE day = $1`, day); err != nil {
			return fmt.Errorf("delete daily metrics: %w", err)
		}

		for _, m := range metrics {
			_, err := tx.Exec(ctx,
				`INSERT INTO daily_metrics (`+dailyMetricColumns+`, computed_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
				 ON CONFLICT (bin_id, day) DO UPDATE SET
				   plastic = EXCLUDED.plastic, paper = EXCLUDED.paper, metal = EXCLUDED.metal,
				   glass = EXCLUDED.glass, organic = EXCLUDED.organic,
				   hv_count = EXCLUDED.hv_count, lv_count = EXCLUDED.lv_count, org_count = EXCLUDED.org_count,
				   total_weight_kg = EXCLUDED.total_weight_kg, deposit_count = EXCLUDED.deposit_count,
				   avg_fill_level = EXCLUDED.avg_fill_level, peak_hour = EXCLUDED.peak_hour,
				   peak_hour_deposits = EXCLUDED.peak_hour_deposits, computed_at = now()`,
				m.BinID, day, m.Plastic, m.Paper, m.Metal, m.Glass, m.Organic,
				m.HighValue, m.LowValue, m.OrganicBin, m.WeightKg, m.DepositCount,
				m.AvgFillLevel, m.PeakHour, m.PeakHourDeposits,
			)
			if err != nil {
				return fmt.Errorf("upsert daily metric %s: %w", m.BinID, err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// LatestDailyMetrics возвращает последнюю суточную метрику каждого контейнера.
func (r *PostgresRepository) LatestDailyMetrics(ctx context.Context) ([]model.DailyMetric, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (bin_id) `+dailyMetricColumns+`
		 FROM daily_metrics
		 ORDER BY bin_id, day DESC`,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select latest daily metrics: %w", err))
	}

	return collectDailyMetrics(rows)
}

// ListDailyMetrics возвращает метрики контейнера за дни [from, to], новые первыми.
func (r *PostgresRepository) ListDailyMetrics(ctx context.Context, binID string, from, to time.Time) ([]model.DailyMetric, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+dailyMetricColumns+`
		 FROM daily_metrics
		 WHERE bin_id = $1 AND day BETWEEN $2 AND $3
		 ORDER BY day DESC`,
		binID, truncateDay(from), truncateDay(to),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select daily metrics: %w", err))
	}

	return collectDailyMetrics(rows)
}

func collectDailyMetrics(rows pgx.Rows) ([]model.DailyMetric, error) {
	defer rows.Close()

	var res []model.DailyMetric
	for rows.Next() {
		var (
			m        model.DailyMetric
			peakHour int16
		)
		if err := rows.Scan(
			&m.BinID, &m.Day, &m.Plastic, &m.Paper, &m.Metal, &m.Glass, &m.Organic,
			&m.HighValue, &m.LowValue, &m.OrganicBin, &m.WeightKg, &m.DepositCount,
			&m.AvgFillLevel, &peakHour, &m.PeakHourDeposits,
		); err != nil {
			return nil, fmt.Errorf("scan daily metric: %w", err)
		}
		m.Day = truncateDay(m.Day)
		m.PeakHour = int(peakHour)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
