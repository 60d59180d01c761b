package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
)

// SaveInsight сохраняет новую рекомендацию и снимает признак актуальности с предыдущей.
// История рекомендаций не удаляется.
func (r *PostgresRepository) SaveInsight(ctx context.Context, ins model.Insight) error {
	seen := ins.SeenAnomalies
	if seen == nil {
		seen = []string{}
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx,
			`UPDATE insights SET is_current = FALSE WHERE bin_id = $1 AND is_current`,
			ins.BinID,
		); err != nil {
			return fmt.Errorf("supersede insight: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO insights (id, bin_id, generated_at, source_day, insights, recommendations, anomaly_count, seen_anomalies, is_current)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)`,
			ins.ID, ins.BinID, ins.GeneratedAt.UTC(), truncateDay(ins.SourceDay),
			ins.Insights, ins.Recommendations, ins.AnomalyCount, seen,
		); err != nil {
			return fmt.Errorf("insert insight: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CurrentInsight возвращает актуальную рекомендацию по контейнеру.
func (r *PostgresRepository) CurrentInsight(ctx context.Context, binID string) (*model.Insight, error) {
	var ins model.Insight
	err := r.pool.QueryRow(ctx,
		`SELECT id::text, bin_id, generated_at, source_day, insights, recommendations, anomaly_count
		 FROM insights
		 WHERE bin_id = $1 AND is_current`,
		binID,
	).Scan(&ins.ID, &ins.BinID, &ins.GeneratedAt, &ins.SourceDay, &ins.Insights, &ins.Recommendations, &ins.AnomalyCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(fmt.Errorf("select current insight: %w", err))
	}

	ins.Current = true
	return &ins, nil
}

// SeenAnomalies возвращает идентификаторы аномалий, учтённых актуальной рекомендацией каждого контейнера.
func (r *PostgresRepository) SeenAnomalies(ctx context.Context) (map[string][]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT bin_id, seen_anomalies FROM insights WHERE is_current`)
	if err != nil {
		return nil, classify(fmt.Errorf("select seen anomalies: %w", err))
	}
	defer rows.Close()

	res := make(map[string][]string)
	for rows.Next() {
		var (
			binID string
			ids   []string
		)
		if err := rows.Scan(&binID, &ids); err != nil {
			return nil, fmt.Errorf("scan seen anomalies: %w", err)
		}
		res[binID] = ids
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}
