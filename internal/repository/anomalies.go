package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
)

// InsertAnomaly сохраняет аномалию и возвращает false, если такая же аномалия
// уже зафиксирована для контейнера в этом временном интервале.
func (r *PostgresRepository) InsertAnomaly(ctx context.Context, a model.Anomaly) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO anomalies (id, bin_id, anomaly_type, severity, description, observed, threshold,
		                        window_start, window_end, event_ids, time_bucket, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (bin_id, anomaly_type, time_bucket) DO NOTHING`,
		a.ID, a.BinID, string(a.Type), string(a.Severity), a.Description, a.Observed, a.Threshold,
		a.WindowStart.UTC(), a.WindowEnd.UTC(), a.EventIDs, a.TimeBucket, a.DetectedAt.UTC(),
	)
	if err != nil {
		return false, classify(fmt.Errorf("insert anomaly: %w", err))
	}

	return cmdTag.RowsAffected() == 1, nil
}

// ListAnomalies возвращает аномалии контейнера, обнаруженные начиная с since, новые первыми.
func (r *PostgresRepository) ListAnomalies(ctx context.Context, binID string, since time.Time) ([]model.Anomaly, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, bin_id, anomaly_type, severity, description, observed, threshold,
		        window_start, window_end, event_ids, time_bucket, detected_at
		 FROM anomalies
		 WHERE bin_id = $1 AND detected_at >= $2
		 ORDER BY detected_at DESC`,
		binID, since.UTC(),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select anomalies: %w", err))
	}
	defer rows.Close()

	var res []model.Anomaly
	for rows.Next() {
		var (
			a             model.Anomaly
			typ, severity string
		)
		if err := rows.Scan(
			&a.ID, &a.BinID, &typ, &severity, &a.Description, &a.Observed, &a.Threshold,
			&a.WindowStart, &a.WindowEnd, &a.EventIDs, &a.TimeBucket, &a.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.Type = model.AnomalyType(typ)
		a.Severity = model.Severity(severity)
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}
