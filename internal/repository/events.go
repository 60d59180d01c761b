package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
)

const eventColumns = `e.id, e.bin_id, COALESCE(e.user_id, ''), e.timestamp_utc,
	e.plastic, e.paper, e.metal, e.glass, e.organic,
	e.hv_count, e.lv_count, e.org_count,
	e.battery_pct, e.fill_level_pct, e.weight_kg_total, e.weight_kg_delta,
	COALESCE(e.raw_payload, '{}'::jsonb)`

// EventFilter ограничивает выборку событий полуинтервалом [From, To) и, опционально, контейнером.
type EventFilter struct {
	From  time.Time
	To    time.Time
	BinID string
}

// ListEvents возвращает события, отсортированные по контейнеру и времени.
func (r *PostgresRepository) ListEvents(ctx context.Context, f EventFilter) ([]model.BinEvent, error) {
	var (
		conds []string
		args  []any
	)
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		conds = append(conds, fmt.Sprintf("e.timestamp_utc >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		conds = append(conds, fmt.Sprintf("e.timestamp_utc < $%d", len(args)))
	}
	if f.BinID != "" {
		args = append(args, f.BinID)
		conds = append(conds, fmt.Sprintf("e.bin_id = $%d", len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM bin_events e`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY e.bin_id, e.timestamp_utc, e.id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("select events: %w", err))
	}

	return collectEvents(rows)
}

// LatestEventsBefore возвращает для каждого контейнера последнее событие строго до момента before.
func (r *PostgresRepository) LatestEventsBefore(ctx context.Context, before time.Time) ([]model.BinEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT ON (e.bin_id) `+eventColumns+`
		 FROM bin_events e
		 WHERE e.timestamp_utc < $1
		 ORDER BY e.bin_id, e.timestamp_utc DESC, e.id DESC`,
		before.UTC(),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select prior events: %w", err))
	}

	return collectEvents(rows)
}

// ListUncreditedEvents возвращает начисляемые события, по которым ещё нет записи в журнале баллов.
func (r *PostgresRepository) ListUncreditedEvents(ctx context.Context, limit int) ([]model.BinEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM bin_events e
		 LEFT JOIN reward_ledger l ON l.event_id = e.id
		 WHERE l.id IS NULL
		   AND COALESCE(e.user_id, '') <> ''
		   AND e.hv_count + e.lv_count + e.org_count > 0
		 ORDER BY e.id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select uncredited events: %w", err))
	}

	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]model.BinEvent, error) {
	defer rows.Close()

	var res []model.BinEvent
	for rows.Next() {
		var (
			e       model.BinEvent
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.BinID, &e.UserID, &e.Timestamp,
			&e.Plastic, &e.Paper, &e.Metal, &e.Glass, &e.Organic,
			&e.HighValue, &e.LowValue, &e.OrganicBin,
			&e.BatteryPct, &e.FillLevelPct, &e.WeightKg, &e.WeightDelta,
			&payload,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.RawPayload = payload
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}
