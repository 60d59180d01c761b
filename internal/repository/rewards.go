package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
)

// CreditEvent записывает начисление за событие и увеличивает баланс пользователя в одной транзакции.
// Уникальный индекс по event_id гарантирует, что событие не будет начислено дважды:
// при конфликте возвращается ErrDuplicateCredit, баланс не меняется.
func (r *PostgresRepository) CreditEvent(ctx context.Context, entry model.LedgerEntry) error {
	if entry.EventID == nil || entry.PointsDelta <= 0 {
		return errors.New("credit entry must reference an event and carry positive points")
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO reward_ledger (id, user_id, event_id, reason, points_delta, scoring_version, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (event_id) DO NOTHING`,
			entry.ID, entry.UserID, *entry.EventID, string(model.ReasonAccrual),
			entry.PointsDelta, entry.ScoringVersion, entry.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: event %d", ErrDuplicateCredit, *entry.EventID)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO reward_balances (user_id, total_points, earned_points, updated_at)
			 VALUES ($1, $2, $2, now())
			 ON CONFLICT (user_id) DO UPDATE SET
			   total_points = reward_balances.total_points + EXCLUDED.total_points,
			   earned_points = reward_balances.earned_points + EXCLUDED.earned_points,
			   updated_at = now()`,
			entry.UserID, entry.PointsDelta,
		); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Redeem списывает баллы пользователя. Блокировка строки баланса сериализует
// списания и начисления одного пользователя, поэтому проверка баланса и запись
// списания выполняются атомарно. Возвращает баланс после списания.
func (r *PostgresRepository) Redeem(ctx context.Context, entry model.LedgerEntry, cost int64) (int64, error) {
	if cost <= 0 {
		return 0, errors.New("redemption cost must be positive")
	}

	var balance int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx,
			`INSERT INTO reward_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
			entry.UserID,
		); err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}

		var current int64
		if err := tx.QueryRow(ctx,
			`SELECT total_points FROM reward_balances WHERE user_id = $1 FOR UPDATE`,
			entry.UserID,
		).Scan(&current); err != nil {
			return fmt.Errorf("lock balance for update: %w", err)
		}

		if current < cost {
			balance = current
			return ErrInsufficientPoints
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO reward_ledger (id, user_id, reason, reward_name, points_delta, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID, entry.UserID, string(model.ReasonRedemption), entry.RewardName, -cost, entry.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}

		if err := tx.QueryRow(ctx,
			`UPDATE reward_balances
			 SET total_points = total_points - $2, redeemed_points = redeemed_points + $2, updated_at = now()
			 WHERE user_id = $1
			 RETURNING total_points`,
			entry.UserID, cost,
		).Scan(&balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return balance, err
	}

	return balance, nil
}

// GetBalance возвращает текущий баланс, сумму начислений и сумму списаний пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (int64, int64, int64, error) {
	var total, earned, redeemed int64
	err := r.pool.QueryRow(ctx,
		`SELECT total_points, earned_points, redeemed_points FROM reward_balances WHERE user_id = $1`,
		userID,
	).Scan(&total, &earned, &redeemed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, classify(fmt.Errorf("select balance: %w", err))
	}

	return total, earned, redeemed, nil
}

// ListLedger возвращает историю начислений и списаний пользователя, новые первыми.
func (r *PostgresRepository) ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, user_id, event_id, reason, COALESCE(reward_name, ''), points_delta,
		        COALESCE(scoring_version, ''), created_at
		 FROM reward_ledger
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select ledger: %w", err))
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e      model.LedgerEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventID, &reason, &e.RewardName, &e.PointsDelta, &e.ScoringVersion, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Reason = model.LedgerReason(reason)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}
