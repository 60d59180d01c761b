package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ecobin-pipeline/internal/model"
)

func newMockRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	repo := New(mock)
	repo.retryDelays = []time.Duration{time.Millisecond, time.Millisecond}
	return repo, mock
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		{"deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), true},
		{"connection exception", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.transient, errors.Is(got, ErrTransientStore))
			if tt.err != nil {
				assert.ErrorIs(t, got, tt.err)
			}
		})
	}
}

func TestReplaceDailyMetrics_DeletesThenUpserts(t *testing.T) {
	repo, mock := newMockRepo(t)
	day := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM daily_metrics").
		WithArgs(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("INSERT INTO daily_metrics").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO daily_metrics").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.ReplaceDailyMetrics(context.Background(), day, []model.DailyMetric{
		{BinID: "bin-1", DepositCount: 3},
		{BinID: "bin-2", DepositCount: 1},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceDailyMetrics_RollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM daily_metrics").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO daily_metrics").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.ReplaceDailyMetrics(context.Background(), time.Now(), []model.DailyMetric{{BinID: "bin-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert daily metric bin-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceDailyMetrics_RetriesSerializationFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin().WillReturnError(&pgconn.PgError{Code: pgerrcode.SerializationFailure})
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM daily_metrics").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	err := repo.ReplaceDailyMetrics(context.Background(), time.Now(), nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAnomaly_Dedupe(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := model.Anomaly{
		ID:         "3f1c8a52-6a0e-4c55-9b55-0a3b3a3e1f10",
		BinID:      "bin-1",
		Type:       model.AnomalyBatteryDrop,
		Severity:   model.SeverityHigh,
		EventIDs:   []int64{1, 2},
		TimeBucket: 42,
	}

	mock.ExpectExec("INSERT INTO anomalies").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO anomalies").WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := repo.InsertAnomaly(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertAnomaly(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditEvent_Success(t *testing.T) {
	repo, mock := newMockRepo(t)
	eventID := int64(7)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reward_ledger").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reward_balances").
		WithArgs("user-1", int64(11)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.CreditEvent(context.Background(), model.LedgerEntry{
		ID:          "0d7e3f0a-2b1c-4e4f-8a59-5f5d1d7b9c11",
		UserID:      "user-1",
		EventID:     &eventID,
		PointsDelta: 11,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditEvent_DuplicateLeavesBalance(t *testing.T) {
	repo, mock := newMockRepo(t)
	eventID := int64(7)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reward_ledger").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := repo.CreditEvent(context.Background(), model.LedgerEntry{
		ID:          "0d7e3f0a-2b1c-4e4f-8a59-5f5d1d7b9c11",
		UserID:      "user-1",
		EventID:     &eventID,
		PointsDelta: 11,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateCredit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditEvent_RejectsEntryWithoutEvent(t *testing.T) {
	repo, mock := newMockRepo(t)

	err := repo.CreditEvent(context.Background(), model.LedgerEntry{UserID: "user-1", PointsDelta: 5})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_Success(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reward_balances").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT total_points FROM reward_balances").
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"total_points"}).AddRow(int64(100)))
	mock.ExpectExec("INSERT INTO reward_ledger").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE reward_balances").
		WithArgs("user-1", int64(50)).
		WillReturnRows(pgxmock.NewRows([]string{"total_points"}).AddRow(int64(50)))
	mock.ExpectCommit()

	balance, err := repo.Redeem(context.Background(), model.LedgerEntry{
		ID:         "9a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d",
		UserID:     "user-1",
		RewardName: "coffee",
	}, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_InsufficientPoints(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reward_balances").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT total_points FROM reward_balances").
		WillReturnRows(pgxmock.NewRows([]string{"total_points"}).AddRow(int64(50)))
	mock.ExpectRollback()

	balance, err := repo.Redeem(context.Background(), model.LedgerEntry{UserID: "user-1"}, 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientPoints)
	assert.Equal(t, int64(50), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_NonPositiveCost(t *testing.T) {
	repo, _ := newMockRepo(t)

	_, err := repo.Redeem(context.Background(), model.LedgerEntry{UserID: "user-1"}, 0)
	require.Error(t, err)
}

func TestGetBalance(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT total_points, earned_points, redeemed_points").
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"total_points", "earned_points", "redeemed_points"}).
			AddRow(int64(40), int64(100), int64(60)))

	total, earned, redeemed, err := repo.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), total)
	assert.Equal(t, int64(100), earned)
	assert.Equal(t, int64(60), redeemed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalance_UnknownUser(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT total_points, earned_points, redeemed_points").
		WillReturnRows(pgxmock.NewRows([]string{"total_points", "earned_points", "redeemed_points"}))

	total, _, _, err := repo.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveInsight_SupersedesPrevious(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE insights SET is_current = FALSE").
		WithArgs("bin-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO insights").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.SaveInsight(context.Background(), model.Insight{
		ID:          "5b6c7d8e-9f0a-4b1c-8d2e-3f4a5b6c7d8e",
		BinID:       "bin-1",
		GeneratedAt: time.Now(),
		Insights:    []string{"a"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentInsight_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM insights").
		WillReturnRows(pgxmock.NewRows([]string{"id", "bin_id", "generated_at", "source_day", "insights", "recommendations", "anomaly_count"}))

	_, err := repo.CurrentInsight(context.Background(), "bin-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeenAnomalies(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT bin_id, seen_anomalies FROM insights").
		WillReturnRows(pgxmock.NewRows([]string{"bin_id", "seen_anomalies"}).
			AddRow("bin-1", []string{"a-1", "a-2"}).
			AddRow("bin-2", []string{}))

	seen, err := repo.SeenAnomalies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "a-2"}, seen["bin-1"])
	assert.Empty(t, seen["bin-2"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
