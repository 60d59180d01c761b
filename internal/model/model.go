// Package model содержит доменные сущности конвейера аналитики и вознаграждений.
package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidEvent возвращается, если событие нарушает инварианты.
var ErrInvalidEvent = errors.New("invalid bin event")

// BinEvent описывает одно событие сдачи вторсырья в умный контейнер.
// События создаются внешним слоем приёма и конвейером не изменяются.
type BinEvent struct {
	ID           int64
	BinID        string
	UserID       string
	Timestamp    time.Time
	Plastic      int
	Paper        int
	Metal        int
	Glass        int
	Organic      int
	HighValue    int
	LowValue     int
	OrganicBin   int
	BatteryPct   float64
	FillLevelPct float64
	WeightKg     float64
	WeightDelta  float64
	RawPayload   json.RawMessage
}

// ItemCount возвращает суммарное количество предметов по категориям.
func (e BinEvent) ItemCount() int {
	return e.Plastic + e.Paper + e.Metal + e.Glass + e.Organic
}

// Validate проверяет инварианты события.
func (e BinEvent) Validate() error {
	for _, c := range []int{e.Plastic, e.Paper, e.Metal, e.Glass, e.Organic, e.HighValue, e.LowValue, e.OrganicBin} {
		if c < 0 {
			return errors.Join(ErrInvalidEvent, errors.New("negative category count"))
		}
	}
	if e.WeightDelta > e.WeightKg {
		return errors.Join(ErrInvalidEvent, errors.New("weight delta exceeds total weight"))
	}
	return nil
}

// DailyMetric содержит суточную сводку по контейнеру. Ключ: (BinID, Day).
type DailyMetric struct {
	BinID            string    `json:"bin_id"`
	Day              time.Time `json:"day"`
	Plastic          int       `json:"plastic"`
	Paper            int       `json:"paper"`
	Metal            int       `json:"metal"`
	Glass            int       `json:"glass"`
	Organic          int       `json:"organic"`
	HighValue        int       `json:"hv_count"`
	LowValue         int       `json:"lv_count"`
	OrganicBin       int       `json:"org_count"`
	WeightKg         float64   `json:"total_weight_kg"`
	DepositCount     int       `json:"deposit_count"`
	AvgFillLevel     float64   `json:"avg_fill_level"`
	PeakHour         int       `json:"peak_hour"`
	PeakHourDeposits int       `json:"peak_hour_deposits"`
}

// AnomalyType описывает правило, по которому обнаружена аномалия.
type AnomalyType string

const (
	AnomalyFillSpike      AnomalyType = "fill_spike"
	AnomalyBatteryDrop    AnomalyType = "battery_drop"
	AnomalyWeightMismatch AnomalyType = "weight_mismatch"
	AnomalyDepositSurge   AnomalyType = "deposit_surge"
)

// Severity описывает уровень серьёзности аномалии.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Anomaly описывает обнаруженное отклонение. После создания не изменяется.
type Anomaly struct {
	ID          string      `json:"id"`
	BinID       string      `json:"bin_id"`
	Type        AnomalyType `json:"type"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Observed    float64     `json:"observed"`
	Threshold   float64     `json:"threshold"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	EventIDs    []int64     `json:"event_ids"`
	TimeBucket  int64       `json:"-"`
	DetectedAt  time.Time   `json:"detected_at"`
}

// Insight содержит сгенерированные выводы и рекомендации по контейнеру.
type Insight struct {
	ID              string    `json:"id"`
	BinID           string    `json:"bin_id"`
	GeneratedAt     time.Time `json:"generated_at"`
	SourceDay       time.Time `json:"source_day"`
	Insights        []string  `json:"insights"`
	Recommendations []string  `json:"recommendations"`
	AnomalyCount    int       `json:"anomaly_count"`
	SeenAnomalies   []string  `json:"-"`
	Current         bool      `json:"is_current"`
}

// LedgerReason описывает причину изменения баланса баллов.
type LedgerReason string

const (
	ReasonAccrual    LedgerReason = "accrual"
	ReasonRedemption LedgerReason = "redemption"
)

// LedgerEntry описывает запись журнала баллов пользователя. Журнал только дополняется.
type LedgerEntry struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	EventID        *int64       `json:"event_id,omitempty"`
	Reason         LedgerReason `json:"reason"`
	RewardName     string       `json:"reward_name,omitempty"`
	PointsDelta    int64        `json:"points_delta"`
	ScoringVersion string       `json:"scoring_version,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// RewardBalance содержит текущий баланс пользователя и его ранг.
type RewardBalance struct {
	UserID      string `json:"user_id"`
	TotalPoints int64  `json:"total_points"`
	Rank        string `json:"rank"`
}

// RewardSummary расширяет баланс информацией о следующем ранге.
type RewardSummary struct {
	RewardBalance
	NextRank       string `json:"next_rank,omitempty"`
	PointsToNext   int64  `json:"points_to_next,omitempty"`
	EarnedPoints   int64  `json:"earned_points"`
	RedeemedPoints int64  `json:"redeemed_points"`
}
