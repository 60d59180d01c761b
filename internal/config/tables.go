package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default_tables.yaml
var defaultTables []byte

// Tables содержит версионируемые таблицы начисления баллов, рангов и порогов аномалий.
type Tables struct {
	Version int          `yaml:"version"`
	Scoring ScoringTable `yaml:"scoring"`
	Ranks   []RankTier   `yaml:"ranks"`
	Anomaly AnomalyTable `yaml:"anomaly"`
	Insight InsightTable `yaml:"insight"`
}

// ScoringTable задаёт вес одного предмета каждой группы.
type ScoringTable struct {
	Version   string `yaml:"version"`
	HighValue int64  `yaml:"hv"`
	LowValue  int64  `yaml:"lv"`
	Organic   int64  `yaml:"org"`
}

// RankTier описывает порог ранга.
type RankTier struct {
	Name      string `yaml:"name"`
	MinPoints int64  `yaml:"min_points"`
}

// RuleThreshold задаёт порог срабатывания правила и базу для расчёта серьёзности.
type RuleThreshold struct {
	Threshold float64 `yaml:"threshold"`
	Baseline  float64 `yaml:"baseline"`
}

// SeverityBase возвращает базу серьёзности; по умолчанию совпадает с порогом.
func (r RuleThreshold) SeverityBase() float64 {
	if r.Baseline > 0 {
		return r.Baseline
	}
	return r.Threshold
}

// MismatchRule задаёт параметры правила несоответствия веса и количества предметов.
type MismatchRule struct {
	RuleThreshold `yaml:",inline"`
	ItemsBaseline float64 `yaml:"items_baseline"`
}

// ItemsBase возвращает базу серьёзности для предметов без прироста веса.
func (r MismatchRule) ItemsBase() float64 {
	if r.ItemsBaseline > 0 {
		return r.ItemsBaseline
	}
	return 5
}

// SurgeRule задаёт параметры правила всплеска сдач.
type SurgeRule struct {
	Factor      float64 `yaml:"factor"`
	MinDeposits int     `yaml:"min_deposits"`
}

// AnomalyTable содержит пороги детектора аномалий.
type AnomalyTable struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	FillSpike      RuleThreshold `yaml:"fill_spike"`
	BatteryDrop    RuleThreshold `yaml:"battery_drop"`
	WeightMismatch MismatchRule  `yaml:"weight_mismatch"`
	DepositSurge   SurgeRule     `yaml:"deposit_surge"`
}

// InsightTable содержит параметры генератора рекомендаций.
type InsightTable struct {
	LowUsageRatio   float64       `yaml:"low_usage_ratio"`
	HighFillPercent float64       `yaml:"high_fill_percent"`
	AnomalyLookback time.Duration `yaml:"anomaly_lookback"`
}

// LoadTables читает таблицы из YAML-файла. При пустом пути используются встроенные таблицы.
func LoadTables(path string) (*Tables, error) {
	data := defaultTables
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read tables %s: %v", ErrInvalidConfig, path, err)
		}
		data = b
	}

	return ParseTables(data)
}

// ParseTables разбирает и проверяет таблицы.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: parse tables: %v", ErrInvalidConfig, err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &t, nil
}

// Validate проверяет согласованность таблиц.
func (t *Tables) Validate() error {
	if t.Scoring.Version == "" {
		return fmt.Errorf("%w: scoring.version is required", ErrInvalidConfig)
	}
	if t.Scoring.HighValue <= 0 || t.Scoring.LowValue <= 0 || t.Scoring.Organic <= 0 {
		return fmt.Errorf("%w: scoring weights must be positive", ErrInvalidConfig)
	}

	if len(t.Ranks) == 0 {
		return fmt.Errorf("%w: at least one rank tier is required", ErrInvalidConfig)
	}
	if t.Ranks[0].MinPoints != 0 {
		return fmt.Errorf("%w: first rank tier must start at 0 points", ErrInvalidConfig)
	}
	for i := 1; i < len(t.Ranks); i++ {
		if t.Ranks[i].MinPoints <= t.Ranks[i-1].MinPoints {
			return fmt.Errorf("%w: rank tiers must be strictly ascending (%s)", ErrInvalidConfig, t.Ranks[i].Name)
		}
	}

	a := t.Anomaly
	if a.Cooldown <= 0 {
		return fmt.Errorf("%w: anomaly.cooldown must be positive", ErrInvalidConfig)
	}
	rules := map[string]RuleThreshold{
		"fill_spike":      a.FillSpike,
		"battery_drop":    a.BatteryDrop,
		"weight_mismatch": a.WeightMismatch.RuleThreshold,
	}
	for name, r := range rules {
		if r.Threshold <= 0 || r.Baseline < 0 {
			return fmt.Errorf("%w: anomaly.%s threshold must be positive", ErrInvalidConfig, name)
		}
	}
	if a.DepositSurge.Factor <= 1 {
		return fmt.Errorf("%w: anomaly.deposit_surge.factor must be greater than 1", ErrInvalidConfig)
	}

	if t.Insight.LowUsageRatio <= 0 || t.Insight.LowUsageRatio >= 1 {
		return fmt.Errorf("%w: insight.low_usage_ratio must be in (0, 1)", ErrInvalidConfig)
	}
	if t.Insight.HighFillPercent <= 0 || t.Insight.HighFillPercent > 100 {
		return fmt.Errorf("%w: insight.high_fill_percent must be in (0, 100]", ErrInvalidConfig)
	}
	if t.Insight.AnomalyLookback <= 0 {
		return fmt.Errorf("%w: insight.anomaly_lookback must be positive", ErrInvalidConfig)
	}

	return nil
}
